// Package extract classifies a mail message as actionable or not and
// pulls the task fields out of it, using an ordered chain of model
// providers with transient/permanent error classification. Adding a
// provider is a configuration change, not a control-flow change.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twiede/mailtask/internal/mailbox"
)

// Priority is the extracted task priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Result is the outcome of one extraction call. A non-actionable
// classification is a normal result, not an error.
type Result struct {
	Actionable  bool
	Title       string
	Description string
	Priority    Priority
	DueDate     string // YYYY-MM-DD, empty when none mentioned
	Tags        []string
	Confidence  float64
	Provider    string // provider that produced the result
}

// Provider issues a single classification/extraction request.
type Provider interface {
	Name() string
	Extract(ctx context.Context, msg mailbox.Message) (Result, error)
}

// ErrorKind separates errors worth handing to the next provider from
// errors no provider will do better on.
type ErrorKind int

const (
	// KindTransient covers timeouts, rate limits and 5xx-equivalent
	// failures. The chain advances to the next provider.
	KindTransient ErrorKind = iota
	// KindPermanent covers malformed input and content policy
	// rejections. The chain stops immediately.
	KindPermanent
)

// ProviderError is an extraction failure attributed to one provider.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Kind == KindPermanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrExhausted reports that every provider in the chain failed
// transiently. Distinct from a permanent error: the caller may retry
// the whole message later.
var ErrExhausted = errors.New("all extraction providers exhausted")

// IsPermanent reports whether err is a permanent extraction failure.
func IsPermanent(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Kind == KindPermanent
}

// Chain tries providers in configured order with a bounded per-call
// timeout.
type Chain struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewChain creates a Chain. timeout bounds each provider call.
func NewChain(providers []Provider, timeout time.Duration, logger *slog.Logger) *Chain {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Chain{providers: providers, timeout: timeout, logger: logger}
}

// Extract runs the chain for one message. It returns the first
// successful result, stops on a permanent error, and returns an error
// wrapping ErrExhausted when every provider failed transiently.
func (c *Chain) Extract(ctx context.Context, msg mailbox.Message) (Result, error) {
	if len(c.providers) == 0 {
		return Result{}, fmt.Errorf("%w: no providers configured", ErrExhausted)
	}

	var lastErr error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		res, err := p.Extract(callCtx, msg)
		cancel()

		if err == nil {
			res.Provider = p.Name()
			return res, nil
		}

		if IsPermanent(err) {
			return Result{}, err
		}

		// Everything unclassified is treated as transient so the next
		// provider still gets a chance.
		c.logger.Warn("extraction provider failed, trying next",
			"provider", p.Name(), "msg_id", msg.ID, "error", err)
		lastErr = err
	}

	return Result{}, fmt.Errorf("%w: last error: %v", ErrExhausted, lastErr)
}
