package detect

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/twiede/mailtask/internal/dedup"
	"github.com/twiede/mailtask/internal/mailbox"
)

// WatcherState is the push watcher's connection state.
type WatcherState string

const (
	StateDisconnected WatcherState = "disconnected"
	StateConnecting   WatcherState = "connecting"
	StateSubscribed   WatcherState = "subscribed"
	StateReconnecting WatcherState = "reconnecting"
	StateDegraded     WatcherState = "degraded"
)

// WatcherConfig tunes reconnect behavior.
type WatcherConfig struct {
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	DegradedAfterErrors int
}

func (c *WatcherConfig) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.DegradedAfterErrors <= 0 {
		c.DegradedAfterErrors = 5
	}
}

// Watcher keeps a push subscription to the mailbox alive and emits an
// event for every message fetched after a notification. Sustained
// transport failure flips it into degraded mode; it keeps reconnecting
// at the capped backoff and reports recovery.
type Watcher struct {
	transport mailbox.Transport
	store     *dedup.Store
	events    chan<- Event
	cfg       WatcherConfig
	onHealth  func(degraded bool)
	logger    *slog.Logger

	mu            sync.Mutex
	state         WatcherState
	degraded      bool
	failures      int
	lastDetection time.Time
}

// NewWatcher creates a Watcher. onHealth is invoked (from the watcher
// goroutine) whenever the degraded flag changes; it may be nil.
func NewWatcher(transport mailbox.Transport, store *dedup.Store, events chan<- Event, cfg WatcherConfig, onHealth func(degraded bool), logger *slog.Logger) *Watcher {
	cfg.applyDefaults()
	return &Watcher{
		transport: transport,
		store:     store,
		events:    events,
		cfg:       cfg,
		onHealth:  onHealth,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// Run maintains the subscription until ctx is cancelled. If the
// transport has no push support at all, the watcher marks itself
// degraded once and returns; the poll fallback is then the only
// detector.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return
		}

		w.setState(StateConnecting)
		session, err := w.transport.OpenWatch(ctx)
		if errors.Is(err, mailbox.ErrPushUnsupported) {
			w.logger.Info("push not supported by transport, leaving detection to the poller")
			w.setState(StateDisconnected)
			w.setDegraded(true)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				w.setState(StateDisconnected)
				return
			}
			w.logger.Error("watch subscription failed", "error", err)
			if !w.backoff(ctx) {
				return
			}
			continue
		}

		w.setState(StateSubscribed)
		w.clearFailures()
		w.logger.Info("push subscription established")

		// Anything that arrived while we were disconnected has produced
		// no notification; catch up immediately.
		w.fetchAndEmit(ctx)

		for {
			err := session.Next(ctx)
			if err != nil {
				session.Close()
				if ctx.Err() != nil {
					w.setState(StateDisconnected)
					return
				}
				w.logger.Warn("push session ended", "error", err)
				if !w.backoff(ctx) {
					return
				}
				break
			}
			w.logger.Debug("push notification received")
			w.fetchAndEmit(ctx)
		}
	}
}

// fetchAndEmit fetches messages past the push high-water mark and hands
// them to the pipeline. Per-message and fetch errors are logged, never
// fatal; only sustained subscription failure escalates.
func (w *Watcher) fetchAndEmit(ctx context.Context) {
	mark, err := w.store.HighWaterMark(ctx, string(SourcePush))
	if err != nil {
		w.logger.Error("load push high-water mark failed", "error", err)
		return
	}

	messages, newMark, err := w.transport.FetchSince(ctx, mark)
	if err != nil {
		w.logger.Error("push fetch failed", "error", err)
		return
	}

	for _, msg := range messages {
		select {
		case w.events <- Event{Message: msg, Source: SourcePush}:
		case <-ctx.Done():
			return
		}
	}
	if len(messages) > 0 {
		w.mu.Lock()
		w.lastDetection = time.Now()
		w.mu.Unlock()
	}

	if newMark != mark && newMark != "" {
		if err := w.store.SetHighWaterMark(ctx, string(SourcePush), newMark); err != nil {
			w.logger.Error("store push high-water mark failed", "error", err)
		}
	}
}

// backoff sleeps before the next reconnect attempt, doubling the delay
// per consecutive failure up to the cap, with jitter so a flapping
// server does not see synchronized reconnects. Returns false when ctx
// ended during the wait.
func (w *Watcher) backoff(ctx context.Context) bool {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	w.mu.Unlock()

	if failures >= w.cfg.DegradedAfterErrors {
		w.setDegraded(true)
		w.setState(StateDegraded)
	} else {
		w.setState(StateReconnecting)
	}

	delay := w.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffMax {
			delay = w.cfg.BackoffMax
			break
		}
	}
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))

	w.logger.Debug("reconnect backoff", "failures", failures, "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Watcher) clearFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
	w.setDegraded(false)
}

func (w *Watcher) setDegraded(degraded bool) {
	w.mu.Lock()
	changed := w.degraded != degraded
	w.degraded = degraded
	w.mu.Unlock()
	if changed && w.onHealth != nil {
		w.onHealth(degraded)
	}
}

func (w *Watcher) setState(state WatcherState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// State returns the current connection state.
func (w *Watcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Degraded reports whether real-time capability is currently degraded.
func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// LastDetection returns when the push path last delivered a message.
func (w *Watcher) LastDetection() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDetection
}
