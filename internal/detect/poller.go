package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/twiede/mailtask/internal/dedup"
	"github.com/twiede/mailtask/internal/mailbox"
)

// Poller guarantees eventual detection of every message even when the
// push path is degraded or unsupported. It fetches from the last
// successfully handed-over high-water mark, so a failed cycle leaves no
// gap, and it widens or narrows its interval with push health.
type Poller struct {
	transport mailbox.Transport
	store     *dedup.Store
	events    chan<- Event
	healthy   time.Duration
	degraded  time.Duration
	logger    *slog.Logger

	mu            sync.Mutex
	isDegraded    bool
	lastDetection time.Time

	changed chan struct{}
}

// NewPoller creates a Poller with the two effective intervals.
func NewPoller(transport mailbox.Transport, store *dedup.Store, events chan<- Event, healthy, degraded time.Duration, logger *slog.Logger) *Poller {
	if healthy <= 0 {
		healthy = 5 * time.Minute
	}
	if degraded <= 0 || degraded > healthy {
		degraded = healthy
	}
	return &Poller{
		transport: transport,
		store:     store,
		events:    events,
		healthy:   healthy,
		degraded:  degraded,
		logger:    logger,
		changed:   make(chan struct{}, 1),
	}
}

// Run polls immediately, then on the effective interval, until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("starting poll fallback", "interval", p.Interval())
	p.poll(ctx)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll fallback stopped")
			return
		case <-p.changed:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.Interval())
		case <-timer.C:
			p.poll(ctx)
			timer.Reset(p.Interval())
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	mark, err := p.store.HighWaterMark(ctx, string(SourcePoll))
	if err != nil {
		p.logger.Error("load poll high-water mark failed", "error", err)
		return
	}

	messages, newMark, err := p.transport.FetchSince(ctx, mark)
	if err != nil {
		p.logger.Error("poll fetch failed", "error", err)
		return
	}

	// Hand the whole batch over before advancing the mark; a cycle that
	// dies midway will re-fetch rather than skip.
	for _, msg := range messages {
		select {
		case p.events <- Event{Message: msg, Source: SourcePoll}:
		case <-ctx.Done():
			return
		}
	}
	if len(messages) > 0 {
		p.mu.Lock()
		p.lastDetection = time.Now()
		p.mu.Unlock()
		p.logger.Debug("poll cycle handed over messages", "count", len(messages))
	}

	if newMark != mark && newMark != "" {
		if err := p.store.SetHighWaterMark(ctx, string(SourcePoll), newMark); err != nil {
			p.logger.Error("store poll high-water mark failed", "error", err)
		}
	}
}

// SetDegraded switches between the healthy and degraded intervals. The
// new interval takes effect within one cycle.
func (p *Poller) SetDegraded(degraded bool) {
	p.mu.Lock()
	changed := p.isDegraded != degraded
	p.isDegraded = degraded
	p.mu.Unlock()
	if !changed {
		return
	}
	p.logger.Info("poll interval adjusted", "degraded", degraded, "interval", p.Interval())
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Interval returns the currently-effective poll interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDegraded {
		return p.degraded
	}
	return p.healthy
}

// LastDetection returns when the poll path last delivered a message.
func (p *Poller) LastDetection() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDetection
}
