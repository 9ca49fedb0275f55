// Package pipeline drains detector events through the dedup gate, the
// extraction chain and the task sink. It is the only place per-message
// failures are recorded and retried.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/twiede/mailtask/internal/dedup"
	"github.com/twiede/mailtask/internal/detect"
	"github.com/twiede/mailtask/internal/extract"
	"github.com/twiede/mailtask/internal/mailbox"
	"github.com/twiede/mailtask/internal/sink"
)

// Extractor is the extraction chain's contract as the pipeline sees it.
type Extractor interface {
	Extract(ctx context.Context, msg mailbox.Message) (extract.Result, error)
}

// Config tunes the pipeline.
type Config struct {
	// Account names the monitored account; part of every fingerprint.
	Account string
	// Workers is the number of concurrent processors. Admission
	// serializes per fingerprint in the store, so workers only need to
	// be concurrent across different fingerprints.
	Workers int
	// MinConfidence below which an actionable classification is treated
	// as not actionable.
	MinConfidence float64
	// ProcessTimeout bounds one message's extraction+sink attempt. It
	// is also the shutdown grace: in-flight work finishes or times out.
	ProcessTimeout time.Duration
	// RetryInterval is how often failed records are re-examined, and
	// the minimum age of a failure before it is retried.
	RetryInterval time.Duration
	// RetryBatch caps records reprocessed per retry cycle.
	RetryBatch int
	// AdmitRetryDelay and AdmitRetries bound re-enqueueing of an event
	// whose admission hit a storage error.
	AdmitRetryDelay time.Duration
	AdmitRetries    int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.7
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 2 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 20
	}
	if c.AdmitRetryDelay <= 0 {
		c.AdmitRetryDelay = 30 * time.Second
	}
	if c.AdmitRetries <= 0 {
		c.AdmitRetries = 3
	}
}

// Pipeline routes detected messages to exactly one terminal outcome per
// fingerprint.
type Pipeline struct {
	store     *dedup.Store
	extractor Extractor
	taskSink  sink.TaskSink
	cfg       Config
	logger    *slog.Logger

	intake chan detect.Event
	done   chan struct{}

	watcher *detect.Watcher
	poller  *detect.Poller

	startTime time.Time
}

// New creates a Pipeline.
func New(store *dedup.Store, extractor Extractor, taskSink sink.TaskSink, cfg Config, logger *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		store:     store,
		extractor: extractor,
		taskSink:  taskSink,
		cfg:       cfg,
		logger:    logger,
		intake:    make(chan detect.Event, 128),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
}

// Events returns the intake channel the detectors emit into.
func (p *Pipeline) Events() chan<- detect.Event {
	return p.intake
}

// Attach wires the detectors in for health coupling and the status
// surface. Call before Run.
func (p *Pipeline) Attach(watcher *detect.Watcher, poller *detect.Poller) {
	p.watcher = watcher
	p.poller = poller
}

// HandleWatcherHealth reacts to push degradation by narrowing the poll
// interval, and widens it again on recovery. This is the only
// cross-component coupling beyond the shared dedup store.
func (p *Pipeline) HandleWatcherHealth(degraded bool) {
	p.logger.Info("push watcher health changed", "degraded", degraded)
	if p.poller != nil {
		p.poller.SetDegraded(degraded)
	}
}

// Run processes intake until ctx is cancelled, then drains in-flight
// work (bounded by ProcessTimeout) before returning.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.retryLoop(ctx)
	}()

	wg.Wait()
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drainIntake(ctx)
			return
		case ev := <-p.intake:
			p.processEvent(ctx, ev)
		}
	}
}

// drainIntake processes events still buffered at shutdown. The
// detectors advance their high-water marks once the channel send
// succeeds, so an event dropped from the buffer would never be
// refetched.
func (p *Pipeline) drainIntake(ctx context.Context) {
	for {
		select {
		case ev := <-p.intake:
			p.processEvent(ctx, ev)
		default:
			return
		}
	}
}

func (p *Pipeline) processEvent(ctx context.Context, ev detect.Event) {
	// Shutdown must not abort work already handed over; the per-message
	// timeout bounds how long draining can take.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProcessTimeout)
	p.process(procCtx, ev)
	cancel()
}

func (p *Pipeline) process(ctx context.Context, ev detect.Event) {
	msg := ev.Message
	fp := dedup.Fingerprint(p.cfg.Account, msg.ID)
	log := p.logger.With("msg_id", msg.ID, "source", string(ev.Source))

	admitted, err := p.store.Admit(ctx, fp, msg)
	if err != nil {
		// Fail closed: a storage outage must not cause duplicate task
		// creation. Retry the admission for this message only.
		log.Error("admission failed, store unavailable", "error", err, "attempts", ev.Attempts)
		p.requeue(ev)
		return
	}
	if !admitted {
		// Normal rejection: the other detector, or a previous run, got
		// here first.
		log.Debug("duplicate message rejected", "fingerprint", fp)
		return
	}

	log.Info("message admitted", "fingerprint", fp, "subject", msg.Subject)
	p.extractAndCreate(ctx, fp, msg, log)
}

// extractAndCreate runs the admitted half of the state machine. It is
// shared with the retry loop, which re-invokes it against an
// already-admitted record without a second admission.
func (p *Pipeline) extractAndCreate(ctx context.Context, fp string, msg mailbox.Message, log *slog.Logger) {
	res, err := p.extractor.Extract(ctx, msg)
	if err != nil {
		p.recordFailure(ctx, fp, err, extract.IsPermanent(err), log)
		return
	}

	if !res.Actionable || res.Confidence < p.cfg.MinConfidence {
		if err := p.store.CommitOutcome(ctx, fp, dedup.OutcomeSkipped, ""); err != nil {
			log.Error("commit skipped outcome failed", "error", err)
			return
		}
		log.Info("message not actionable",
			"actionable", res.Actionable, "confidence", res.Confidence, "provider", res.Provider)
		return
	}

	ref, err := p.taskSink.Upsert(ctx, fp, res, msg)
	if err != nil {
		retryable := errors.Is(err, sink.ErrUnavailable) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled)
		p.recordFailure(ctx, fp, err, !retryable, log)
		return
	}

	if err := p.store.CommitOutcome(ctx, fp, dedup.OutcomeCreated, ref); err != nil {
		// The task exists; the idempotent sink makes the retry safe.
		log.Error("commit created outcome failed", "error", err, "task_ref", ref)
		return
	}
	log.Info("task created", "task_ref", ref, "title", res.Title, "provider", res.Provider)
}

func (p *Pipeline) recordFailure(ctx context.Context, fp string, cause error, permanent bool, log *slog.Logger) {
	attempts, parked, err := p.store.CommitFailure(ctx, fp, cause.Error(), permanent)
	if err != nil {
		log.Error("commit failure outcome failed", "error", err, "cause", cause)
		return
	}
	if parked {
		log.Error("message parked for manual review", "error", cause, "attempts", attempts)
	} else {
		log.Warn("processing failed, will retry", "error", cause, "attempts", attempts)
	}
}

// requeue re-enqueues an event after an admission storage error, a
// bounded number of times.
func (p *Pipeline) requeue(ev detect.Event) {
	if ev.Attempts >= p.cfg.AdmitRetries {
		p.logger.Error("dropping event after repeated admission failures",
			"msg_id", ev.Message.ID, "attempts", ev.Attempts)
		return
	}
	ev.Attempts++
	go func() {
		timer := time.NewTimer(p.cfg.AdmitRetryDelay)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}
		select {
		case p.intake <- ev:
		case <-p.done:
		}
	}()
}

// retryLoop reprocesses failed, unparked records on a schedule using
// the message snapshot persisted at admission. Fingerprints are never
// re-admitted; retry runs against the existing record.
func (p *Pipeline) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		records, err := p.store.ListRetryable(ctx, p.cfg.RetryInterval, p.cfg.RetryBatch)
		if err != nil {
			p.logger.Error("list retryable records failed", "error", err)
			continue
		}
		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			log := p.logger.With("msg_id", rec.Message.ID, "fingerprint", rec.Fingerprint, "retry_attempt", rec.Attempts+1)
			log.Info("retrying failed message")
			procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProcessTimeout)
			p.extractAndCreate(procCtx, rec.Fingerprint, rec.Message, log)
			cancel()
		}
	}
}
