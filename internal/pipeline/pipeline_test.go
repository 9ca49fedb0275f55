package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/twiede/mailtask/internal/dedup"
	"github.com/twiede/mailtask/internal/detect"
	"github.com/twiede/mailtask/internal/extract"
	"github.com/twiede/mailtask/internal/mailbox"
	"github.com/twiede/mailtask/internal/sink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *dedup.Store {
	t.Helper()
	store, err := dedup.NewStore(filepath.Join(t.TempDir(), "pipeline.db"), 3)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeExtractor struct {
	mu     sync.Mutex
	result extract.Result
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(ctx context.Context, msg mailbox.Message) (extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type fakeSink struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeSink) Upsert(ctx context.Context, fingerprint string, res extract.Result, msg mailbox.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, fingerprint)
	return "task-" + fingerprint[:8], nil
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func actionableResult() extract.Result {
	return extract.Result{
		Actionable: true,
		Title:      "Send the contract",
		Priority:   extract.PriorityMedium,
		Confidence: 0.9,
		Provider:   "openai",
	}
}

func testMessage(id string) mailbox.Message {
	return mailbox.Message{ID: id, From: "alice@example.com", Subject: "contract", Text: "please send it"}
}

func newTestPipeline(t *testing.T, extractor Extractor, taskSink sink.TaskSink) (*Pipeline, *dedup.Store) {
	t.Helper()
	store := testStore(t)
	p := New(store, extractor, taskSink, Config{Account: "work", ProcessTimeout: 5 * time.Second}, discardLogger())
	return p, store
}

func TestDetectorRaceCreatesOneTask(t *testing.T) {
	extractor := &fakeExtractor{result: actionableResult()}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	ctx := context.Background()
	msg := testMessage("<race-1>")

	// The same message arrives over both detection paths.
	var wg sync.WaitGroup
	for _, src := range []detect.Source{detect.SourcePush, detect.SourcePoll} {
		wg.Add(1)
		go func(src detect.Source) {
			defer wg.Done()
			p.process(ctx, detect.Event{Message: msg, Source: src})
		}(src)
	}
	wg.Wait()

	if got := taskSink.callCount(); got != 1 {
		t.Fatalf("sink called %d times, want exactly 1", got)
	}

	rec, err := store.Get(ctx, dedup.Fingerprint("work", msg.ID))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != dedup.OutcomeCreated {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, dedup.OutcomeCreated)
	}
	if rec.TaskRef == "" {
		t.Fatal("task reference not recorded")
	}
}

func TestNotActionableSkipsSink(t *testing.T) {
	extractor := &fakeExtractor{result: extract.Result{Actionable: false, Confidence: 0.95}}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	ctx := context.Background()
	msg := testMessage("<fyi-1>")
	p.process(ctx, detect.Event{Message: msg, Source: detect.SourcePoll})

	if got := taskSink.callCount(); got != 0 {
		t.Fatalf("sink called %d times for a non-actionable message", got)
	}
	rec, err := store.Get(ctx, dedup.Fingerprint("work", msg.ID))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != dedup.OutcomeSkipped {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, dedup.OutcomeSkipped)
	}
}

func TestLowConfidenceTreatedAsNotActionable(t *testing.T) {
	res := actionableResult()
	res.Confidence = 0.4
	extractor := &fakeExtractor{result: res}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	ctx := context.Background()
	msg := testMessage("<lowconf-1>")
	p.process(ctx, detect.Event{Message: msg, Source: detect.SourcePush})

	if got := taskSink.callCount(); got != 0 {
		t.Fatalf("sink called %d times below the confidence floor", got)
	}
	rec, err := store.Get(ctx, dedup.Fingerprint("work", msg.ID))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != dedup.OutcomeSkipped {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, dedup.OutcomeSkipped)
	}
}

func TestSinkOutageRetriesWithoutReadmission(t *testing.T) {
	extractor := &fakeExtractor{result: actionableResult()}
	taskSink := &fakeSink{err: sink.ErrUnavailable}
	p, store := newTestPipeline(t, extractor, taskSink)

	ctx := context.Background()
	msg := testMessage("<retry-1>")
	fp := dedup.Fingerprint("work", msg.ID)

	p.process(ctx, detect.Event{Message: msg, Source: detect.SourcePush})

	rec, err := store.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != dedup.OutcomeFailed || rec.Parked {
		t.Fatalf("outcome = %s parked = %v, want retryable failure", rec.Outcome, rec.Parked)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	// The store outage ends; the retry path reprocesses the persisted
	// snapshot without admitting the fingerprint a second time.
	taskSink.setErr(nil)
	p.extractAndCreate(ctx, rec.Fingerprint, rec.Message, discardLogger())

	rec, err = store.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != dedup.OutcomeCreated {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, dedup.OutcomeCreated)
	}
	if got := taskSink.callCount(); got != 1 {
		t.Fatalf("sink called %d times, want 1", got)
	}

	admitted, err := store.Admit(ctx, fp, msg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if admitted {
		t.Fatal("fingerprint re-admitted after a terminal outcome")
	}
}

func TestPermanentExtractionErrorParksImmediately(t *testing.T) {
	extractor := &fakeExtractor{
		err: &extract.ProviderError{Provider: "openai", Kind: extract.KindPermanent, Err: errors.New("invalid api key")},
	}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	ctx := context.Background()
	msg := testMessage("<perm-1>")
	p.process(ctx, detect.Event{Message: msg, Source: detect.SourcePoll})

	rec, err := store.Get(ctx, dedup.Fingerprint("work", msg.ID))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != dedup.OutcomeFailed || !rec.Parked {
		t.Fatalf("outcome = %s parked = %v, want parked failure", rec.Outcome, rec.Parked)
	}
	if got := taskSink.callCount(); got != 0 {
		t.Fatalf("sink called %d times after extraction failed", got)
	}
}

func TestWatcherHealthNarrowsPollInterval(t *testing.T) {
	extractor := &fakeExtractor{result: actionableResult()}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	poller := detect.NewPoller(nil, store, p.Events(), 5*time.Minute, time.Minute, discardLogger())
	p.Attach(nil, poller)

	p.HandleWatcherHealth(true)
	if got := poller.Interval(); got != time.Minute {
		t.Fatalf("interval = %s after degradation, want 1m", got)
	}
	p.HandleWatcherHealth(false)
	if got := poller.Interval(); got != 5*time.Minute {
		t.Fatalf("interval = %s after recovery, want 5m", got)
	}
}

func TestRunDrainsBufferedEventsOnShutdown(t *testing.T) {
	extractor := &fakeExtractor{result: actionableResult()}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	// Events sitting in the intake buffer have already advanced the
	// detectors' marks; cancellation must not strand them.
	ids := []string{"<buf-1>", "<buf-2>", "<buf-3>", "<buf-4>", "<buf-5>"}
	for _, id := range ids {
		p.Events() <- detect.Event{Message: testMessage(id), Source: detect.SourcePoll}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	for _, id := range ids {
		rec, err := store.Get(context.Background(), dedup.Fingerprint("work", id))
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if rec.Outcome != dedup.OutcomeCreated {
			t.Fatalf("outcome for %s = %s, want %s", id, rec.Outcome, dedup.OutcomeCreated)
		}
	}
	if got := taskSink.callCount(); got != len(ids) {
		t.Fatalf("sink called %d times, want %d", got, len(ids))
	}
}

func TestRunDrainsIntakeOnShutdown(t *testing.T) {
	extractor := &fakeExtractor{result: actionableResult()}
	taskSink := &fakeSink{}
	p, store := newTestPipeline(t, extractor, taskSink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	msg := testMessage("<drain-1>")
	p.Events() <- detect.Event{Message: msg, Source: detect.SourcePush}

	fp := dedup.Fingerprint("work", msg.ID)
	deadline := time.After(5 * time.Second)
	for {
		rec, err := store.Get(context.Background(), fp)
		if err == nil && rec.Outcome == dedup.OutcomeCreated {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message was not processed")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
