package detect

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
	"github.com/twiede/mailtask/internal/mailbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *dedup.Store {
	t.Helper()
	store, err := dedup.NewStore(filepath.Join(t.TempDir(), "detect.db"), 3)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeWatchSession struct {
	notify <-chan struct{}
}

func (s *fakeWatchSession) Next(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-s.notify:
		if !ok {
			return errors.New("connection lost")
		}
		return nil
	}
}

func (s *fakeWatchSession) Close() error { return nil }

// fakeTransport serves a single batch of messages on the first fetch
// and empty batches afterwards. OpenWatch fails openFails times before
// succeeding; with openFails < 0 it fails forever.
type fakeTransport struct {
	mu        sync.Mutex
	openErr   error
	openFails int
	openCalls int
	notify    chan struct{}
	messages  []mailbox.Message
	nextMark  string
	fetchErr  error
	marksSeen []string
}

func (f *fakeTransport) FetchSince(ctx context.Context, mark string) ([]mailbox.Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marksSeen = append(f.marksSeen, mark)
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	msgs := f.messages
	f.messages = nil
	return msgs, f.nextMark, nil
}

func (f *fakeTransport) OpenWatch(ctx context.Context) (mailbox.WatchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil && (f.openFails < 0 || f.openCalls <= f.openFails) {
		return nil, f.openErr
	}
	return &fakeWatchSession{notify: f.notify}, nil
}

func (f *fakeTransport) Close() error { return nil }

func testWatcherConfig() WatcherConfig {
	return WatcherConfig{
		BackoffBase:         time.Millisecond,
		BackoffMax:          2 * time.Millisecond,
		DegradedAfterErrors: 2,
	}
}

func TestWatcherPushUnsupported(t *testing.T) {
	transport := &fakeTransport{openErr: mailbox.ErrPushUnsupported, openFails: -1}
	events := make(chan Event, 8)

	var mu sync.Mutex
	var health []bool
	w := NewWatcher(transport, testStore(t), events, testWatcherConfig(), func(degraded bool) {
		mu.Lock()
		health = append(health, degraded)
		mu.Unlock()
	}, discardLogger())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return for an unsupported transport")
	}
	if !w.Degraded() {
		t.Fatal("watcher should be degraded when push is unsupported")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(health) != 1 || !health[0] {
		t.Fatalf("health = %v, want single degraded signal", health)
	}
}

func TestWatcherDegradesThenRecovers(t *testing.T) {
	transport := &fakeTransport{
		openErr:   errors.New("dial failed"),
		openFails: 3,
		notify:    make(chan struct{}),
	}
	events := make(chan Event, 8)

	var mu sync.Mutex
	var health []bool
	w := NewWatcher(transport, testStore(t), events, testWatcherConfig(), func(degraded bool) {
		mu.Lock()
		health = append(health, degraded)
		mu.Unlock()
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for w.State() != StateSubscribed {
		select {
		case <-deadline:
			t.Fatalf("watcher never subscribed, state=%s", w.State())
		case <-time.After(time.Millisecond):
		}
	}
	if w.Degraded() {
		t.Fatal("subscription should clear the degraded flag")
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(health) < 2 || !health[0] || health[len(health)-1] {
		t.Fatalf("health = %v, want degraded then recovered", health)
	}
}

func TestWatcherEmitsAfterNotification(t *testing.T) {
	notify := make(chan struct{}, 1)
	transport := &fakeTransport{
		notify:   notify,
		messages: []mailbox.Message{{ID: "<m1>", From: "a@example.com", Subject: "s"}},
		nextMark: "7:42",
	}
	store := testStore(t)
	events := make(chan Event, 8)

	w := NewWatcher(transport, store, events, testWatcherConfig(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	var ev Event
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no event from catch-up fetch")
	}
	if ev.Source != SourcePush {
		t.Fatalf("source = %s, want %s", ev.Source, SourcePush)
	}
	if ev.Message.ID != "<m1>" {
		t.Fatalf("message ID = %s", ev.Message.ID)
	}

	deadline := time.After(2 * time.Second)
	for {
		mark, err := store.HighWaterMark(ctx, string(SourcePush))
		if err != nil {
			t.Fatalf("HighWaterMark: %v", err)
		}
		if mark == "7:42" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("mark = %q, want 7:42", mark)
		case <-time.After(time.Millisecond):
		}
	}
	if w.LastDetection().IsZero() {
		t.Fatal("last detection not recorded")
	}

	cancel()
	<-done
}
