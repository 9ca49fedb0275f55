package pipeline

import (
	"context"
	"time"

	"github.com/twiede/mailtask/internal/dedup"
	"github.com/twiede/mailtask/internal/detect"
)

// Status is the snapshot exposed on the status surface.
type Status struct {
	UptimeSeconds float64       `json:"uptime_seconds"`
	Watcher       WatcherStatus `json:"watcher"`
	Poller        PollerStatus  `json:"poller"`
	Counts        dedup.Counts  `json:"counts"`
}

// WatcherStatus describes the push path.
type WatcherStatus struct {
	State         detect.WatcherState `json:"state"`
	Degraded      bool                `json:"degraded"`
	LastDetection *time.Time          `json:"last_detection,omitempty"`
}

// PollerStatus describes the poll path.
type PollerStatus struct {
	IntervalSeconds float64    `json:"interval_seconds"`
	LastDetection   *time.Time `json:"last_detection,omitempty"`
}

// Status builds the current snapshot.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	counts, err := p.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		UptimeSeconds: time.Since(p.startTime).Seconds(),
		Counts:        counts,
	}
	if p.watcher != nil {
		st.Watcher.State = p.watcher.State()
		st.Watcher.Degraded = p.watcher.Degraded()
		if t := p.watcher.LastDetection(); !t.IsZero() {
			st.Watcher.LastDetection = &t
		}
	}
	if p.poller != nil {
		st.Poller.IntervalSeconds = p.poller.Interval().Seconds()
		if t := p.poller.LastDetection(); !t.IsZero() {
			st.Poller.LastDetection = &t
		}
	}
	return st, nil
}
