// Package detect holds the two independent mechanisms that discover
// new mail: the push watcher (subscription-based) and the poll fallback
// (interval-based). Both emit events into one intake channel and never
// process messages themselves; the dedup store downstream arbitrates
// when they race on the same message.
package detect

import "github.com/twiede/mailtask/internal/mailbox"

// Source identifies which detector first sighted a message.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Event is one detected message handed to the pipeline.
type Event struct {
	Message mailbox.Message
	Source  Source

	// Attempts counts intake re-enqueues after a store-unavailable
	// admission error. Zero on first sighting.
	Attempts int
}
