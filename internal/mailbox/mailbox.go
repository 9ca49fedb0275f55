package mailbox

import (
	"context"
	"errors"
	"time"
)

// Message represents a fetched email message. It is immutable once
// fetched; the pipeline owns it for the duration of one processing
// attempt.
type Message struct {
	ID      string    // unique identifier (Message-ID or a transport-derived fallback)
	From    string    // sender address
	Subject string    // decoded subject line
	Text    string    // plain text body (rendered from HTML when no plain part exists)
	Date    time.Time // date the email was sent/received
}

// ErrPushUnsupported is returned by OpenWatch when the transport has no
// real-time notification mechanism (e.g. POP3). The poller remains the
// only detector in that case.
var ErrPushUnsupported = errors.New("mailbox: push notifications not supported by this transport")

// WatchSession is a live push subscription to the mailbox server.
type WatchSession interface {
	// Next blocks until the server signals new mail, the session fails,
	// or ctx is cancelled. A nil return means new mail arrived; the
	// session stays usable for further Next calls. Server-imposed idle
	// lifetime limits are handled internally and never surface here.
	Next(ctx context.Context) error

	// Close tears the subscription down on the server and releases the
	// connection.
	Close() error
}

// Transport fetches messages from a remote mail server and, where the
// protocol allows, delivers real-time new-mail notifications.
type Transport interface {
	// FetchSince returns messages the server assigned positions after
	// mark, together with the new mark to use for the next call. An
	// empty mark requests a seed fetch bounded by the configured
	// lookback window. Transports without server-side ordering may
	// return an empty mark and rely on the caller's dedup gate.
	FetchSince(ctx context.Context, mark string) ([]Message, string, error)

	// OpenWatch establishes a push subscription, or returns
	// ErrPushUnsupported.
	OpenWatch(ctx context.Context) (WatchSession, error)

	// Close releases any resources held by the transport.
	Close() error
}
