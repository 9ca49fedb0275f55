package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	pop3client "github.com/knadh/go-pop3"
)

// POP3Transport fetches messages over POP3/POP3S. POP3 has no push
// mechanism and no server-assigned ordering usable as a high-water
// mark, so OpenWatch reports ErrPushUnsupported and FetchSince returns
// every message inside the lookback window; the dedup gate downstream
// is what bounds reprocessing.
type POP3Transport struct {
	host        string
	port        int
	username    string
	password    string
	useTLS      bool
	processDays int
	logger      *slog.Logger
}

// NewPOP3 creates a new POP3 transport.
func NewPOP3(host string, port int, username, password string, useTLS bool, processDays int, logger *slog.Logger) *POP3Transport {
	if processDays <= 0 {
		processDays = 7
	}
	return &POP3Transport{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		useTLS:      useTLS,
		processDays: processDays,
		logger:      logger,
	}
}

func (t *POP3Transport) FetchSince(ctx context.Context, mark string) ([]Message, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mark, err
	}

	addr := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))

	client := pop3client.New(pop3client.Opt{
		Host:       t.host,
		Port:       t.port,
		TLSEnabled: t.useTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, mark, fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	defer conn.Quit()

	if err := conn.Auth(t.username, t.password); err != nil {
		return nil, mark, fmt.Errorf("pop3 auth %s: %w", t.username, err)
	}

	listing, err := conn.List(0)
	if err != nil {
		return nil, mark, fmt.Errorf("pop3 list: %w", err)
	}

	cutoff := cutoffDate(t.processDays)
	var messages []Message

	for _, item := range listing {
		rawBuf, err := conn.RetrRaw(item.ID)
		if err != nil {
			t.logger.Warn("pop3 retrieve failed", "seq", item.ID, "error", err)
			continue
		}
		raw := rawBuf.Bytes()

		msg, err := ParseMessage(raw)
		if err != nil {
			t.logger.Warn("unparseable message, skipping", "seq", item.ID, "error", err)
			continue
		}

		if msg.ID == "" {
			if item.UID != "" {
				msg.ID = fmt.Sprintf("pop3-uid-%s-%s", item.UID, t.username)
			} else {
				msg.ID = fmt.Sprintf("pop3-%d-%s", item.ID, t.username)
			}
		}

		if !msg.Date.IsZero() && msg.Date.Before(cutoff) {
			continue
		}

		messages = append(messages, msg)
	}

	t.logger.Debug("pop3 fetch completed", "listed", len(listing), "in_window", len(messages))
	return messages, "", nil
}

func (t *POP3Transport) OpenWatch(ctx context.Context) (WatchSession, error) {
	return nil, ErrPushUnsupported
}

func (t *POP3Transport) Close() error {
	return nil
}
