package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPTransport fetches messages over IMAP/IMAPS and supports push
// notifications via IDLE.
type IMAPTransport struct {
	host        string
	port        int
	username    string
	password    string
	useTLS      bool
	folder      string
	processDays int
	idleRestart time.Duration
	logger      *slog.Logger
}

// NewIMAP creates a new IMAP transport.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder string, processDays int, idleRestart time.Duration, logger *slog.Logger) *IMAPTransport {
	if folder == "" {
		folder = "INBOX"
	}
	if processDays <= 0 {
		processDays = 7
	}
	if idleRestart <= 0 {
		idleRestart = 25 * time.Minute
	}
	return &IMAPTransport{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		useTLS:      useTLS,
		folder:      folder,
		processDays: processDays,
		idleRestart: idleRestart,
		logger:      logger,
	}
}

func (t *IMAPTransport) dial(handler *imapclient.UnilateralDataHandler) (*imapclient.Client, *imap.SelectData, error) {
	addr := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))

	opts := &imapclient.Options{
		UnilateralDataHandler: handler,
	}

	var client *imapclient.Client
	var err error
	if t.useTLS {
		opts.TLSConfig = &tls.Config{ServerName: t.host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := client.Login(t.username, t.password).Wait(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("imap login %s: %w", t.username, err)
	}

	selectData, err := client.Select(t.folder, nil).Wait()
	if err != nil {
		client.Logout().Wait()
		client.Close()
		return nil, nil, fmt.Errorf("imap select %s: %w", t.folder, err)
	}
	return client, selectData, nil
}

// FetchSince fetches messages with UIDs above the mark. Marks encode
// "uidvalidity:lastuid"; a UIDVALIDITY change on the server invalidates
// stored UIDs, so the fetch reseeds from the lookback window.
func (t *IMAPTransport) FetchSince(ctx context.Context, mark string) ([]Message, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mark, err
	}

	client, selectData, err := t.dial(nil)
	if err != nil {
		return nil, mark, err
	}
	defer client.Close()
	defer client.Logout()

	validity, lastUID, ok := parseIMAPMark(mark)
	if ok && validity != selectData.UIDValidity {
		t.logger.Warn("uidvalidity changed, reseeding",
			"stored", validity, "server", selectData.UIDValidity)
		ok = false
	}

	var uids []imap.UID
	if !ok {
		// Seed fetch: search by date window, like a first run.
		searchData, err := client.UIDSearch(&imap.SearchCriteria{
			Since: cutoffDate(t.processDays),
		}, nil).Wait()
		if err != nil {
			return nil, mark, fmt.Errorf("imap search: %w", err)
		}
		uids = searchData.AllUIDs()
		lastUID = 0
	} else {
		if selectData.UIDNext <= lastUID+1 {
			return nil, mark, nil
		}
	}

	var numSet imap.NumSet
	if !ok {
		if len(uids) == 0 {
			newMark := formatIMAPMark(selectData.UIDValidity, imap.UID(0))
			if selectData.UIDNext > 1 {
				newMark = formatIMAPMark(selectData.UIDValidity, selectData.UIDNext-1)
			}
			return nil, newMark, nil
		}
		numSet = imap.UIDSetNum(uids...)
	} else {
		numSet = imap.UIDSet{imap.UIDRange{Start: lastUID + 1, Stop: 0}}
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(numSet, &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, mark, fmt.Errorf("imap fetch: %w", err)
	}

	maxUID := lastUID
	var messages []Message
	for _, buf := range buffers {
		// A range fetch of n:* always matches the last message, so an
		// already-seen UID can come back.
		if buf.UID <= lastUID {
			continue
		}
		if buf.UID > maxUID {
			maxUID = buf.UID
		}

		raw := buf.FindBodySection(bodySection)
		if len(raw) == 0 {
			t.logger.Warn("empty body, skipping", "uid", uint32(buf.UID))
			continue
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			t.logger.Warn("unparseable message, skipping", "uid", uint32(buf.UID), "error", err)
			continue
		}

		if buf.Envelope != nil {
			if buf.Envelope.MessageID != "" {
				msg.ID = buf.Envelope.MessageID
			}
			if msg.Subject == "" {
				msg.Subject = buf.Envelope.Subject
			}
			if msg.From == "" && len(buf.Envelope.From) > 0 {
				msg.From = buf.Envelope.From[0].Addr()
			}
			if msg.Date.IsZero() {
				msg.Date = buf.Envelope.Date
			}
		}
		if msg.ID == "" {
			msg.ID = fmt.Sprintf("imap-uid-%d-%s", buf.UID, t.username)
		}

		messages = append(messages, msg)
	}

	newMark := formatIMAPMark(selectData.UIDValidity, maxUID)
	t.logger.Debug("imap fetch completed", "new", len(messages), "mark", newMark)
	return messages, newMark, nil
}

// OpenWatch establishes an IDLE subscription on the configured folder.
func (t *IMAPTransport) OpenWatch(ctx context.Context) (WatchSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	notify := make(chan struct{}, 1)
	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			select {
			case notify <- struct{}{}:
			default:
			}
		},
	}

	client, _, err := t.dial(handler)
	if err != nil {
		return nil, err
	}

	return &imapWatchSession{
		client:      client,
		notify:      notify,
		idleRestart: t.idleRestart,
		logger:      t.logger,
	}, nil
}

func (t *IMAPTransport) Close() error {
	return nil
}

type imapWatchSession struct {
	client      *imapclient.Client
	notify      chan struct{}
	idleRestart time.Duration
	logger      *slog.Logger
}

// Next blocks inside IDLE until the server reports new mail. The IDLE
// command is cleanly restarted before the server-imposed session limit;
// that restart is expected and never surfaces as an error.
func (s *imapWatchSession) Next(ctx context.Context) error {
	for {
		// A notification may have arrived while the caller was busy
		// between Next calls.
		select {
		case <-s.notify:
			return nil
		default:
		}

		idleCmd, err := s.client.Idle()
		if err != nil {
			return fmt.Errorf("imap idle: %w", err)
		}

		restart := time.NewTimer(s.idleRestart)
		select {
		case <-ctx.Done():
			restart.Stop()
			idleCmd.Close()
			idleCmd.Wait()
			return ctx.Err()
		case <-s.notify:
			restart.Stop()
			if err := idleCmd.Close(); err != nil {
				return fmt.Errorf("imap idle stop: %w", err)
			}
			if err := idleCmd.Wait(); err != nil {
				return fmt.Errorf("imap idle end: %w", err)
			}
			return nil
		case <-restart.C:
			s.logger.Debug("restarting idle session")
			if err := idleCmd.Close(); err != nil {
				return fmt.Errorf("imap idle stop: %w", err)
			}
			if err := idleCmd.Wait(); err != nil {
				return fmt.Errorf("imap idle end: %w", err)
			}
		}
	}
}

// Close logs out so the server releases its subscription slot, rather
// than just dropping the connection.
func (s *imapWatchSession) Close() error {
	err := s.client.Logout().Wait()
	if closeErr := s.client.Close(); err == nil {
		err = closeErr
	}
	return err
}

func parseIMAPMark(mark string) (validity uint32, lastUID imap.UID, ok bool) {
	validityStr, uidStr, found := strings.Cut(mark, ":")
	if !found {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(validityStr, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	u, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(v), imap.UID(u), true
}

func formatIMAPMark(validity uint32, lastUID imap.UID) string {
	return fmt.Sprintf("%d:%d", validity, uint32(lastUID))
}
