// Package imapbox reads bounce notifications out of an IMAP mailbox.
package imapbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

const (
	TLSImplicit = "implicit"
	TLSStart    = "starttls"
	TLSNone     = "none"
)

var ErrNoMessage = errors.New("message not found")

type Config struct {
	Host               string `validate:"required"`
	Port               int    `validate:"required"`
	Username           string `validate:"required"`
	Password           string `validate:"required"`
	TLS                string `validate:"omitempty,oneof=implicit starttls none"`
	InsecureSkipVerify bool

	// CommandTimeout bounds each IMAP command, including fetching one message.
	CommandTimeout time.Duration
}

// Mailbox is one logged-in IMAP session.
type Mailbox interface {
	io.Closer

	// Select opens name read-only and returns its UIDVALIDITY.
	Select(ctx context.Context, name string) (uidValidity uint32, err error)

	// SearchBounces returns the UIDs whose Subject contains any of subjects or whose From
	// contains any of senders, in ascending order.
	SearchBounces(ctx context.Context, subjects, senders []string) ([]uint32, error)

	// Fetch returns the full RFC 822 message without setting \Seen.
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
}

// Dialer opens Mailbox sessions.
type Dialer interface {
	Dial(ctx context.Context) (Mailbox, error)
}

type ClientDialer struct {
	cfg Config
}

var _ Dialer = (*ClientDialer)(nil)

func NewDialer(cfg Config) (*ClientDialer, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("imap config: %w", err)
	}

	if cfg.TLS == "" {
		cfg.TLS = TLSImplicit
	}

	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}

	return &ClientDialer{cfg: cfg}, nil
}

func (d *ClientDialer) Dial(ctx context.Context) (Mailbox, error) {
	cfg := d.cfg
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureSkipVerify}
	dialer := &net.Dialer{Timeout: cfg.CommandTimeout}

	var c *client.Client
	var err error
	switch cfg.TLS {
	case TLSImplicit:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}

	if err != nil {
		return nil, fmt.Errorf("dial imap server %s: %w", addr, err)
	}

	c.Timeout = cfg.CommandTimeout
	box := &clientMailbox{c: c}

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if cfg.TLS == TLSStart {
		if err = c.StartTLS(tlsConfig); err != nil {
			_ = c.Terminate()
			return nil, fmt.Errorf("imap starttls: %w", err)
		}
	}

	if err = c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Terminate()
		return nil, fmt.Errorf("imap login: %w", err)
	}

	ylog.Debug(ctx, "imap: logged in", ylog.KV("addr", addr))
	return box, nil
}

type clientMailbox struct {
	c *client.Client
}

var _ Mailbox = (*clientMailbox)(nil)

func (m *clientMailbox) Select(ctx context.Context, name string) (uint32, error) {
	stop := context.AfterFunc(ctx, func() { _ = m.c.Terminate() })
	defer stop()

	status, err := m.c.Select(name, true)
	if err != nil {
		return 0, fmt.Errorf("imap select %s: %w", name, err)
	}

	return status.UidValidity, nil
}

func (m *clientMailbox) SearchBounces(ctx context.Context, subjects, senders []string) ([]uint32, error) {
	stop := context.AfterFunc(ctx, func() { _ = m.c.Terminate() })
	defer stop()

	seen := map[uint32]bool{}
	search := func(key, value string) error {
		criteria := imap.NewSearchCriteria()
		criteria.Header.Add(key, value)

		uids, err := m.c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("imap uid search %s %q: %w", key, value, err)
		}

		for _, uid := range uids {
			seen[uid] = true
		}

		return nil
	}

	// one search per phrase; the union is the OR of all criteria
	for _, s := range subjects {
		if err := search("Subject", s); err != nil {
			return nil, err
		}
	}

	for _, s := range senders {
		if err := search("From", s); err != nil {
			return nil, err
		}
	}

	out := make([]uint32, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *clientMailbox) Fetch(ctx context.Context, uid uint32) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = m.c.Terminate() })
	defer stop()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}

		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read message %d: %w", uid, err)
		}

		raw = b
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap uid fetch %d: %w", uid, err)
	}

	if raw == nil {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrNoMessage)
	}

	return raw, nil
}

func (m *clientMailbox) Close() error {
	if err := m.c.Logout(); err != nil {
		return m.c.Terminate()
	}

	return nil
}
