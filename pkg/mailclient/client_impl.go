package mailclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type SmtpMailerConfig struct {
	EmailCredential *EmailCredential `validate:"required"`

	// CommandTimeout bounds every single SMTP command, including the dial.
	CommandTimeout time.Duration `validate:"-"`

	// Backoff lists the waits before each reconnect; its length is the retry budget.
	Backoff []time.Duration `validate:"-"`

	Dial DialFunc `validate:"-"`
}

// SmtpMailer keeps one SMTP session and reuses it across Send calls.
type SmtpMailer struct {
	Config *SmtpMailerConfig
	smtp   *smtp.Client
	conn   net.Conn
	lock   sync.Mutex
}

var _ Client = (*SmtpMailer)(nil)

// NewSmtp will return new smtp client without any real connection is made.
// It will connect on the first Send.
func NewSmtp(cfg *SmtpMailerConfig) (*SmtpMailer, error) {
	err := validator.Validate(cfg)
	if err != nil {
		err = fmt.Errorf("validation error: %w", err)
		return nil, err
	}

	if err = validator.Validate(cfg.EmailCredential); err != nil {
		err = fmt.Errorf("validation on email credential error: %w", err)
		return nil, err
	}

	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}

	if cfg.Dial == nil {
		dialer := &net.Dialer{}
		cfg.Dial = dialer.DialContext
	}

	return &SmtpMailer{Config: cfg}, nil
}

// Send submits env, re-establishing the session on transport errors with the configured backoff.
func (m *SmtpMailer) Send(ctx context.Context, env Envelope) error {
	if err := validator.Validate(env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	for attempt := 0; ; attempt++ {
		err := m.sendOnce(ctx, env)
		if err == nil {
			return nil
		}

		var tErr *TransportError
		if !errors.As(err, &tErr) {
			return err
		}

		m.closeSession()
		tErr.Attempts = attempt + 1

		if !tErr.Retryable || attempt >= len(m.Config.Backoff) {
			return tErr
		}

		wait := m.Config.Backoff[attempt]
		ylog.Info(ctx, "smtp: session failed, reconnecting",
			ylog.KV("stage", tErr.Stage),
			ylog.KV("attempt", attempt+1),
			ylog.KV("wait", wait.String()),
			ylog.KV("error", tErr.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			tErr.Retryable = false
			tErr.Err = fmt.Errorf("%w: %w", tErr.Err, ctx.Err())
			return tErr
		case <-timer.C:
		}
	}
}

// sendOnce runs one transaction on the current session, connecting first when needed.
func (m *SmtpMailer) sendOnce(ctx context.Context, env Envelope) (err error) {
	if err = ctx.Err(); err != nil {
		return &TransportError{Stage: StageConnect, Err: err}
	}

	if m.smtp != nil {
		// NOOP command to check if connection still ok
		m.deadline()
		if noopErr := m.smtp.Noop(); noopErr != nil {
			ylog.Debug(ctx, "smtp: idle session is gone, reconnecting", ylog.KV("error", noopErr.Error()))
			m.closeSession()
		}
	}

	if m.smtp == nil {
		if err = m.connect(ctx); err != nil {
			return err
		}
	}

	conn := m.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	// RSET command is for aborting already started mail transaction (tools.ietf.org/html/rfc5321#section-4.1.1.5).
	m.deadline()
	if err = m.smtp.Reset(); err != nil {
		return wrapErr(ctx, StageReset, err)
	}

	// New transaction is initiated using the MAIL command (tools.ietf.org/html/rfc5321#section-4.1.1.2).
	m.deadline()
	if err = m.smtp.Mail(env.From, nil); err != nil {
		return wrapErr(ctx, StageMail, err)
	}

	m.deadline()
	if err = m.smtp.Rcpt(env.To); err != nil {
		return wrapErr(ctx, StageRcpt, err)
	}

	m.deadline()
	var wc io.WriteCloser
	wc, err = m.smtp.Data()
	if err != nil {
		return wrapErr(ctx, StageData, err)
	}

	m.deadline()
	if _, err = io.Copy(wc, bytes.NewReader(env.Data)); err != nil {
		_ = wc.Close()
		return wrapErr(ctx, StageBody, err)
	}

	if err = wc.Close(); err != nil {
		return wrapErr(ctx, StageBody, err)
	}

	return nil
}

func (m *SmtpMailer) connect(ctx context.Context) error {
	cred := m.Config.EmailCredential
	addr := net.JoinHostPort(cred.ServerHost, strconv.Itoa(cred.ServerPort))

	dialCtx, cancel := context.WithTimeout(ctx, m.Config.CommandTimeout)
	defer cancel()

	conn, err := m.Config.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return wrapErr(ctx, StageConnect, fmt.Errorf("tcp dial error: %w", err))
	}

	tlsConfig := &tls.Config{
		ServerName:         cred.ServerHost,
		InsecureSkipVerify: cred.InsecureSkipVerify,
	}

	if cred.ImplicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(m.Config.CommandTimeout))
	c, err := smtp.NewClient(conn, cred.ServerHost)
	if err != nil {
		_ = conn.Close()
		return wrapErr(ctx, StageConnect, fmt.Errorf("error new smtp client: %w", err))
	}

	fail := func(stage Stage, err error) error {
		_ = c.Close()
		return wrapErr(ctx, stage, err)
	}

	if cred.HelloName != "" {
		if err = c.Hello(cred.HelloName); err != nil {
			return fail(StageConnect, fmt.Errorf("error hello: %w", err))
		}
	}

	if cred.StartTLS && !cred.ImplicitTLS {
		_ = conn.SetDeadline(time.Now().Add(m.Config.CommandTimeout))
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fail(StageStartTLS, errors.New("server does not advertise STARTTLS"))
		}

		if err = c.StartTLS(tlsConfig); err != nil {
			return fail(StageStartTLS, fmt.Errorf("error start tls: %w", err))
		}
	}

	if cred.Username != "" {
		_ = conn.SetDeadline(time.Now().Add(m.Config.CommandTimeout))
		_, params := c.Extension("AUTH")
		if err = c.Auth(authClient(params, cred)); err != nil {
			return fail(StageAuth, fmt.Errorf("error auth: %w", err))
		}
	}

	m.smtp, m.conn = c, conn
	ylog.Debug(ctx, "smtp: session established", ylog.KV("addr", addr))
	return nil
}

func (m *SmtpMailer) deadline() {
	if m.conn != nil {
		_ = m.conn.SetDeadline(time.Now().Add(m.Config.CommandTimeout))
	}
}

func (m *SmtpMailer) closeSession() {
	if m.smtp != nil {
		_ = m.smtp.Close()
	}

	m.smtp, m.conn = nil, nil
}

// Close .
// https://stackoverflow.com/questions/2468851/when-should-i-send-quit-to-smtp-server-and-how-long-should-i-keep-a-session
// https://stackoverflow.com/a/19670136/5489910
func (m *SmtpMailer) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.smtp == nil {
		return nil
	}

	defer func() {
		m.smtp, m.conn = nil, nil
	}()

	var err error
	m.deadline()
	_err := m.smtp.Quit()
	if _err == nil {
		return nil
	}

	err = multierr.Append(err, fmt.Errorf("quit command error: %w", _err))
	_err = m.smtp.Close()
	if _err != nil {
		err = multierr.Append(err, fmt.Errorf("close command error: %w", _err))

		return err
	}

	return nil
}
