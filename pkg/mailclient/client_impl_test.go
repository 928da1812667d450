package mailclient_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/pkg/mailclient"
)

func newMailer(t *testing.T, s *fakeServer, timeout time.Duration) *mailclient.SmtpMailer {
	t.Helper()

	host, port := s.addr()
	m, err := mailclient.NewSmtp(&mailclient.SmtpMailerConfig{
		EmailCredential: &mailclient.EmailCredential{ServerHost: host, ServerPort: port},
		CommandTimeout:  timeout,
		Backoff:         []time.Duration{time.Millisecond, 2 * time.Millisecond, 5 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func envelope(to string) mailclient.Envelope {
	return mailclient.Envelope{
		From: "recruit@sender.jp",
		To:   to,
		Data: []byte("Subject: hi\r\n\r\nhello " + to + "\r\n"),
	}
}

func TestSmtpMailer_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses one session", func(t *testing.T) {
		s := newFakeServer(t)
		m := newMailer(t, s, time.Second)

		for _, to := range []string{"a@x.jp", "b@y.jp", "c@z.jp"} {
			require.NoError(t, m.Send(ctx, envelope(to)))
		}

		conns, msgs := s.stats()
		assert.Equal(t, 1, conns)
		require.Len(t, msgs, 3)
		assert.Contains(t, msgs[1], "hello b@y.jp")
	})

	t.Run("permanent recipient rejection", func(t *testing.T) {
		s := newFakeServer(t)
		s.rcptReply["d@d.jp"] = "550 5.1.1 user unknown"
		m := newMailer(t, s, time.Second)

		err := m.Send(ctx, envelope("d@d.jp"))
		var rErr *mailclient.RecipientError
		require.True(t, errors.As(err, &rErr), "got %v", err)
		assert.True(t, rErr.Permanent())
		assert.Equal(t, mailclient.StageRcpt, rErr.Stage)
		assert.Equal(t, "550 5.1.1 user unknown", rErr.Reply())

		require.NoError(t, m.Send(ctx, envelope("a@x.jp")), "session survives a rejection")
		conns, _ := s.stats()
		assert.Equal(t, 1, conns)
	})

	t.Run("temporary recipient rejection", func(t *testing.T) {
		s := newFakeServer(t)
		s.rcptReply["e@e.jp"] = "451 4.7.1 greylisted"
		m := newMailer(t, s, time.Second)

		err := m.Send(ctx, envelope("e@e.jp"))
		var rErr *mailclient.RecipientError
		require.True(t, errors.As(err, &rErr), "got %v", err)
		assert.False(t, rErr.Permanent())
	})

	t.Run("reconnects after a dropped session", func(t *testing.T) {
		s := newFakeServer(t)
		s.dropOnRcpt = 2
		m := newMailer(t, s, time.Second)

		require.NoError(t, m.Send(ctx, envelope("a@x.jp")))
		conns, msgs := s.stats()
		assert.Equal(t, 3, conns)
		assert.Len(t, msgs, 1)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		s := newFakeServer(t)
		s.dropOnRcpt = 100
		m := newMailer(t, s, time.Second)

		err := m.Send(ctx, envelope("a@x.jp"))
		var tErr *mailclient.TransportError
		require.True(t, errors.As(err, &tErr), "got %v", err)
		assert.Equal(t, 4, tErr.Attempts)
		assert.Equal(t, mailclient.StageRcpt, tErr.Stage)
	})

	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		m, err := mailclient.NewSmtp(&mailclient.SmtpMailerConfig{
			EmailCredential: &mailclient.EmailCredential{ServerHost: "127.0.0.1", ServerPort: port},
			Backoff:         []time.Duration{time.Millisecond},
		})
		require.NoError(t, err)

		err = m.Send(ctx, envelope("a@x.jp"))
		var tErr *mailclient.TransportError
		require.True(t, errors.As(err, &tErr), "got %v", err)
		assert.Equal(t, mailclient.StageConnect, tErr.Stage)
		assert.Equal(t, 2, tErr.Attempts)
	})

	t.Run("no retry once the message body was sent", func(t *testing.T) {
		s := newFakeServer(t)
		s.hangOnData = true
		m := newMailer(t, s, 200*time.Millisecond)

		err := m.Send(ctx, envelope("a@x.jp"))
		var tErr *mailclient.TransportError
		require.True(t, errors.As(err, &tErr), "got %v", err)
		assert.True(t, tErr.Timeout)
		assert.False(t, tErr.Retryable)
		assert.Equal(t, 1, tErr.Attempts)

		_, msgs := s.stats()
		assert.Len(t, msgs, 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := newFakeServer(t)
		m := newMailer(t, s, time.Second)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := m.Send(cctx, envelope("a@x.jp"))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid envelope", func(t *testing.T) {
		s := newFakeServer(t)
		m := newMailer(t, s, time.Second)
		assert.Error(t, m.Send(ctx, mailclient.Envelope{To: "a@x.jp"}))
	})
}

func TestSmtpMailer_Close(t *testing.T) {
	s := newFakeServer(t)
	m := newMailer(t, s, time.Second)

	require.NoError(t, m.Close(), "closing an unused mailer is a no-op")
	require.NoError(t, m.Send(context.Background(), envelope("a@x.jp")))
	require.NoError(t, m.Close())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "QUIT", s.commands[len(s.commands)-1])
	assert.False(t, strings.HasPrefix(s.commands[0], "AUTH"))
}
