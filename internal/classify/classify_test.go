package classify_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/yusufsyaifudin/saiyoumail/internal/classify"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

func TestSMTPReply(t *testing.T) {
	tests := []struct {
		name string
		code int
		msg  string
		want model.BounceState
	}{
		{"user unknown", 550, "5.1.1 user unknown", model.BouncePermanent},
		{"bare 553", 553, "sorry", model.BouncePermanent},
		{"mailbox unavailable text", 552, "Requested action not taken: mailbox unavailable", model.BouncePermanent},
		{"size limit", 552, "message size exceeds fixed limit", model.BounceUnknown},
		{"greylisted", 450, "4.7.1 greylisted, try again", model.BounceTemporary},
		{"ok", 250, "2.0.0 ok", model.BounceNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify.SMTPReply(tt.code, tt.msg)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.msg, got.Reason)
		})
	}
}

func TestBounce(t *testing.T) {
	t.Run("bad recipient syntax", func(t *testing.T) {
		body := "Delivery to the following recipient failed permanently:\n\n    info@www.example.co.jp:443\n"
		addrs := classify.ExtractAddresses(body, nil)
		assert.Equal(t, []string{"info@www.example.co.jp:443"}, addrs)

		got := classify.Bounce(body, addrs[0])
		assert.Equal(t, model.BouncePermanent, got.Kind)
		assert.Equal(t, "bad recipient syntax", got.Reason)
	})

	t.Run("permanent line", func(t *testing.T) {
		body := "Hello\nThis is the mail system.\n<info@example.jp>: host mx.example.jp said: 550 5.1.1 User unknown\n"
		got := classify.Bounce(body, "info@example.jp")
		assert.Equal(t, model.BouncePermanent, got.Kind)
		assert.Equal(t, "<info@example.jp>: host mx.example.jp said: 550 5.1.1 User unknown", got.Reason)
	})

	t.Run("mailbox full", func(t *testing.T) {
		got := classify.Bounce("The recipient's mailbox is full", "a@x.jp")
		assert.Equal(t, model.BounceTemporary, got.Kind)
	})

	t.Run("unknown", func(t *testing.T) {
		got := classify.Bounce("\n\nSomething odd happened\nmore", "a@x.jp")
		assert.Equal(t, model.BounceUnknown, got.Kind)
		assert.Equal(t, "Something odd happened", got.Reason)
	})
}

func TestBounce_ReplyCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want model.BounceState
	}{
		{
			name: "numbers in returned headers are ignored",
			body: "Your message could not be delivered.\n\n" +
				"Received: from mx.sender.jp (mx.sender.jp [203.0.113.450])\n" +
				"\tby mx.example.jp with ESMTP id 421AB; Tue, 01 Oct 2024 14:05:33 +0900\n" +
				"Message-ID: <553.1727759133@sender.jp>\n\n" +
				"Queue id 451 was flushed.\n",
			want: model.BounceUnknown,
		},
		{
			name: "dsn status field",
			body: "Reporting-MTA: dns; mx.example.jp\nFinal-Recipient: rfc822; a@x.jp\nAction: failed\nStatus: 5.1.1\n",
			want: model.BouncePermanent,
		},
		{
			name: "folded diagnostic code",
			body: "Action: delayed\nDiagnostic-Code: smtp;\n    421 4.4.2 connection dropped\n",
			want: model.BounceTemporary,
		},
		{
			name: "first paragraph",
			body: "Delivery failed with 554 from the remote host.\n\nMore details follow 421.\n",
			want: model.BouncePermanent,
		},
		{
			name: "line naming the address",
			body: "This is the mail system.\n\nSome notes.\n\n<a@x.jp>: host mx said 450 4.2.0 please retry\n",
			want: model.BounceTemporary,
		},
		{
			name: "later paragraph without the address",
			body: "This is the mail system.\n\nother@y.jp got 450 from its host\n",
			want: model.BounceUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify.Bounce(tt.body, "a@x.jp").Kind)
		})
	}
}

func TestExtractAddresses(t *testing.T) {
	own := []string{"recruit@sender.jp"}

	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "exim",
			body: "This message was created automatically by mail delivery software.\n\nThe following address(es) failed:\n\n  Info@Example.jp\n    host mx said: 550 user unknown",
			want: []string{"info@example.jp"},
		},
		{
			name: "angle failed",
			body: "<hr@y.jp>: delivery failed\nFrom: recruit@sender.jp",
			want: []string{"hr@y.jp"},
		},
		{
			name: "dsn final recipient",
			body: "Reporting-MTA: dns; mx.sender.jp\nFinal-Recipient: rfc822; a@x.jp\nAction: failed",
			want: []string{"a@x.jp"},
		},
		{
			name: "bare fallback skips own and daemon",
			body: "From: MAILER-DAEMON@mx.sender.jp\nTo: recruit@sender.jp\nCould not reach c@z.jp today",
			want: []string{"c@z.jp"},
		},
		{
			name: "nothing",
			body: "no addresses here",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify.ExtractAddresses(tt.body, own))
		})
	}
}

func TestDenylisted(t *testing.T) {
	bad := []string{"info@www.example.jp", "info@example.jp:25", "a@@b.jp", "no-at-sign", "a b@x.jp", "a@localhost", "a@x..jp"}
	for _, a := range bad {
		ok, reason := classify.Denylisted(a)
		assert.True(t, ok, a)
		assert.Equal(t, classify.ReasonBadSyntax, reason)
	}

	for _, a := range []string{"a@x.jp", "Info@Example.co.jp", ""} {
		ok, _ := classify.Denylisted(a)
		assert.False(t, ok, a)
	}
}

func TestBounce_Stable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.StringMatching(`[a-zA-Z0-9 <>@.:\n]{0,120}`).Draw(t, "body")
		addr := rapid.StringMatching(`[a-z]{1,5}@[a-z]{1,5}\.jp`).Draw(t, "addr")

		first := classify.Bounce(body, addr)
		second := classify.Bounce(strings.Clone(body), addr)
		if first != second {
			t.Fatalf("classification changed: %v vs %v", first, second)
		}

		if first.Kind == model.BounceNone {
			t.Fatalf("bounce body classified as none")
		}
	})
}
