package mailclient

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

// Message is a rendered message ready to be composed.
type Message struct {
	FromName    string `validate:"-"`
	FromAddress string `validate:"required,email"`
	To          string `validate:"required"`
	ReplyTo     string `validate:"omitempty,email"`
	Subject     string `validate:"required"`
	Text        string `validate:"required_without=HTML"`
	HTML        string `validate:"required_without=Text"`

	// MessageID is the full id without angle brackets, i.e: "abc@example.jp".
	MessageID string `validate:"required,contains=@"`

	// ListUnsubscribe is the one-click unsubscribe URL.
	ListUnsubscribe string `validate:"omitempty,url"`

	Date time.Time `validate:"required"`
}

// ComposeMessage renders msg as a multipart/alternative MIME message. The header set is fixed:
// no X-Mailer and no Authentication-Results are written.
func ComposeMessage(msg Message) ([]byte, error) {
	if err := validator.Validate(msg); err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}

	var h mail.Header
	h.SetDate(msg.Date)
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: msg.ReplyTo}})
	}

	h.SetSubject(msg.Subject)
	h.Set("Message-ID", "<"+strings.Trim(msg.MessageID, "<>")+">")

	if msg.ListUnsubscribe != "" {
		h.Set("List-Unsubscribe", "<"+msg.ListUnsubscribe+">")
		h.Set("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	if msg.Text != "" {
		if err = writePart(tw, "text/plain", msg.Text); err != nil {
			return nil, err
		}
	}

	if msg.HTML != "" {
		if err = writePart(tw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}

	if err = tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}

	if err = mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "base64")

	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}

	if _, err = io.WriteString(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}

	return w.Close()
}
