package ingestsvc

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const maxPartSize = 1 << 20

// readablePart is true for the parts of a delivery report a human or a regexp can read.
func readablePart(contentType string) bool {
	switch contentType {
	case "message/delivery-status", "message/global-delivery-status",
		"message/rfc822", "message/rfc822-headers", "message/global-headers":
		return true
	}

	return strings.HasPrefix(contentType, "text/")
}

// bounceText flattens a bounce notification into its readable text and returns the Date header.
// A missing or broken Date yields the zero time.
func bounceText(raw []byte) (text string, date time.Time, err error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	date, _ = (&mail.Header{Header: entity.Header}).Date()

	var sb strings.Builder
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}

		contentType := "text/plain"
		if part.Header.Get("Content-Type") != "" {
			contentType, _, _ = part.Header.ContentType()
		}

		if strings.HasPrefix(contentType, "multipart/") || !readablePart(contentType) {
			return nil
		}

		b, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			return err
		}

		sb.Write(b)
		sb.WriteString("\n")
		return nil
	})

	if walkErr != nil && sb.Len() == 0 {
		return "", date, fmt.Errorf("%w: %v", ErrParse, walkErr)
	}

	text = strings.TrimSpace(sb.String())
	if text == "" {
		return "", date, fmt.Errorf("%w: no readable part", ErrParse)
	}

	return text, date, nil
}
