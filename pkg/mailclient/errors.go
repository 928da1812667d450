package mailclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"regexp"
	"strconv"

	"github.com/emersion/go-smtp"
)

// Stage is the SMTP step an error happened in.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageStartTLS Stage = "starttls"
	StageAuth     Stage = "auth"
	StageReset    Stage = "rset"
	StageMail     Stage = "mail"
	StageRcpt     Stage = "rcpt"
	StageData     Stage = "data"

	// StageBody covers writing the message and waiting for the final reply. A failure here
	// may leave the message accepted by the relay, so it is never retried.
	StageBody Stage = "body"
)

// TransportError is a connection, TLS, auth or timeout problem. It says nothing about the recipient.
type TransportError struct {
	Stage     Stage
	Attempts  int
	Timeout   bool
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("smtp %s: timeout: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("smtp %s: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RecipientError is a 4xx or 5xx reply to RCPT or DATA.
type RecipientError struct {
	Stage    Stage
	Code     int
	Enhanced string
	Message  string
}

func (e *RecipientError) Error() string {
	return e.Reply()
}

// Permanent is true for 5xx replies.
func (e *RecipientError) Permanent() bool {
	return e.Code >= 500
}

// Reply renders the server reply as received, i.e: "550 5.1.1 user unknown".
func (e *RecipientError) Reply() string {
	s := strconv.Itoa(e.Code)
	if e.Enhanced != "" {
		s += " " + e.Enhanced
	}

	if e.Message != "" {
		s += " " + e.Message
	}

	return s
}

var leadingCode = regexp.MustCompile(`^([45][0-9]{2})[ -](.*)$`)

// reply extracts the SMTP reply carried by err, if any.
func reply(err error) (code int, enhanced, msg string, ok bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.EnhancedCode[0] > 0 {
			ec := smtpErr.EnhancedCode
			enhanced = fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
		}

		return smtpErr.Code, enhanced, smtpErr.Message, true
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code, "", protoErr.Msg, true
	}

	inner := err
	for errors.Unwrap(inner) != nil {
		inner = errors.Unwrap(inner)
	}

	if m := leadingCode.FindStringSubmatch(inner.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
		return code, "", m[2], true
	}

	return 0, "", "", false
}

// wrapErr sorts err into a *RecipientError or a *TransportError.
func wrapErr(ctx context.Context, stage Stage, err error) error {
	if err == nil {
		return nil
	}

	if code, enhanced, msg, ok := reply(err); ok && code >= 400 {
		switch stage {
		case StageRcpt, StageData, StageBody:
			return &RecipientError{Stage: stage, Code: code, Enhanced: enhanced, Message: msg}
		}
	}

	te := &TransportError{
		Stage:     stage,
		Err:       err,
		Retryable: stage != StageBody,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		te.Err = fmt.Errorf("%w: %w", err, ctxErr)
		te.Retryable = false
		te.Timeout = errors.Is(ctxErr, context.DeadlineExceeded)
		return te
	}

	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		te.Timeout = true
	}

	return te
}
