package model

import (
	"fmt"
	"strings"
)

// Status is the on-disk outcome string of an attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusBounced Status = "bounced"
)

// SkipReason is why the suppression index refused a recipient.
type SkipReason string

const (
	SkipBouncePermanent     SkipReason = "bounce_permanent"
	SkipUnsubscribed        SkipReason = "unsubscribed"
	SkipAddressUnsubscribed SkipReason = "address_unsubscribed"
	SkipDomainUnsubscribed  SkipReason = "domain_unsubscribed"
	SkipBadSyntax           SkipReason = "bad_recipient_syntax"
	SkipAlreadySent         SkipReason = "already_sent"
	SkipNoAddress           SkipReason = "no_address"
)

// FailureKind separates per-recipient SMTP rejections from session problems.
type FailureKind string

const (
	FailurePermanent FailureKind = "permanent"
	FailureTemporary FailureKind = "temporary"
	FailureTransport FailureKind = "transport"
	FailureTimeout   FailureKind = "timeout"
)

// Outcome is the result of one attempt. It is one of Success, Skipped, Failed or Bounced.
type Outcome interface {
	Status() Status
	// Message is the text stored in the error message column.
	Message() string
	outcome()
}

type Success struct{}

type Skipped struct {
	Reason SkipReason
}

type Failed struct {
	Kind   FailureKind
	Detail string
}

type Bounced struct {
	Kind   BounceState
	Reason string
}

var (
	_ Outcome = Success{}
	_ Outcome = Skipped{}
	_ Outcome = Failed{}
	_ Outcome = Bounced{}
)

func (Success) Status() Status  { return StatusSuccess }
func (Success) Message() string { return "" }
func (Success) outcome()        {}

func (s Skipped) Status() Status  { return StatusSkipped }
func (s Skipped) Message() string { return string(s.Reason) }
func (Skipped) outcome()          {}

func (f Failed) Status() Status { return StatusFailed }
func (f Failed) Message() string {
	if f.Kind == FailureTimeout && f.Detail == "" {
		return "timeout"
	}

	return f.Detail
}
func (Failed) outcome() {}

func (b Bounced) Status() Status { return StatusBounced }
func (b Bounced) Message() string {
	if b.Reason == "" {
		return fmt.Sprintf("bounce: %s", b.Kind)
	}

	return fmt.Sprintf("bounce: %s: %s", b.Kind, b.Reason)
}
func (Bounced) outcome() {}

// ParseOutcome rebuilds an Outcome from the status and error message columns.
func ParseOutcome(status, message string) (Outcome, error) {
	switch Status(strings.ToLower(strings.TrimSpace(status))) {
	case StatusSuccess:
		return Success{}, nil
	case StatusSkipped:
		return Skipped{Reason: SkipReason(message)}, nil
	case StatusFailed:
		kind := FailureTransport
		if message == "timeout" {
			kind = FailureTimeout
		}

		return Failed{Kind: kind, Detail: message}, nil
	case StatusBounced:
		b := Bounced{Kind: BounceUnknown}
		rest, ok := strings.CutPrefix(message, "bounce: ")
		if ok {
			kind, reason, _ := strings.Cut(rest, ": ")
			b.Kind = ParseBounceState(kind)
			b.Reason = reason
		} else {
			b.Reason = message
		}

		return b, nil
	}

	return nil, fmt.Errorf("unknown attempt status %q", status)
}
