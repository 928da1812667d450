// Package ingestsvc feeds delivery failures and unsubscribe requests back into the roster:
// bounce notifications are read out of IMAP mailboxes, unsubscribes out of the form export.
package ingestsvc

import (
	"context"
	"errors"
)

// ErrParse marks a bounce message nothing could be extracted from. It never stops a tick.
var ErrParse = errors.New("cannot parse bounce message")

type Service interface {
	// Tick applies the pending queue, then ingests bounces and unsubscribes.
	Tick(ctx context.Context) (out OutTick, err error)
	IngestBounces(ctx context.Context) (out OutBounces, err error)
	IngestUnsubscribes(ctx context.Context) (out OutUnsubscribes, err error)
	// ApplyPending replays roster and attempt log mutations deferred while a send worker held the locks.
	ApplyPending(ctx context.Context) (out OutPending, err error)
}

type OutBounces struct {
	Mailboxes int `json:"mailboxes"`
	Matched   int `json:"matched"`
	Fetched   int `json:"fetched"`
	Malformed int `json:"malformed"`
	Permanent int `json:"permanent"`
	Temporary int `json:"temporary"`
	Unknown   int `json:"unknown"`
	Unmatched int `json:"unmatched"`
	Marked    int `json:"marked"`
	Deferred  int `json:"deferred"`
	Abandoned int `json:"abandoned"`

	// TemporaryByCompany counts temporary bounces per company id.
	TemporaryByCompany map[int]int `json:"temporary_by_company,omitempty"`
}

type OutUnsubscribes struct {
	Read      int `json:"read"`
	New       int `json:"new"`
	Unmatched int `json:"unmatched"`
	Marked    int `json:"marked"`
	Deferred  int `json:"deferred"`
}

type OutPending struct {
	Applied int `json:"applied"`
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

type OutTick struct {
	Pending      OutPending      `json:"pending"`
	Bounces      OutBounces      `json:"bounces"`
	Unsubscribes OutUnsubscribes `json:"unsubscribes"`
}
