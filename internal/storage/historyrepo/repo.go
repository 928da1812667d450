package historyrepo

import (
	"context"
	"errors"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

// ErrCorrupted is returned when the history file cannot be appended to safely.
var ErrCorrupted = errors.New("history log state corruption")

// Repo owns the send-history log, the idempotency record of the send worker.
// A record is appended and fsynced before the SMTP call for that company.
type Repo interface {
	Append(ctx context.Context, rec Record) error
	ReadAll(ctx context.Context) ([]Record, error)
	// Sent returns the records of one campaign keyed by company id.
	Sent(ctx context.Context, campaign string) (map[int]Record, error)
	Rewrite(ctx context.Context, in InputRewrite) (out OutRewrite, err error)
}

type Record struct {
	CompanyID    int           `json:"company_id"`
	CompanyName  string        `json:"company_name"`
	EmailAddress string        `json:"email_address"`
	SendTime     model.ISOTime `json:"send_time"`
	PID          int           `json:"pid"`
	TrackingID   string        `json:"tracking_id"`
	Campaign     string        `json:"campaign,omitempty"`
}

type InputRewrite struct {
	Mapping map[int]int `validate:"required"`
}

type OutRewrite struct {
	Kept    int
	Dropped int
}
