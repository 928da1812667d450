// Package sendsvc is the send worker: it walks an id range of the roster, resolves and screens
// every recipient, submits over SMTP and records one attempt per company.
package sendsvc

import (
	"context"
	"errors"
	"time"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

var (
	ErrConfig      = errors.New("send worker config error")
	ErrInterrupted = errors.New("send run interrupted")

	// ErrAborted means the SMTP session could not be re-established within the retry budget.
	ErrAborted = errors.New("send run aborted")
)

type Service interface {
	Run(ctx context.Context, in InputRun) (out OutRun, err error)
}

type InputRun struct {
	Campaign string `validate:"required"`
	Start    int    `validate:"required,min=1"`
	End      int    `validate:"required,gtefield=Start"`
}

// OutRun is the run summary. It is filled as far as the run got, also when Run returns an error.
type OutRun struct {
	Campaign    string                   `json:"campaign"`
	Start       int                      `json:"start_id"`
	End         int                      `json:"end_id"`
	LastID      int                      `json:"last_id"`
	Processed   int                      `json:"processed"`
	Success     int                      `json:"success"`
	Failed      int                      `json:"failed"`
	Skipped     int                      `json:"skipped"`
	Unchanged   int                      `json:"unchanged"`
	Missing     int                      `json:"missing"`
	SkipReasons map[model.SkipReason]int `json:"skip_reasons,omitempty"`
	Bounced     int                      `json:"roster_bounced"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
}

func (o *OutRun) count(a model.Attempt) {
	o.Processed++
	switch out := a.Outcome.(type) {
	case model.Success:
		o.Success++
	case model.Failed:
		o.Failed++
	case model.Skipped:
		o.Skipped++
		if o.SkipReasons == nil {
			o.SkipReasons = map[model.SkipReason]int{}
		}

		o.SkipReasons[out.Reason]++
	}
}
