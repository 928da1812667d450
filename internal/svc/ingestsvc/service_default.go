package ingestsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yusufsyaifudin/ylog"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/internal/metrics"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/feedrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/pendingrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/uidrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/unsubrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/suppression"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/imapbox"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

var (
	DefaultMailboxes = []string{"INBOX", "INBOX.bounce"}

	DefaultSubjects = []string{
		"Mail delivery failed",
		"Undelivered Mail",
		"Delivery Status Notification",
		"failure notice",
		"returned mail",
		"Mail Delivery Subsystem",
		"Undeliverable",
		"Message could not be delivered",
	}

	DefaultSenders = []string{
		"Mail Delivery Subsystem",
		"postmaster",
		"MAILER-DAEMON",
	}
)

type SvcConfig struct {
	Roster       rosterrepo.Repo  `validate:"required"`
	Attempts     attemptrepo.Repo `validate:"required"`
	Unsubscribes unsubrepo.Repo   `validate:"required"`
	Pending      pendingrepo.Repo `validate:"required"`
	IMAPState    uidrepo.Repo     `validate:"required"`
	Dialer       imapbox.Dialer   `validate:"-"`
	Feed         feedrepo.Repo    `validate:"-"`

	// Index receives new suppressions when the ingestor runs next to a live index.
	Index *suppression.Index `validate:"-"`

	Mailboxes    []string      `validate:"-"`
	Subjects     []string      `validate:"-"`
	Senders      []string      `validate:"-"`
	OwnAddresses []string      `validate:"-"`
	FetchTimeout time.Duration `validate:"min=0"`
	TickBudget   time.Duration `validate:"min=0"`

	Now func() time.Time `validate:"-"`
}

type Svc struct {
	cfg SvcConfig
}

var _ Service = (*Svc)(nil)

func New(cfg SvcConfig) (*Svc, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("ingest service config: %w", err)
	}

	if len(cfg.Mailboxes) == 0 {
		cfg.Mailboxes = DefaultMailboxes
	}

	if len(cfg.Subjects) == 0 {
		cfg.Subjects = DefaultSubjects
	}

	if len(cfg.Senders) == 0 {
		cfg.Senders = DefaultSenders
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}

	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 10 * time.Minute
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Svc{cfg: cfg}, nil
}

func (s *Svc) Tick(ctx context.Context) (out OutTick, err error) {
	ctx, span := tracer.StartSpan(ctx, "ingestsvc.Tick")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickBudget)
	defer cancel()

	var _err error
	out.Pending, _err = s.ApplyPending(ctx)
	err = multierr.Append(err, _err)

	if s.cfg.Dialer != nil {
		out.Bounces, _err = s.IngestBounces(ctx)
		err = multierr.Append(err, _err)
	}

	if s.cfg.Feed != nil {
		out.Unsubscribes, _err = s.IngestUnsubscribes(ctx)
		err = multierr.Append(err, _err)
	}

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
	}

	metrics.IngestTicks.WithLabelValues(result).Inc()
	span.SetAttributes(
		attribute.Int("bounces.permanent", out.Bounces.Permanent),
		attribute.Int("unsubscribes.new", out.Unsubscribes.New),
	)

	ylog.Info(ctx, "ingest: tick done",
		ylog.KV("pending", out.Pending),
		ylog.KV("bounces", out.Bounces),
		ylog.KV("unsubscribes", out.Unsubscribes),
		ylog.KV("error", errString(err)),
	)

	return
}

func (s *Svc) ApplyPending(ctx context.Context) (out OutPending, err error) {
	drained, err := s.cfg.Pending.Drain(ctx, s.applyOp)
	out = OutPending{Applied: drained.Applied, Kept: drained.Kept, Dropped: drained.Dropped}
	if err != nil {
		err = fmt.Errorf("drain pending queue: %w", err)
	}

	return
}

func (s *Svc) applyOp(ctx context.Context, op pendingrepo.Op) error {
	switch op.Kind {
	case pendingrepo.OpMarkBounced:
		_, err := s.cfg.Roster.MarkBounced(ctx, rosterrepo.InputMarkBounced{
			ID:     op.CompanyID,
			Kind:   op.Bounce,
			Reason: op.Reason,
			When:   op.When.Time(),
		})
		return err

	case pendingrepo.OpMarkUnsubscribed:
		_, err := s.cfg.Roster.MarkUnsubscribed(ctx, rosterrepo.InputMarkUnsubscribed{
			ID:     op.CompanyID,
			Reason: op.Reason,
			When:   op.When.Time(),
		})
		return err

	case pendingrepo.OpReclassify:
		_, err := s.cfg.Attempts.Reclassify(ctx, attemptrepo.InputReclassify{
			TrackingID: op.TrackingID,
			CompanyID:  op.CompanyID,
			Address:    op.Address,
			Bounce:     model.Bounced{Kind: op.Bounce, Reason: op.Reason},
		})
		if errors.Is(err, attemptrepo.ErrNotFound) {
			return nil
		}

		return err
	}

	return fmt.Errorf("unknown pending op %q", op.Kind)
}

// deferOp queues op when err says another process holds the lock. It reports whether the error
// was handled that way.
func (s *Svc) deferOp(ctx context.Context, err error, op pendingrepo.Op) (bool, error) {
	if !errors.Is(err, filelock.ErrLockHeld) {
		return false, err
	}

	op.QueuedAt = model.ISOTime(s.cfg.Now())
	if pushErr := s.cfg.Pending.Push(ctx, op); pushErr != nil {
		return false, multierr.Append(err, pushErr)
	}

	ylog.Info(ctx, "ingest: lock held, mutation deferred",
		ylog.KV("op", op.Kind),
		ylog.KV("company_id", op.CompanyID),
		ylog.KV("holder", err.Error()),
	)

	return true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
