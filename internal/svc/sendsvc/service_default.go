package sendsvc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sony/sonyflake"
	"github.com/yusufsyaifudin/ylog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/renderer"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/extractrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/historyrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/unsubrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/suppression"
	"github.com/yusufsyaifudin/saiyoumail/pkg/mailclient"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

// Sender is the identity every message of a campaign is sent with.
type Sender struct {
	FromName    string
	FromAddress string `validate:"required,email"`
	ReplyTo     string `validate:"omitempty,email"`

	// MessageIDDomain defaults to the domain of FromAddress.
	MessageIDDomain string

	// UnsubscribeURL may contain {{tracking_id}} and {{email}}.
	UnsubscribeURL string
}

type SvcConfig struct {
	Roster       rosterrepo.Repo      `validate:"required"`
	Attempts     attemptrepo.Repo     `validate:"required"`
	History      historyrepo.Repo     `validate:"required"`
	Unsubscribes unsubrepo.Repo       `validate:"required"`
	Extraction   extractrepo.Repo     `validate:"-"`
	Mailer       mailclient.Client    `validate:"required"`
	Renderer     renderer.Renderer    `validate:"required"`
	Sender       Sender               `validate:"required"`
	Interval     time.Duration        `validate:"min=0"`
	Now          func() time.Time     `validate:"-"`
	PID          int                  `validate:"-"`
	IDGenerator  *sonyflake.Sonyflake `validate:"-"`
}

type Svc struct {
	cfg SvcConfig
}

var _ Service = (*Svc)(nil)

func New(cfg SvcConfig) (*Svc, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.PID <= 0 {
		cfg.PID = os.Getpid()
	}

	if cfg.Sender.MessageIDDomain == "" {
		_, cfg.Sender.MessageIDDomain, _ = strings.Cut(cfg.Sender.FromAddress, "@")
	}

	if cfg.IDGenerator == nil {
		pid := cfg.PID
		cfg.IDGenerator = sonyflake.NewSonyflake(sonyflake.Settings{
			MachineID: func() (uint16, error) { return uint16(pid), nil },
		})
	}

	if cfg.IDGenerator == nil {
		return nil, fmt.Errorf("%w: cannot create message id generator", ErrConfig)
	}

	return &Svc{cfg: cfg}, nil
}

// run is the state of one Run call.
type run struct {
	campaign  string
	snapshot  *rosterrepo.Snapshot
	index     *suppression.Index
	extracted map[int]string
	attempted map[int]bool
	limiter   *rate.Limiter
	out       *OutRun
}

func (s *Svc) Run(ctx context.Context, in InputRun) (out OutRun, err error) {
	out = OutRun{Campaign: in.Campaign, Start: in.Start, End: in.End, StartedAt: s.cfg.Now()}
	defer func() {
		out.FinishedAt = s.cfg.Now()
	}()

	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("%w: %w", ErrConfig, err)
		return
	}

	ctx, span := tracer.StartSpan(ctx, "sendsvc.Run")
	span.SetAttributes(
		attribute.String("campaign", in.Campaign),
		attribute.Int("start_id", in.Start),
		attribute.Int("end_id", in.End),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := s.lock(ctx)
	if err != nil {
		return
	}

	defer func() {
		if _err := release(); _err != nil {
			ylog.Error(ctx, "send: release lock failed", ylog.KV("error", _err))
			err = multierr.Append(err, _err)
		}
	}()

	r, err := s.prepare(ctx, in.Campaign)
	if err != nil {
		return
	}

	r.out = &out
	ylog.Info(ctx, "send: run started",
		ylog.KV("campaign", in.Campaign),
		ylog.KV("start_id", in.Start),
		ylog.KV("end_id", in.End),
		ylog.KV("interval", s.cfg.Interval.String()),
	)

	for id := in.Start; id <= in.End; id++ {
		if ctx.Err() != nil {
			err = fmt.Errorf("before company %d: %w: %w", id, ErrInterrupted, ctx.Err())
			return
		}

		if err = s.process(ctx, r, id); err != nil {
			return
		}

		out.LastID = id
	}

	ylog.Info(ctx, "send: run finished",
		ylog.KV("campaign", in.Campaign),
		ylog.KV("processed", out.Processed),
		ylog.KV("success", out.Success),
		ylog.KV("failed", out.Failed),
		ylog.KV("skipped", out.Skipped),
	)

	return
}

// lock takes the roster and attempt log locks for the whole run. The ingestor defers its
// mutations while they are held.
func (s *Svc) lock(ctx context.Context) (release func() error, err error) {
	rosterLock := s.cfg.Roster.Lock()
	if err = rosterLock.TryAcquire(); err != nil {
		ylog.Error(ctx, "send: roster is locked", ylog.KV("error", err))
		return nil, fmt.Errorf("acquire roster lock: %w", err)
	}

	attemptLock := s.cfg.Attempts.Lock()
	if err = attemptLock.TryAcquire(); err != nil {
		ylog.Error(ctx, "send: attempt log is locked", ylog.KV("error", err))
		return nil, multierr.Append(fmt.Errorf("acquire attempt log lock: %w", err), rosterLock.Release())
	}

	return func() error {
		return multierr.Combine(attemptLock.Release(), rosterLock.Release())
	}, nil
}

func (s *Svc) prepare(ctx context.Context, campaign string) (*run, error) {
	snapshot, err := s.cfg.Roster.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	attempts, err := s.cfg.Attempts.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read attempt log: %w", err)
	}

	if err = attemptrepo.CheckSingleSuccess(attempts); err != nil {
		return nil, err
	}

	sent, err := s.cfg.History.Sent(ctx, campaign)
	if err != nil {
		return nil, fmt.Errorf("read send history: %w", err)
	}

	sentIDs := make(map[int]bool, len(sent))
	for id := range sent {
		sentIDs[id] = true
	}

	attempted := map[int]bool{}
	for _, a := range attempts {
		if a.Campaign != campaign || !countsAsAttempt(a.Outcome) {
			continue
		}

		attempted[a.CompanyID] = true
		if a.IsSuccess() || a.Outcome.Status() == model.StatusBounced {
			sentIDs[a.CompanyID] = true
		}
	}

	unsubs, err := s.cfg.Unsubscribes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read unsubscribe log: %w", err)
	}

	addrs := make([]string, 0, len(unsubs))
	for _, e := range unsubs {
		addrs = append(addrs, e.Email)
	}

	extracted := map[int]string{}
	if s.cfg.Extraction != nil {
		extracted, err = s.cfg.Extraction.Addresses(ctx)
		if err != nil {
			return nil, fmt.Errorf("read extraction results: %w", err)
		}
	}

	limit := rate.Inf
	if s.cfg.Interval > 0 {
		limit = rate.Every(s.cfg.Interval)
	}

	ylog.Info(ctx, "send: state loaded",
		ylog.KV("companies", snapshot.Len()),
		ylog.KV("attempts", len(attempts)),
		ylog.KV("history_sent", len(sent)),
		ylog.KV("unsubscribes", len(unsubs)),
		ylog.KV("extracted", len(extracted)),
	)

	return &run{
		campaign: campaign,
		index: suppression.New(suppression.Input{
			Campaign:              campaign,
			Companies:             snapshot.Companies(),
			UnsubscribedAddresses: addrs,
			SentIDs:               sentIDs,
		}),
		extracted: extracted,
		attempted: attempted,
		limiter:   rate.NewLimiter(limit, 1),
		snapshot:  snapshot,
	}, nil
}

// countsAsAttempt is false for skip rows that a later run may replace with a real attempt.
func countsAsAttempt(o model.Outcome) bool {
	if o == nil {
		return false
	}

	sk, ok := o.(model.Skipped)
	return !ok || sk.Reason == model.SkipAlreadySent
}
