package sendsvc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yusufsyaifudin/ylog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yusufsyaifudin/saiyoumail/internal/classify"
	"github.com/yusufsyaifudin/saiyoumail/internal/metrics"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/renderer"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/historyrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/domainutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/mailclient"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
)

// process handles one company id. Per-recipient problems become attempt rows; the returned
// error stops the run.
func (s *Svc) process(ctx context.Context, r *run, id int) error {
	c, ok := r.snapshot.Lookup(id)
	if !ok {
		r.out.Missing++
		ylog.Debug(ctx, "send: id not in roster", ylog.KV("company_id", id))
		return nil
	}

	addr := resolveAddress(c, r.extracted)

	// already submitted in this campaign: one row per (campaign, id) is enough
	if r.attempted[id] {
		r.out.Unchanged++
		ylog.Debug(ctx, "send: already attempted in campaign", ylog.KV("company_id", id))
		return nil
	}

	if addr == "" {
		return s.record(ctx, r, c, "", "", "", model.Skipped{Reason: model.SkipNoAddress})
	}

	if skip, reason := r.index.ShouldSkip(c, addr); skip {
		return s.record(ctx, r, c, addr, "", "", model.Skipped{Reason: reason})
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter before company %d: %w: %w", id, ErrInterrupted, err)
	}

	return s.submit(ctx, r, c, addr)
}

func (s *Svc) submit(ctx context.Context, r *run, c model.Company, addr string) (err error) {
	ctx, span := tracer.StartSpan(ctx, "sendsvc.submit")
	span.SetAttributes(attribute.Int("company_id", c.ID))
	defer span.End()

	now := s.cfg.Now()
	trackingID := model.NewTrackingID(c.ID, addr, now)

	rendered, err := s.cfg.Renderer.Render(ctx, c, renderer.Vars{
		Campaign:       r.campaign,
		Address:        addr,
		TrackingID:     trackingID,
		UnsubscribeURL: s.unsubscribeURL(trackingID, addr),
	})
	if err != nil {
		ylog.Error(ctx, "send: render failed", ylog.KV("company_id", c.ID), ylog.KV("error", err))
		return s.record(ctx, r, c, addr, trackingID, "", model.Failed{Kind: model.FailurePermanent, Detail: "render: " + err.Error()})
	}

	data, err := s.compose(rendered, addr, trackingID, now)
	if err != nil {
		ylog.Error(ctx, "send: compose failed", ylog.KV("company_id", c.ID), ylog.KV("error", err))
		return s.record(ctx, r, c, addr, trackingID, rendered.Subject, model.Failed{Kind: model.FailurePermanent, Detail: "compose: " + err.Error()})
	}

	// the history row is durable before the relay ever sees the message
	err = s.cfg.History.Append(ctx, historyrepo.Record{
		CompanyID:    c.ID,
		CompanyName:  c.Name,
		EmailAddress: addr,
		SendTime:     model.ISOTime(now),
		PID:          s.cfg.PID,
		TrackingID:   trackingID,
		Campaign:     r.campaign,
	})
	if err != nil {
		return fmt.Errorf("append send history for company %d: %w", c.ID, err)
	}

	r.index.MarkSent(c.ID)

	t0 := time.Now()
	sendErr := s.cfg.Mailer.Send(ctx, mailclient.Envelope{
		From: s.cfg.Sender.FromAddress,
		To:   addr,
		Data: data,
	})
	metrics.SubmitDuration.Observe(time.Since(t0).Seconds())

	outcome, abort := s.classify(ctx, r, c, addr, now, sendErr)
	if err = s.record(ctx, r, c, addr, trackingID, rendered.Subject, outcome); err != nil {
		return err
	}

	return abort
}

// classify maps the submission result to an outcome. abort is set when the run must stop
// after the row is written.
func (s *Svc) classify(ctx context.Context, r *run, c model.Company, addr string, when time.Time, sendErr error) (outcome model.Outcome, abort error) {
	if sendErr == nil {
		return model.Success{}, nil
	}

	var rErr *mailclient.RecipientError
	if errors.As(sendErr, &rErr) {
		reply := rErr.Reply()
		if !rErr.Permanent() {
			metrics.Bounces.WithLabelValues(string(model.BounceTemporary), "smtp").Inc()
			ylog.Info(ctx, "send: temporary rejection", ylog.KV("company_id", c.ID), ylog.KV("reply", reply))
			return model.Failed{Kind: model.FailureTemporary, Detail: reply}, nil
		}

		res := classify.SMTPReply(rErr.Code, strings.TrimSpace(rErr.Enhanced+" "+rErr.Message))
		ylog.Info(ctx, "send: permanent rejection",
			ylog.KV("company_id", c.ID),
			ylog.KV("stage", rErr.Stage),
			ylog.KV("reply", reply),
			ylog.KV("class", res.Kind),
		)

		if rErr.Stage == mailclient.StageRcpt && res.Kind == model.BouncePermanent {
			s.markBounced(ctx, r, c, addr, reply, when)
		}

		return model.Failed{Kind: model.FailurePermanent, Detail: reply}, nil
	}

	var tErr *mailclient.TransportError
	if errors.As(sendErr, &tErr) {
		ylog.Error(ctx, "send: transport error",
			ylog.KV("company_id", c.ID),
			ylog.KV("stage", tErr.Stage),
			ylog.KV("attempts", tErr.Attempts),
			ylog.KV("error", tErr.Error()),
		)

		outcome = model.Failed{Kind: model.FailureTransport, Detail: tErr.Error()}
		if tErr.Timeout {
			outcome = model.Failed{Kind: model.FailureTimeout}
		}

		switch {
		case ctx.Err() != nil:
			abort = fmt.Errorf("submitting company %d: %w: %w", c.ID, ErrInterrupted, ctx.Err())
		case tErr.Retryable:
			// Send only gives a retryable error back once the reconnect budget is spent
			abort = fmt.Errorf("submitting company %d: %w: %w", c.ID, ErrAborted, tErr)
		}

		return outcome, abort
	}

	ylog.Error(ctx, "send: submission failed", ylog.KV("company_id", c.ID), ylog.KV("error", sendErr))
	if ctx.Err() != nil {
		abort = fmt.Errorf("submitting company %d: %w: %w", c.ID, ErrInterrupted, ctx.Err())
	}

	return model.Failed{Kind: model.FailureTransport, Detail: sendErr.Error()}, abort
}

func (s *Svc) markBounced(ctx context.Context, r *run, c model.Company, addr, reason string, when time.Time) {
	metrics.Bounces.WithLabelValues(string(model.BouncePermanent), "smtp").Inc()
	r.index.AddBounced(c.ID, addr)

	out, err := s.cfg.Roster.MarkBounced(ctx, rosterrepo.InputMarkBounced{
		ID:     c.ID,
		Kind:   model.BouncePermanent,
		Reason: reason,
		When:   when,
	})
	if err != nil {
		ylog.Error(ctx, "send: mark roster bounced failed", ylog.KV("company_id", c.ID), ylog.KV("error", err))
		return
	}

	if out.Changed {
		r.out.Bounced++
	}
}

func (s *Svc) record(ctx context.Context, r *run, c model.Company, addr, trackingID, subject string, outcome model.Outcome) error {
	a := model.Attempt{
		CompanyID:   c.ID,
		CompanyName: c.Name,
		Address:     addr,
		JobTitle:    c.JobTitle,
		SentAt:      s.cfg.Now(),
		Outcome:     outcome,
		TrackingID:  trackingID,
		Subject:     subject,
		Campaign:    r.campaign,
	}

	if err := s.cfg.Attempts.Append(ctx, a); err != nil {
		return fmt.Errorf("append attempt for company %d: %w", c.ID, err)
	}

	if countsAsAttempt(outcome) {
		r.attempted[c.ID] = true
	}

	r.out.count(a)
	metrics.Attempts.WithLabelValues(string(outcome.Status())).Inc()
	if sk, ok := outcome.(model.Skipped); ok {
		metrics.SkipReasons.WithLabelValues(string(sk.Reason)).Inc()
	}

	ylog.Info(ctx, "send: attempt recorded",
		ylog.KV("company_id", c.ID),
		ylog.KV("address", addr),
		ylog.KV("status", outcome.Status()),
		ylog.KV("message", outcome.Message()),
	)

	return nil
}

func (s *Svc) compose(rendered renderer.Rendered, addr, trackingID string, now time.Time) ([]byte, error) {
	seq, err := s.cfg.IDGenerator.NextID()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	return mailclient.ComposeMessage(mailclient.Message{
		FromName:        s.cfg.Sender.FromName,
		FromAddress:     s.cfg.Sender.FromAddress,
		To:              addr,
		ReplyTo:         s.cfg.Sender.ReplyTo,
		Subject:         rendered.Subject,
		Text:            rendered.Text,
		HTML:            rendered.HTML,
		MessageID:       strconv.FormatUint(seq, 36) + "." + trackingID + "@" + s.cfg.Sender.MessageIDDomain,
		ListUnsubscribe: s.unsubscribeURL(trackingID, addr),
		Date:            now,
	})
}

func (s *Svc) unsubscribeURL(trackingID, addr string) string {
	tpl := s.cfg.Sender.UnsubscribeURL
	if tpl == "" {
		return ""
	}

	return strings.NewReplacer(
		"{{tracking_id}}", url.QueryEscape(trackingID),
		"{{email}}", url.QueryEscape(addr),
	).Replace(tpl)
}

// resolveAddress picks the recipient: the roster address, then the extraction results, then
// info@ at the registered domain of the website.
func resolveAddress(c model.Company, extracted map[int]string) string {
	if addr := c.ConfiguredAddress(); addr != "" {
		return domainutil.NormalizeAddress(addr)
	}

	if addr := extracted[c.ID]; !model.IsPlaceholderAddress(addr) {
		return domainutil.NormalizeAddress(addr)
	}

	if d := domainutil.RegisteredDomain(c.Website); d != "" && strings.Contains(d, ".") {
		return "info@" + d
	}

	return ""
}
