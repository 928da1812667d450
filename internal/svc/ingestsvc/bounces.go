package ingestsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yusufsyaifudin/ylog"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/internal/classify"
	"github.com/yusufsyaifudin/saiyoumail/internal/metrics"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/pendingrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/imapbox"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
)

// bounceRun is the state shared by the messages of one IngestBounces call.
type bounceRun struct {
	attempts []model.Attempt
	snapshot *rosterrepo.Snapshot
	out      *OutBounces
}

func (s *Svc) IngestBounces(ctx context.Context) (out OutBounces, err error) {
	if s.cfg.Dialer == nil {
		return
	}

	ctx, span := tracer.StartSpan(ctx, "ingestsvc.IngestBounces")
	defer func() {
		span.SetAttributes(
			attribute.Int("matched", out.Matched),
			attribute.Int("permanent", out.Permanent),
		)
		span.End()
	}()

	box, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		err = fmt.Errorf("imap: %w", err)
		return
	}

	defer func() {
		if _err := box.Close(); _err != nil {
			ylog.Debug(ctx, "ingest: imap logout failed", ylog.KV("error", _err.Error()))
		}
	}()

	run := &bounceRun{out: &out}
	if run.attempts, err = s.cfg.Attempts.ReadAll(ctx); err != nil {
		err = fmt.Errorf("read attempts: %w", err)
		return
	}

	if run.snapshot, err = s.cfg.Roster.Snapshot(ctx); err != nil {
		err = fmt.Errorf("load roster: %w", err)
		return
	}

	for _, name := range s.cfg.Mailboxes {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = multierr.Append(err, ctxErr)
			return
		}

		abandon, _err := s.ingestMailbox(ctx, box, name, run)
		err = multierr.Append(err, _err)
		if abandon {
			return
		}
	}

	return
}

// ingestMailbox handles every unprocessed bounce in one mailbox. abandon is true when the
// connection can no longer be trusted for the remaining mailboxes.
func (s *Svc) ingestMailbox(ctx context.Context, box imapbox.Mailbox, name string, run *bounceRun) (abandon bool, err error) {
	out := run.out

	validity, err := box.Select(ctx, name)
	if err != nil {
		// a missing folder is normal, INBOX.bounce only exists where a filter was configured
		ylog.Info(ctx, "ingest: mailbox skipped", ylog.KV("mailbox", name), ylog.KV("error", err.Error()))
		return false, nil
	}

	out.Mailboxes++

	processed, err := s.cfg.IMAPState.Processed(ctx, name, validity)
	if err != nil {
		return false, fmt.Errorf("imap state %s: %w", name, err)
	}

	uids, err := box.SearchBounces(ctx, s.cfg.Subjects, s.cfg.Senders)
	if err != nil {
		return true, fmt.Errorf("search %s: %w", name, err)
	}

	out.Matched += len(uids)

	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if !processed[uid] {
			pending = append(pending, uid)
		}
	}

	for i, uid := range pending {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		raw, fetchErr := box.Fetch(fetchCtx, uid)
		cancel()

		switch {
		case errors.Is(fetchErr, imapbox.ErrNoMessage):
			// expunged between search and fetch
			err = multierr.Append(err, s.cfg.IMAPState.MarkProcessed(ctx, name, validity, uid))
			continue

		case fetchErr != nil:
			out.Abandoned += len(pending) - i
			ylog.Error(ctx, "ingest: fetch failed, abandoning the rest of the tick",
				ylog.KV("mailbox", name),
				ylog.KV("uid", uid),
				ylog.KV("abandoned", len(pending)-i),
				ylog.KV("error", fetchErr.Error()),
			)

			return true, multierr.Append(err, fmt.Errorf("fetch %s/%d: %w", name, uid, fetchErr))
		}

		out.Fetched++
		if handleErr := s.handleBounce(ctx, raw, run); handleErr != nil {
			// left unprocessed so the next tick retries it
			err = multierr.Append(err, fmt.Errorf("bounce %s/%d: %w", name, uid, handleErr))
			continue
		}

		if markErr := s.cfg.IMAPState.MarkProcessed(ctx, name, validity, uid); markErr != nil {
			err = multierr.Append(err, markErr)
		}
	}

	return false, err
}

// handleBounce applies one notification. A message nothing can be read from counts as malformed
// and is not an error: retrying it would never succeed.
func (s *Svc) handleBounce(ctx context.Context, raw []byte, run *bounceRun) (err error) {
	out := run.out

	body, date, parseErr := bounceText(raw)
	if parseErr != nil {
		out.Malformed++
		ylog.Info(ctx, "ingest: malformed bounce", ylog.KV("error", parseErr.Error()))
		return nil
	}

	addrs := classify.ExtractAddresses(body, s.cfg.OwnAddresses)
	if len(addrs) == 0 {
		out.Malformed++
		ylog.Info(ctx, "ingest: bounce without a recipient address", ylog.KV("error", ErrParse.Error()))
		return nil
	}

	when := date
	if when.IsZero() {
		when = s.cfg.Now()
	}

	for _, addr := range addrs {
		res := classify.Bounce(body, addr)
		metrics.Bounces.WithLabelValues(string(res.Kind), "imap").Inc()

		switch res.Kind {
		case model.BouncePermanent:
			out.Permanent++
			err = multierr.Append(err, s.applyPermanent(ctx, addr, res, when, run))

		case model.BounceTemporary:
			out.Temporary++
			s.noteTemporary(ctx, addr, res, run)

		default:
			out.Unknown++
			ylog.Info(ctx, "ingest: unclassified bounce ignored", ylog.KV("address", addr), ylog.KV("reason", res.Reason))
		}
	}

	return err
}

// noteTemporary leaves the roster alone and only records which companies the soft failure
// belongs to, so a mailbox that keeps deferring shows up in the tick output and the logs.
func (s *Svc) noteTemporary(ctx context.Context, addr string, res classify.Result, run *bounceRun) {
	out := run.out

	ids, _, _ := companiesFor(run, addr)
	if len(ids) == 0 {
		ylog.Info(ctx, "ingest: temporary bounce for an unknown address",
			ylog.KV("address", addr),
			ylog.KV("reason", res.Reason),
		)
		return
	}

	if out.TemporaryByCompany == nil {
		out.TemporaryByCompany = make(map[int]int)
	}

	for _, id := range ids {
		out.TemporaryByCompany[id]++
		metrics.TemporaryBounces.Inc()
		ylog.Info(ctx, "ingest: temporary bounce",
			ylog.KV("company_id", id),
			ylog.KV("address", addr),
			ylog.KV("reason", res.Reason),
		)
	}
}

// companiesFor resolves the companies a bounce for addr belongs to: the company of the most
// recent attempt to addr, or every roster row configured with addr when nothing was sent to it.
func companiesFor(run *bounceRun, addr string) (ids []int, latest model.Attempt, hasAttempt bool) {
	latest, hasAttempt = attemptrepo.Latest(run.attempts, addr)
	if hasAttempt {
		return []int{latest.CompanyID}, latest, true
	}

	for _, c := range run.snapshot.LookupByAddress(addr) {
		ids = append(ids, c.ID)
	}

	return ids, latest, false
}

// applyPermanent marks the company behind addr as permanently bounced and turns its last
// success into a bounced row. The most recent attempt to addr decides the company; without
// one every roster row configured with addr is marked.
func (s *Svc) applyPermanent(ctx context.Context, addr string, res classify.Result, when time.Time, run *bounceRun) (err error) {
	out := run.out

	ids, latest, hasAttempt := companiesFor(run, addr)

	if s.cfg.Index != nil {
		s.cfg.Index.AddBounced(0, addr)
	}

	if len(ids) == 0 {
		out.Unmatched++
		ylog.Info(ctx, "ingest: permanent bounce for an unknown address", ylog.KV("address", addr))
		return nil
	}

	for _, id := range ids {
		marked, markErr := s.cfg.Roster.MarkBounced(ctx, rosterrepo.InputMarkBounced{
			ID:     id,
			Kind:   model.BouncePermanent,
			Reason: res.Reason,
			When:   when,
		})

		switch {
		case errors.Is(markErr, rosterrepo.ErrCompanyNotFound):
			out.Unmatched++
			ylog.Info(ctx, "ingest: bounced company is gone from the roster", ylog.KV("company_id", id), ylog.KV("address", addr))
			continue

		case markErr != nil:
			deferred, deferErr := s.deferOp(ctx, markErr, pendingrepo.Op{
				Kind:      pendingrepo.OpMarkBounced,
				CompanyID: id,
				Address:   addr,
				Bounce:    model.BouncePermanent,
				Reason:    res.Reason,
				When:      model.ISOTime(when),
			})
			if !deferred {
				err = multierr.Append(err, deferErr)
				continue
			}

			out.Deferred++

		case marked.Changed:
			out.Marked++
		}

		if s.cfg.Index != nil {
			s.cfg.Index.AddBounced(id, addr)
		}

		ylog.Info(ctx, "ingest: permanent bounce",
			ylog.KV("company_id", id),
			ylog.KV("address", addr),
			ylog.KV("reason", res.Reason),
		)
	}

	if !hasAttempt || !latest.IsSuccess() {
		return err
	}

	in := attemptrepo.InputReclassify{
		TrackingID: latest.TrackingID,
		CompanyID:  latest.CompanyID,
		Address:    latest.Address,
		Bounce:     model.Bounced{Kind: model.BouncePermanent, Reason: res.Reason},
	}

	_, reErr := s.cfg.Attempts.Reclassify(ctx, in)
	switch {
	case reErr == nil, errors.Is(reErr, attemptrepo.ErrNotFound):
		return err

	default:
		deferred, deferErr := s.deferOp(ctx, reErr, pendingrepo.Op{
			Kind:       pendingrepo.OpReclassify,
			CompanyID:  latest.CompanyID,
			Address:    latest.Address,
			TrackingID: latest.TrackingID,
			Bounce:     model.BouncePermanent,
			Reason:     res.Reason,
			When:       model.ISOTime(when),
		})
		if !deferred {
			err = multierr.Append(err, deferErr)
		}
	}

	return err
}
