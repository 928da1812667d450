package ingestsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/internal/metrics"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/feedrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/pendingrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/unsubrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
)

func (s *Svc) IngestUnsubscribes(ctx context.Context) (out OutUnsubscribes, err error) {
	if s.cfg.Feed == nil {
		return
	}

	ctx, span := tracer.StartSpan(ctx, "ingestsvc.IngestUnsubscribes")
	defer span.End()

	entries, err := s.cfg.Feed.Read(ctx)
	if err != nil {
		return
	}

	out.Read = len(entries)

	processed, err := s.cfg.Unsubscribes.Processed(ctx)
	if err != nil {
		err = fmt.Errorf("read processed unsubscribes: %w", err)
		return
	}

	snapshot, err := s.cfg.Roster.Snapshot(ctx)
	if err != nil {
		err = fmt.Errorf("load roster: %w", err)
		return
	}

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = multierr.Append(err, ctxErr)
			return
		}

		key := unsubrepo.NewKey(entry.Timestamp, entry.Email)
		if key.Address == "" || processed.Has(key) {
			continue
		}

		out.New++
		if _err := s.applyUnsubscribe(ctx, entry, key, snapshot, &out); _err != nil {
			// left unprocessed so the next tick retries it
			err = multierr.Append(err, _err)
			continue
		}

		if _err := s.cfg.Unsubscribes.MarkProcessed(ctx, key); _err != nil {
			err = multierr.Append(err, _err)
			continue
		}

		processed.Add(key)
		metrics.Unsubscribes.Inc()
	}

	ylog.Info(ctx, "ingest: unsubscribe feed read", ylog.KV("result", out))
	return
}

// resolveCompanies finds the companies an unsubscribe address belongs to: the ones configured
// with the exact address, else every company whose website shares its domain.
func resolveCompanies(snapshot *rosterrepo.Snapshot, addr string) []model.Company {
	if companies := snapshot.LookupByAddress(addr); len(companies) > 0 {
		return companies
	}

	return snapshot.LookupByDomain(addr)
}

func (s *Svc) applyUnsubscribe(ctx context.Context, entry feedrepo.Entry, key unsubrepo.Key, snapshot *rosterrepo.Snapshot, out *OutUnsubscribes) (err error) {
	when := s.cfg.Now()
	if t, parseErr := time.Parse(time.RFC3339, key.Timestamp); parseErr == nil {
		when = t
	}

	companies := resolveCompanies(snapshot, key.Address)
	if len(companies) == 0 {
		out.Unmatched++
		if err = s.cfg.Unsubscribes.Add(ctx, unsubrepo.Entry{
			CompanyName: entry.CompanyName,
			Email:       key.Address,
			Reason:      entry.Reason,
			Timestamp:   model.ISOTime(when),
			Source:      entry.Source,
		}); err != nil {
			return fmt.Errorf("log unsubscribe %s: %w", key.Address, err)
		}

		if s.cfg.Index != nil {
			s.cfg.Index.AddUnsubscribedAddress(key.Address)
		}

		ylog.Info(ctx, "ingest: unsubscribe for an unknown address", ylog.KV("address", key.Address))
		return nil
	}

	for _, c := range companies {
		if err = s.cfg.Unsubscribes.Add(ctx, unsubrepo.Entry{
			CompanyID:   c.ID,
			CompanyName: c.Name,
			Email:       key.Address,
			Reason:      entry.Reason,
			Timestamp:   model.ISOTime(when),
			Source:      entry.Source,
		}); err != nil {
			return fmt.Errorf("log unsubscribe %s: %w", key.Address, err)
		}

		marked, markErr := s.cfg.Roster.MarkUnsubscribed(ctx, rosterrepo.InputMarkUnsubscribed{
			ID:     c.ID,
			Reason: entry.Reason,
			When:   when,
		})

		if markErr != nil {
			deferred, deferErr := s.deferOp(ctx, markErr, pendingrepo.Op{
				Kind:      pendingrepo.OpMarkUnsubscribed,
				CompanyID: c.ID,
				Address:   key.Address,
				Reason:    entry.Reason,
				When:      model.ISOTime(when),
			})
			if !deferred {
				return deferErr
			}

			out.Deferred++
		} else if marked.Changed {
			out.Marked++
		}

		if s.cfg.Index != nil {
			s.cfg.Index.AddUnsubscribedCompany(c)
			s.cfg.Index.AddUnsubscribedAddress(key.Address)
		}

		ylog.Info(ctx, "ingest: company unsubscribed",
			ylog.KV("company_id", c.ID),
			ylog.KV("address", key.Address),
		)
	}

	return nil
}
