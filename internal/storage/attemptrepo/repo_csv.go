package attemptrepo

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/domainutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

type CSVConfig struct {
	Path string `validate:"required"`
}

type CSV struct {
	path string
	lock *filelock.Lock
	mu   sync.Mutex
}

var _ Repo = (*CSV)(nil)

func NewCSV(cfg CSVConfig) (*CSV, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("attempt repo config: %w", err)
	}

	return &CSV{
		path: cfg.Path,
		lock: filelock.New(cfg.Path),
	}, nil
}

func (r *CSV) Lock() *filelock.Lock {
	return r.lock
}

// Append writes one row and fsyncs the file.
func (r *CSV) Append(ctx context.Context, a model.Attempt) error {
	if a.Outcome == nil {
		return fmt.Errorf("attempt for company %d has no outcome", a.CompanyID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := csvutil.AppendRow(r.path, Header, encode(a)); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}

	ylog.Debug(ctx, "attempt recorded",
		ylog.KV("company_id", a.CompanyID),
		ylog.KV("status", a.Outcome.Status()),
		ylog.KV("tracking_id", a.TrackingID),
	)
	return nil
}

// ReadAll returns every decodable row in file order. Bad rows and a truncated tail are logged.
func (r *CSV) ReadAll(ctx context.Context) ([]model.Attempt, error) {
	table, err := csvutil.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read attempts %s: %w", r.path, err)
	}

	if table.Truncated {
		ylog.Info(ctx, "attempts: trailing row is truncated, ignored", ylog.KV("path", r.path))
	}

	out := make([]model.Attempt, 0, len(table.Rows))
	for i, row := range table.Rows {
		a, err := decode(row)
		if err != nil {
			ylog.Error(ctx, "attempts: skipping row", ylog.KV("row", i+2), ylog.KV("error", err))
			continue
		}

		out = append(out, a)
	}

	return out, nil
}

// LatestByAddress returns the most recent submitted attempt for addr. Skipped rows are only used
// when the address was never submitted.
func (r *CSV) LatestByAddress(ctx context.Context, addr string) (model.Attempt, error) {
	attempts, err := r.ReadAll(ctx)
	if err != nil {
		return model.Attempt{}, err
	}

	a, ok := Latest(attempts, addr)
	if !ok {
		return model.Attempt{}, fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}

	return a, nil
}

// Latest picks the attempt LatestByAddress would return from an already loaded log.
func Latest(attempts []model.Attempt, addr string) (model.Attempt, bool) {
	want := domainutil.NormalizeAddress(addr)

	var best, fallback model.Attempt
	var found, foundFallback bool
	for _, a := range attempts {
		if domainutil.NormalizeAddress(a.Address) != want {
			continue
		}

		if a.Outcome.Status() == model.StatusSkipped {
			if !foundFallback || !a.SentAt.Before(fallback.SentAt) {
				fallback, foundFallback = a, true
			}

			continue
		}

		if !found || !a.SentAt.Before(best.SentAt) {
			best, found = a, true
		}
	}

	if found {
		return best, true
	}

	return fallback, foundFallback
}

// Reclassify turns a success row into a bounce. Rows that are already bounced are left alone,
// so repeating the call is harmless.
func (r *CSV) Reclassify(ctx context.Context, in InputReclassify) (out OutReclassify, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("reclassify: %w", err)
		return
	}

	err = r.rewrite(func(rows [][]string) ([][]string, bool, error) {
		target := -1
		var targetAttempt model.Attempt
		want := domainutil.NormalizeAddress(in.Address)

		for i, row := range rows {
			a, err := decode(row)
			if err != nil {
				continue
			}

			var match bool
			if in.TrackingID != "" {
				match = a.TrackingID == in.TrackingID
			} else {
				match = a.CompanyID == in.CompanyID && domainutil.NormalizeAddress(a.Address) == want
			}

			if !match {
				continue
			}

			switch a.Outcome.Status() {
			case model.StatusSuccess, model.StatusBounced:
				if target < 0 || !a.SentAt.Before(targetAttempt.SentAt) {
					target, targetAttempt = i, a
				}
			}
		}

		if target < 0 {
			return nil, false, fmt.Errorf("no success attempt for company %d %s: %w", in.CompanyID, in.Address, ErrNotFound)
		}

		out.Attempt = targetAttempt
		if targetAttempt.Outcome.Status() == model.StatusBounced {
			return rows, false, nil
		}

		targetAttempt.Outcome = in.Bounce
		rows[target] = encode(targetAttempt)
		out.Attempt = targetAttempt
		out.Changed = true
		return rows, true, nil
	})

	if err == nil && out.Changed {
		ylog.Info(ctx, "attempts: success reclassified as bounced",
			ylog.KV("company_id", out.Attempt.CompanyID),
			ylog.KV("tracking_id", out.Attempt.TrackingID),
			ylog.KV("kind", in.Bounce.Kind),
		)
	}

	return
}

// Rewrite renumbers company ids. Rows whose id has no mapping, or cannot be parsed, are dropped.
func (r *CSV) Rewrite(ctx context.Context, in InputRewrite) (out OutRewrite, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("rewrite attempts: %w", err)
		return
	}

	err = r.rewrite(func(rows [][]string) ([][]string, bool, error) {
		kept := rows[:0]
		for _, row := range rows {
			oldID, err := strconv.Atoi(field(row, colCompanyID))
			newID, ok := in.Mapping[oldID]
			if err != nil || !ok {
				out.Dropped++
				continue
			}

			row[colCompanyID] = strconv.Itoa(newID)
			kept = append(kept, row)
		}

		out.Kept = len(kept)
		return kept, true, nil
	})

	if err == nil {
		ylog.Info(ctx, "attempts: ids rewritten", ylog.KV("kept", out.Kept), ylog.KV("dropped", out.Dropped))
	}

	return
}

func (r *CSV) rewrite(fn func(rows [][]string) ([][]string, bool, error)) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err = r.lock.TryAcquire(); err != nil {
		return fmt.Errorf("attempts: %w", err)
	}

	defer func() {
		if _err := r.lock.Release(); _err != nil && err == nil {
			err = _err
		}
	}()

	table, err := csvutil.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read attempts %s: %w", r.path, err)
	}

	rows, changed, err := fn(table.Rows)
	if err != nil || !changed {
		return err
	}

	// older files are upgraded to the current header on rewrite
	if err = csvutil.WriteFileAtomic(r.path, Header, rows); err != nil {
		return fmt.Errorf("write attempts %s: %w", r.path, err)
	}

	return nil
}

// CheckSingleSuccess reports ErrCorrupted when a (campaign, company) pair has more than one success.
func CheckSingleSuccess(attempts []model.Attempt) error {
	type key struct {
		campaign string
		id       int
	}

	seen := make(map[key]string, len(attempts))
	for _, a := range attempts {
		if !a.IsSuccess() {
			continue
		}

		k := key{a.Campaign, a.CompanyID}
		if prev, ok := seen[k]; ok {
			return fmt.Errorf("company %d campaign %q succeeded twice (%s, %s): %w",
				a.CompanyID, a.Campaign, prev, a.TrackingID, ErrCorrupted)
		}

		seen[k] = a.TrackingID
	}

	return nil
}
