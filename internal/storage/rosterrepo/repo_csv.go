package rosterrepo

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

type CSVConfig struct {
	Path string `validate:"required"`
}

type CSV struct {
	path string
	lock *filelock.Lock

	// mu serialises writers inside the process, the file lock serialises processes
	mu sync.Mutex

	cacheMu   sync.Mutex
	cache     *Snapshot
	cacheSize int64
	cacheMod  time.Time
}

var _ Repo = (*CSV)(nil)

func NewCSV(cfg CSVConfig) (*CSV, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("roster repo config: %w", err)
	}

	return &CSV{
		path: cfg.Path,
		lock: filelock.New(cfg.Path),
	}, nil
}

func (r *CSV) Lock() *filelock.Lock {
	return r.lock
}

func (r *CSV) Load(ctx context.Context) ([]model.Company, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	return snap.Companies(), nil
}

// Snapshot reads the roster, reusing the previous read while the file is unchanged.
// Rows that cannot be decoded and duplicate ids are logged and skipped.
func (r *CSV) Snapshot(ctx context.Context) (*Snapshot, error) {
	st, statErr := os.Stat(r.path)

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if statErr == nil && r.cache != nil && st.Size() == r.cacheSize && st.ModTime().Equal(r.cacheMod) {
		return r.cache, nil
	}

	table, err := csvutil.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", r.path, err)
	}

	if table.Truncated {
		ylog.Error(ctx, "roster: trailing row is truncated, ignored", ylog.KV("path", r.path))
	}

	companies, problems := decodeAll(table)
	for _, p := range problems {
		ylog.Error(ctx, "roster: skipping row", ylog.KV("path", r.path), ylog.KV("error", p))
	}

	snap := newSnapshot(companies, time.Now())
	if statErr == nil {
		r.cache, r.cacheSize, r.cacheMod = snap, st.Size(), st.ModTime()
	}

	return snap, nil
}

func (r *CSV) Lookup(ctx context.Context, id int) (model.Company, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return model.Company{}, err
	}

	c, ok := snap.Lookup(id)
	if !ok {
		return model.Company{}, fmt.Errorf("company %d: %w", id, ErrCompanyNotFound)
	}

	return c, nil
}

func (r *CSV) LookupByAddress(ctx context.Context, addr string) ([]model.Company, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	return snap.LookupByAddress(addr), nil
}

// MarkBounced moves the company's bounce state forward. A backward or equal transition is a no-op.
// It does not wait for the advisory lock: when another process holds it the *filelock.HeldError is
// returned so the caller can defer the change.
func (r *CSV) MarkBounced(ctx context.Context, in InputMarkBounced) (out OutMark, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("mark bounced: %w", err)
		return
	}

	err = r.mutate(ctx, in.ID, func(c *model.Company) bool {
		if !c.BounceState.Advances(in.Kind) {
			return false
		}

		c.BounceState = in.Kind
		c.BouncedAt = in.When
		c.BounceReason = in.Reason
		return true
	}, &out)
	return
}

// MarkUnsubscribed sets the unsubscribe flag. An already unsubscribed company is left untouched.
func (r *CSV) MarkUnsubscribed(ctx context.Context, in InputMarkUnsubscribed) (out OutMark, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("mark unsubscribed: %w", err)
		return
	}

	err = r.mutate(ctx, in.ID, func(c *model.Company) bool {
		if c.Unsubscribed {
			return false
		}

		c.Unsubscribed = true
		c.UnsubscribedAt = in.When
		return true
	}, &out)

	if err == nil && out.Changed {
		ylog.Info(ctx, "roster: company unsubscribed",
			ylog.KV("company_id", in.ID), ylog.KV("reason", in.Reason))
	}

	return
}

func (r *CSV) mutate(ctx context.Context, id int, fn func(c *model.Company) bool, out *OutMark) error {
	return r.write(func(l layout, rows [][]string) ([][]string, bool, error) {
		companies, err := decodeStrict(l, rows)
		if err != nil {
			return nil, false, err
		}

		for i, c := range companies {
			if c.ID != id {
				continue
			}

			out.Changed = fn(&c)
			out.Company = c
			if out.Changed {
				rows[i] = l.encode(rows[i], c)
			}

			return rows, out.Changed, nil
		}

		return nil, false, fmt.Errorf("company %d: %w", id, ErrCompanyNotFound)
	})
}

// Renumber rewrites the ids to 1..N keeping file order. The caller holds the barrier
// (no send worker may run); the roster lock is taken here as well.
func (r *CSV) Renumber(ctx context.Context) (out OutRenumber, err error) {
	err = r.write(func(l layout, rows [][]string) ([][]string, bool, error) {
		if _, err := decodeStrict(l, rows); err != nil {
			return nil, false, err
		}

		out.Mapping = make(map[int]int, len(rows))
		for i := range rows {
			c, _ := l.decode(rows[i])
			newID := i + 1
			out.Mapping[c.ID] = newID

			c.ID = newID
			rows[i] = l.encode(rows[i], c)
		}

		out.Total = len(rows)
		return rows, true, nil
	})

	if err == nil {
		ylog.Info(ctx, "roster: renumbered", ylog.KV("total", out.Total))
	}

	return
}

func (r *CSV) write(fn func(l layout, rows [][]string) ([][]string, bool, error)) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err = r.lock.TryAcquire(); err != nil {
		return fmt.Errorf("roster: %w", err)
	}

	defer func() {
		if _err := r.lock.Release(); _err != nil && err == nil {
			err = _err
		}
	}()

	table, err := csvutil.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read roster %s: %w", r.path, err)
	}

	if table.Truncated {
		return fmt.Errorf("roster %s has a truncated row: %w", r.path, ErrCorrupted)
	}

	l := newLayout(table.Header)
	rows, changed, err := fn(l, table.Rows)
	if err != nil || !changed {
		return err
	}

	if err = csvutil.WriteFileAtomic(r.path, l.header, rows); err != nil {
		return fmt.Errorf("write roster %s: %w", r.path, err)
	}

	r.cacheMu.Lock()
	r.cache = nil
	r.cacheMu.Unlock()
	return nil
}

func decodeAll(table csvutil.Table) (companies []model.Company, problems []error) {
	l := newLayout(table.Header)
	seen := make(map[int]bool, len(table.Rows))
	for i, row := range table.Rows {
		c, err := l.decode(row)
		if err != nil {
			problems = append(problems, fmt.Errorf("row %d: %w", i+2, err))
			continue
		}

		if seen[c.ID] {
			problems = append(problems, fmt.Errorf("row %d: duplicate id %d: %w", i+2, c.ID, ErrCorrupted))
			continue
		}

		seen[c.ID] = true
		companies = append(companies, c)
	}

	return
}

// decodeStrict is used by writers: any bad row or duplicate id aborts the write.
func decodeStrict(l layout, rows [][]string) ([]model.Company, error) {
	companies := make([]model.Company, len(rows))
	seen := make(map[int]bool, len(rows))
	for i, row := range rows {
		c, err := l.decode(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %v: %w", i+2, err, ErrCorrupted)
		}

		if seen[c.ID] {
			return nil, fmt.Errorf("row %d: duplicate id %d: %w", i+2, c.ID, ErrCorrupted)
		}

		seen[c.ID] = true
		companies[i] = c
	}

	return companies, nil
}
