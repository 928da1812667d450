// Package pendingrepo queues roster and attempt-log mutations the ingestor could not apply
// because a send worker held the locks. The queue is drained once the worker is gone.
package pendingrepo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

type OpKind string

const (
	OpMarkBounced      OpKind = "mark_bounced"
	OpMarkUnsubscribed OpKind = "mark_unsubscribed"
	OpReclassify       OpKind = "reclassify"
)

// Op is one deferred mutation.
type Op struct {
	Kind       OpKind            `json:"op" validate:"required,oneof=mark_bounced mark_unsubscribed reclassify"`
	CompanyID  int               `json:"company_id" validate:"required,min=1"`
	Address    string            `json:"address,omitempty"`
	TrackingID string            `json:"tracking_id,omitempty"`
	Bounce     model.BounceState `json:"bounce,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	When       model.ISOTime     `json:"when"`
	QueuedAt   model.ISOTime     `json:"queued_at"`
}

type OutDrain struct {
	Applied int
	Kept    int
	Dropped int
}

type Repo interface {
	Push(ctx context.Context, op Op) error
	List(ctx context.Context) ([]Op, error)
	// Drain applies queued ops in order. An op failing with filelock.ErrLockHeld stays queued
	// together with every op after it; other failures are logged and dropped.
	Drain(ctx context.Context, apply func(ctx context.Context, op Op) error) (out OutDrain, err error)
}

type FileConfig struct {
	Path string `validate:"required"`

	// LockWait bounds how long Push and Drain wait for another process using the queue.
	LockWait time.Duration
}

// File stores one JSON op per line.
type File struct {
	cfg  FileConfig
	lock *filelock.Lock
	mu   sync.Mutex
}

var _ Repo = (*File)(nil)

func NewFile(cfg FileConfig) (*File, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("pending repo config: %w", err)
	}

	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}

	return &File{cfg: cfg, lock: filelock.New(cfg.Path)}, nil
}

func (r *File) Push(ctx context.Context, op Op) error {
	if err := validator.Validate(op); err != nil {
		return fmt.Errorf("pending op: %w", err)
	}

	if op.QueuedAt.Time().IsZero() {
		op.QueuedAt = model.ISOTime(time.Now())
	}

	line, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode pending op: %w", err)
	}

	return r.locked(ctx, func() (err error) {
		if err = os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(r.cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open pending queue: %w", err)
		}

		defer func() {
			err = multierr.Append(err, f.Close())
		}()

		if _, err = f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append pending op: %w", err)
		}

		ylog.Info(ctx, "pending: mutation deferred",
			ylog.KV("op", op.Kind), ylog.KV("company_id", op.CompanyID))
		return f.Sync()
	})
}

func (r *File) List(ctx context.Context) ([]Op, error) {
	b, err := os.ReadFile(r.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read pending queue: %w", err)
	}

	var ops []Op
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var op Op
		if err = json.Unmarshal(line, &op); err != nil {
			ylog.Error(ctx, "pending: skipping undecodable line", ylog.KV("line", n), ylog.KV("error", err))
			continue
		}

		ops = append(ops, op)
	}

	return ops, sc.Err()
}

func (r *File) Drain(ctx context.Context, apply func(ctx context.Context, op Op) error) (out OutDrain, err error) {
	err = r.locked(ctx, func() error {
		ops, err := r.List(ctx)
		if err != nil || len(ops) == 0 {
			return err
		}

		var keep []Op
		for i, op := range ops {
			if ctx.Err() != nil {
				keep = append(keep, ops[i:]...)
				break
			}

			applyErr := apply(ctx, op)
			switch {
			case applyErr == nil:
				out.Applied++

			case errors.Is(applyErr, filelock.ErrLockHeld):
				keep = append(keep, ops[i:]...)

			default:
				out.Dropped++
				ylog.Error(ctx, "pending: dropping op that cannot be applied",
					ylog.KV("op", op.Kind), ylog.KV("company_id", op.CompanyID), ylog.KV("error", applyErr))
				continue
			}

			if len(keep) > 0 {
				break
			}
		}

		out.Kept = len(keep)

		var buf bytes.Buffer
		for _, op := range keep {
			line, err := json.Marshal(op)
			if err != nil {
				return fmt.Errorf("encode pending op: %w", err)
			}

			buf.Write(line)
			buf.WriteByte('\n')
		}

		return csvutil.WriteAtomic(r.cfg.Path, buf.Bytes())
	})

	if err == nil && (out.Applied > 0 || out.Dropped > 0) {
		ylog.Info(ctx, "pending: queue drained",
			ylog.KV("applied", out.Applied), ylog.KV("kept", out.Kept), ylog.KV("dropped", out.Dropped))
	}

	return
}

func (r *File) locked(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.LockWait)
	defer cancel()

	return r.lock.Do(ctx, fn)
}
