package unsubrepo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

var md5Line = regexp.MustCompile(`^[0-9a-f]{32}$`)

type FileConfig struct {
	LogPath       string `validate:"required"`
	ProcessedPath string `validate:"required"`
}

// File keeps the log as a JSON array rewritten atomically, and processed keys one per line.
type File struct {
	cfg     FileConfig
	logLock *filelock.Lock
	mu      sync.Mutex
}

var _ Repo = (*File)(nil)

func NewFile(cfg FileConfig) (*File, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("unsubscribe repo config: %w", err)
	}

	return &File{cfg: cfg, logLock: filelock.New(cfg.LogPath)}, nil
}

func (r *File) List(ctx context.Context) ([]Entry, error) {
	b, err := os.ReadFile(r.cfg.LogPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read unsubscribe log: %w", err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}

	var entries []Entry
	if err = json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode unsubscribe log %s: %w", r.cfg.LogPath, err)
	}

	return entries, nil
}

// Add appends e to the log. An entry with the same address and timestamp is not added twice.
func (r *File) Add(ctx context.Context, e Entry) error {
	return r.update(ctx, func(entries []Entry) ([]Entry, bool) {
		for _, old := range entries {
			if strings.EqualFold(old.Email, e.Email) && old.Timestamp.Time().Equal(e.Timestamp.Time()) {
				return entries, false
			}
		}

		return append(entries, e), true
	})
}

// Rewrite renumbers company ids. Entries whose company disappeared keep their address with
// company id 0, so address suppression still applies.
func (r *File) Rewrite(ctx context.Context, in InputRewrite) (out OutRewrite, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("rewrite unsubscribe log: %w", err)
		return
	}

	err = r.update(ctx, func(entries []Entry) ([]Entry, bool) {
		for i, e := range entries {
			if e.CompanyID == 0 {
				continue
			}

			newID, ok := in.Mapping[e.CompanyID]
			if !ok {
				entries[i].CompanyID = 0
				out.Unlinked++
				continue
			}

			entries[i].CompanyID = newID
			out.Kept++
		}

		return entries, true
	})

	return
}

func (r *File) update(ctx context.Context, fn func([]Entry) ([]Entry, bool)) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.logLock.Do(ctx, func() error {
		entries, err := r.List(ctx)
		if err != nil {
			return err
		}

		entries, changed := fn(entries)
		if !changed {
			return nil
		}

		b, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("encode unsubscribe log: %w", err)
		}

		return csvutil.WriteAtomic(r.cfg.LogPath, append(b, '\n'))
	})
}

// Processed loads the processed-keys file. Lines of 32 hex characters are legacy md5 hashes.
func (r *File) Processed(ctx context.Context) (*KeySet, error) {
	set := NewKeySet()

	f, err := os.Open(r.cfg.ProcessedPath)
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}

	if err != nil {
		return nil, fmt.Errorf("open processed keys: %w", err)
	}

	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case md5Line.MatchString(line):
			set.hashes[line] = true
		default:
			set.keys[line] = true
		}
	}

	if err = sc.Err(); err != nil {
		return nil, fmt.Errorf("read processed keys: %w", err)
	}

	ylog.Debug(ctx, "unsubscribe: processed keys loaded", ylog.KV("count", set.Len()))
	return set, nil
}

// MarkProcessed appends key to the processed-keys file and fsyncs it.
func (r *File) MarkProcessed(ctx context.Context, key Key) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(r.cfg.ProcessedPath), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(r.cfg.ProcessedPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open processed keys: %w", err)
	}

	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if _, err = f.WriteString(key.String() + "\n"); err != nil {
		return fmt.Errorf("append processed key: %w", err)
	}

	return f.Sync()
}
