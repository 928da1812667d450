package renumbersvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/extractrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/historyrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/unsubrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

const backupLayout = "20060102_150405"

// Files lists the on-disk files copied into the backup before anything is rewritten.
type Files struct {
	Roster       string `validate:"required"`
	Attempts     string `validate:"required"`
	History      string `validate:"required"`
	Unsubscribes string `validate:"required"`
	Extraction   string `validate:"-"`

	// Auxiliary are extra CSVs keyed by a "企業ID" column (or their first column).
	Auxiliary []string `validate:"-"`
}

type SvcConfig struct {
	Roster       rosterrepo.Repo  `validate:"required"`
	Attempts     attemptrepo.Repo `validate:"required"`
	History      historyrepo.Repo `validate:"required"`
	Unsubscribes unsubrepo.Repo   `validate:"required"`
	Extraction   extractrepo.Repo `validate:"-"`

	Files     Files
	BackupDir string           `validate:"required"`
	Now       func() time.Time `validate:"-"`
}

type Svc struct {
	cfg SvcConfig
}

var _ Service = (*Svc)(nil)

func New(cfg SvcConfig) (*Svc, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("renumber config: %w", err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Svc{cfg: cfg}, nil
}

// mappingDocument is the content of id_mapping_<ts>.json.
type mappingDocument struct {
	CreatedAt model.ISOTime     `json:"created_at"`
	Backup    string            `json:"backup"`
	Mapping   map[string]int    `json:"mapping"`
	Files     map[string]string `json:"files"`
}

func (s *Svc) Renumber(ctx context.Context) (out OutRenumber, err error) {
	ctx, span := tracer.StartSpan(ctx, "renumbersvc.Renumber")
	defer span.End()

	release, err := s.barrier()
	if err != nil {
		return
	}

	defer func() {
		err = multierr.Append(err, release())
	}()

	now := s.cfg.Now()
	stamp := now.Format(backupLayout)
	out.BackupDir = filepath.Join(s.cfg.BackupDir, "renumber_"+stamp)

	backedUp, err := s.backup(out.BackupDir)
	if err != nil {
		err = fmt.Errorf("backup before renumber: %w", err)
		return
	}

	ylog.Info(ctx, "renumber: backup written", ylog.KV("dir", out.BackupDir))

	renumbered, err := s.cfg.Roster.Renumber(ctx)
	if err != nil {
		err = fmt.Errorf("renumber roster: %w", err)
		return
	}

	out.Total = renumbered.Total
	out.Mapping = renumbered.Mapping
	for oldID, newID := range out.Mapping {
		if oldID != newID {
			out.Moved++
		}
	}

	out.MappingPath = filepath.Join(s.cfg.BackupDir, "id_mapping_"+stamp+".json")
	if err = writeMapping(out.MappingPath, out.BackupDir, now, out.Mapping, backedUp); err != nil {
		err = fmt.Errorf("roster renumbered but mapping not saved (backup in %s): %w", out.BackupDir, err)
		return
	}

	// from here on a failure leaves files with old ids; the backup and the mapping allow a replay
	fail := func(step string, _err error) error {
		return fmt.Errorf("rewrite %s (backup in %s, mapping in %s): %w", step, out.BackupDir, out.MappingPath, _err)
	}

	if out.Attempts, err = s.cfg.Attempts.Rewrite(ctx, attemptrepo.InputRewrite{Mapping: out.Mapping}); err != nil {
		err = fail("attempt log", err)
		return
	}

	if out.History, err = s.cfg.History.Rewrite(ctx, historyrepo.InputRewrite{Mapping: out.Mapping}); err != nil {
		err = fail("history", err)
		return
	}

	if out.Unsubscribes, err = s.cfg.Unsubscribes.Rewrite(ctx, unsubrepo.InputRewrite{Mapping: out.Mapping}); err != nil {
		err = fail("unsubscribe log", err)
		return
	}

	out.Rewritten = map[string]int{}
	if s.cfg.Extraction != nil {
		kept, _, _err := s.cfg.Extraction.Rewrite(ctx, out.Mapping)
		if _err != nil {
			err = fail("extraction results", _err)
			return
		}

		out.Rewritten[s.cfg.Files.Extraction] = kept
	}

	for _, path := range s.cfg.Files.Auxiliary {
		kept, _, _err := extractrepo.RewriteIDColumn(ctx, path, "企業ID", out.Mapping)
		if _err != nil {
			err = fail(path, _err)
			return
		}

		out.Rewritten[path] = kept
	}

	ylog.Info(ctx, "renumber: done",
		ylog.KV("total", out.Total),
		ylog.KV("moved", out.Moved),
		ylog.KV("mapping", out.MappingPath),
	)

	return
}

// barrier takes the roster and attempt log locks for the whole operation. A running send worker
// holds both, so this fails with filelock.ErrLockHeld while one is active.
func (s *Svc) barrier() (release func() error, err error) {
	roster := s.cfg.Roster.Lock()
	if err = roster.TryAcquire(); err != nil {
		return nil, fmt.Errorf("renumber barrier: %w", err)
	}

	attempts := s.cfg.Attempts.Lock()
	if err = attempts.TryAcquire(); err != nil {
		return nil, multierr.Append(fmt.Errorf("renumber barrier: %w", err), roster.Release())
	}

	return func() error {
		return multierr.Combine(attempts.Release(), roster.Release())
	}, nil
}

// backup copies every file into dir and returns the copies by source path.
func (s *Svc) backup(dir string) (map[string]string, error) {
	sources := []string{
		s.cfg.Files.Roster,
		s.cfg.Files.Attempts,
		s.cfg.Files.History,
		s.cfg.Files.Unsubscribes,
	}

	if s.cfg.Files.Extraction != "" {
		sources = append(sources, s.cfg.Files.Extraction)
	}

	sources = append(sources, s.cfg.Files.Auxiliary...)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	copies := make(map[string]string, len(sources))
	for i, src := range sources {
		// prefixed with the position so two files with the same base name do not collide
		dst := filepath.Join(dir, strconv.Itoa(i)+"_"+filepath.Base(src))
		if err := csvutil.Copy(src, dst); err != nil {
			return nil, err
		}

		copies[src] = dst
	}

	return copies, csvutil.SyncDir(dir)
}

func writeMapping(path, backup string, now time.Time, mapping map[int]int, files map[string]string) error {
	doc := mappingDocument{
		CreatedAt: model.ISOTime(now),
		Backup:    backup,
		Mapping:   make(map[string]int, len(mapping)),
		Files:     files,
	}

	for oldID, newID := range mapping {
		doc.Mapping[strconv.Itoa(oldID)] = newID
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	return csvutil.WriteAtomic(path, append(b, '\n'))
}
