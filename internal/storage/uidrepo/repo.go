// Package uidrepo remembers which IMAP messages the ingestor already handled, per mailbox and
// UIDVALIDITY. A changed UIDVALIDITY invalidates everything recorded for that mailbox.
package uidrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

type Repo interface {
	Processed(ctx context.Context, mailbox string, uidValidity uint32) (map[uint32]bool, error)
	MarkProcessed(ctx context.Context, mailbox string, uidValidity uint32, uid uint32) error
}

type mailboxState struct {
	UIDValidity uint32   `json:"uid_validity"`
	UIDs        []uint32 `json:"uids"`
}

type document struct {
	Mailboxes map[string]*mailboxState `json:"mailboxes"`
}

type FileConfig struct {
	Path     string        `validate:"required"`
	LockWait time.Duration `validate:"-"`
}

type File struct {
	cfg  FileConfig
	lock *filelock.Lock
	mu   sync.Mutex
}

var _ Repo = (*File)(nil)

func NewFile(cfg FileConfig) (*File, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("imap state repo config: %w", err)
	}

	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}

	return &File{cfg: cfg, lock: filelock.New(cfg.Path)}, nil
}

func (r *File) read() (document, error) {
	doc := document{Mailboxes: map[string]*mailboxState{}}

	b, err := os.ReadFile(r.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) || len(b) == 0 {
		return doc, nil
	}

	if err != nil {
		return doc, fmt.Errorf("read imap state: %w", err)
	}

	if err = json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode imap state %s: %w", r.cfg.Path, err)
	}

	if doc.Mailboxes == nil {
		doc.Mailboxes = map[string]*mailboxState{}
	}

	return doc, nil
}

func (r *File) Processed(ctx context.Context, mailbox string, uidValidity uint32) (map[uint32]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read()
	if err != nil {
		return nil, err
	}

	out := map[uint32]bool{}
	st, ok := doc.Mailboxes[mailbox]
	if !ok {
		return out, nil
	}

	if st.UIDValidity != uidValidity {
		ylog.Info(ctx, "imap state: uidvalidity changed, processed uids discarded",
			ylog.KV("mailbox", mailbox),
			ylog.KV("old", st.UIDValidity),
			ylog.KV("new", uidValidity),
		)
		return out, nil
	}

	for _, uid := range st.UIDs {
		out[uid] = true
	}

	return out, nil
}

func (r *File) MarkProcessed(ctx context.Context, mailbox string, uidValidity uint32, uid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockWait)
	defer cancel()

	return r.lock.Do(lockCtx, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}

		st, ok := doc.Mailboxes[mailbox]
		if !ok || st.UIDValidity != uidValidity {
			st = &mailboxState{UIDValidity: uidValidity}
			doc.Mailboxes[mailbox] = st
		}

		i := sort.Search(len(st.UIDs), func(i int) bool { return st.UIDs[i] >= uid })
		if i < len(st.UIDs) && st.UIDs[i] == uid {
			return nil
		}

		st.UIDs = append(st.UIDs, 0)
		copy(st.UIDs[i+1:], st.UIDs[i:])
		st.UIDs[i] = uid

		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode imap state: %w", err)
		}

		return csvutil.WriteAtomic(r.cfg.Path, append(b, '\n'))
	})
}
