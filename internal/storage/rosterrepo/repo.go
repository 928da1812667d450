package rosterrepo

import (
	"context"
	"errors"
	"time"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
)

var (
	ErrCompanyNotFound = errors.New("company not found")

	// ErrCorrupted is returned to writers when the roster breaks an invariant (duplicate ids).
	ErrCorrupted = errors.New("roster state corruption")
)

// Header is the column order of the roster file.
var Header = []string{
	"ID",
	"企業名",
	"企業ホームページ",
	"担当者メールアドレス",
	"募集職種",
	"バウンス状態",
	"バウンス日時",
	"バウンス理由",
	"配信停止",
	"配信停止日時",
}

// Repo owns the roster file. Mutations are write-through: read the whole file, change it in
// memory and atomically replace it while holding the advisory lock.
type Repo interface {
	Load(ctx context.Context) ([]model.Company, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	Lookup(ctx context.Context, id int) (model.Company, error)
	LookupByAddress(ctx context.Context, addr string) ([]model.Company, error)
	MarkBounced(ctx context.Context, in InputMarkBounced) (out OutMark, err error)
	MarkUnsubscribed(ctx context.Context, in InputMarkUnsubscribed) (out OutMark, err error)
	Renumber(ctx context.Context) (out OutRenumber, err error)

	// Lock is the advisory lock guarding the roster file.
	Lock() *filelock.Lock
}

type InputMarkBounced struct {
	ID     int               `validate:"required,min=1"`
	Kind   model.BounceState `validate:"required,oneof=permanent temporary unknown"`
	Reason string
	When   time.Time `validate:"required"`
}

type InputMarkUnsubscribed struct {
	ID     int `validate:"required,min=1"`
	Reason string
	When   time.Time `validate:"required"`
}

// OutMark carries the company after the call. Changed is false when the transition was not
// forward (the row was left as is).
type OutMark struct {
	Company model.Company
	Changed bool
}

type OutRenumber struct {
	// Mapping is old id -> new id for every row that had a valid id.
	Mapping map[int]int
	Total   int
}
