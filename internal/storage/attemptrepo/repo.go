package attemptrepo

import (
	"context"
	"errors"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
)

var (
	ErrNotFound = errors.New("attempt not found")

	// ErrCorrupted marks an invariant violation such as two successes for one (campaign, company).
	ErrCorrupted = errors.New("attempt log state corruption")
)

// Header is the column order of the attempt log. Files written before campaigns were recorded
// have only the first nine columns.
var Header = []string{
	"企業ID",
	"企業名",
	"メールアドレス",
	"募集職種",
	"送信日時",
	"送信結果",
	"トラッキングID",
	"件名",
	"エラーメッセージ",
	"キャンペーン",
}

// Repo owns the attempt log. Appends come from the single send worker; rewrites (bounce
// reclassification, renumber) take the advisory lock.
type Repo interface {
	Append(ctx context.Context, a model.Attempt) error
	ReadAll(ctx context.Context) ([]model.Attempt, error)
	LatestByAddress(ctx context.Context, addr string) (model.Attempt, error)
	Reclassify(ctx context.Context, in InputReclassify) (out OutReclassify, err error)
	Rewrite(ctx context.Context, in InputRewrite) (out OutRewrite, err error)
	Lock() *filelock.Lock
}

// InputReclassify selects the success row to turn into a bounce: by tracking id when set,
// otherwise the most recent success for (CompanyID, Address).
type InputReclassify struct {
	TrackingID string
	CompanyID  int    `validate:"required_without=TrackingID"`
	Address    string `validate:"required_without=TrackingID"`
	Bounce     model.Bounced
}

type OutReclassify struct {
	Attempt model.Attempt
	Changed bool
}

// InputRewrite maps company ids; rows whose id is not in Mapping are dropped.
type InputRewrite struct {
	Mapping map[int]int `validate:"required"`
}

type OutRewrite struct {
	Kept    int
	Dropped int
}
