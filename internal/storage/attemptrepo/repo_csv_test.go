package attemptrepo_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
)

func newRepo(t *testing.T) (*attemptrepo.CSV, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "attempts.csv")
	repo, err := attemptrepo.NewCSV(attemptrepo.CSVConfig{Path: path})
	require.NoError(t, err)
	return repo, path
}

func attempt(id int, addr string, at time.Time, o model.Outcome) model.Attempt {
	return model.Attempt{
		CompanyID:   id,
		CompanyName: "会社",
		Address:     addr,
		JobTitle:    "エンジニア",
		SentAt:      at,
		Outcome:     o,
		TrackingID:  model.NewTrackingID(id, addr, at),
		Subject:     "ご挨拶",
		Campaign:    "spring",
	}
}

func TestCSV_AppendReadAll(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, repo.Append(ctx, attempt(1, "a@x.jp", now, model.Success{})))
	require.NoError(t, repo.Append(ctx, attempt(2, "b@y.jp", now, model.Skipped{Reason: model.SkipBouncePermanent})))
	require.NoError(t, repo.Append(ctx, attempt(4, "d@d.jp", now, model.Failed{Kind: model.FailurePermanent, Detail: "550 5.1.1 user unknown"})))

	got, err := repo.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.StatusSuccess, got[0].Outcome.Status())
	assert.Equal(t, "bounce_permanent", got[1].Outcome.Message())
	assert.Equal(t, "550 5.1.1 user unknown", got[2].Outcome.Message())
	assert.Equal(t, "spring", got[2].Campaign)
	assert.True(t, now.Equal(got[0].SentAt))

	assert.Error(t, repo.Append(ctx, model.Attempt{CompanyID: 1}), "outcome is required")
}

func TestCSV_ReadAll_LegacyColumns(t *testing.T) {
	ctx := context.Background()
	repo, path := newRepo(t)

	content := "\xEF\xBB\xBF企業ID,企業名,メールアドレス,募集職種,送信日時,送信結果,トラッキングID,件名,エラーメッセージ\n" +
		"7,G社,g@g.jp,営業,2024-01-05 10:00:00,success,7_g-g-jp_20240105100000_abcdef12,件名,\n" +
		"8,H社,h@h.jp"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := repo.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].CompanyID)
	assert.Empty(t, got[0].Campaign)
}

func TestCSV_Reclassify(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	earlier := time.Now().Add(-5 * time.Minute).Truncate(time.Second)
	require.NoError(t, repo.Append(ctx, attempt(41, "other@example.jp", earlier, model.Success{})))
	require.NoError(t, repo.Append(ctx, attempt(42, "info@example.jp", earlier, model.Success{})))

	latest, err := repo.LatestByAddress(ctx, "INFO@example.jp")
	require.NoError(t, err)
	assert.Equal(t, 42, latest.CompanyID)

	in := attemptrepo.InputReclassify{
		CompanyID: 42,
		Address:   "info@example.jp",
		Bounce:    model.Bounced{Kind: model.BouncePermanent, Reason: "user unknown"},
	}

	out, err := repo.Reclassify(ctx, in)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, model.StatusBounced, out.Attempt.Outcome.Status())

	t.Run("idempotent", func(t *testing.T) {
		out, err := repo.Reclassify(ctx, in)
		require.NoError(t, err)
		assert.False(t, out.Changed)
	})

	got, err := repo.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got[0].Outcome.Status())
	assert.Equal(t, model.StatusBounced, got[1].Outcome.Status())
	assert.Equal(t, "bounce: permanent: user unknown", got[1].Outcome.Message())

	t.Run("by tracking id", func(t *testing.T) {
		out, err := repo.Reclassify(ctx, attemptrepo.InputReclassify{
			TrackingID: got[0].TrackingID,
			Bounce:     model.Bounced{Kind: model.BouncePermanent},
		})
		require.NoError(t, err)
		assert.True(t, out.Changed)
		assert.Equal(t, 41, out.Attempt.CompanyID)
	})

	t.Run("nothing to reclassify", func(t *testing.T) {
		_, err := repo.Reclassify(ctx, attemptrepo.InputReclassify{CompanyID: 9, Address: "z@z.jp"})
		assert.ErrorIs(t, err, attemptrepo.ErrNotFound)
	})
}

func TestCSV_Rewrite(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	now := time.Now()

	for _, id := range []int{10, 3, 99} {
		require.NoError(t, repo.Append(ctx, attempt(id, "a@x.jp", now, model.Success{})))
	}

	out, err := repo.Rewrite(ctx, attemptrepo.InputRewrite{Mapping: map[int]int{10: 1, 3: 2}})
	require.NoError(t, err)
	assert.Equal(t, attemptrepo.OutRewrite{Kept: 2, Dropped: 1}, out)

	got, err := repo.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].CompanyID)
	assert.Equal(t, 2, got[1].CompanyID)
}

func TestLatest(t *testing.T) {
	base := time.Now()
	attempts := []model.Attempt{
		attempt(1, "a@x.jp", base, model.Success{}),
		attempt(2, "a@x.jp", base.Add(time.Minute), model.Failed{Kind: model.FailureTemporary, Detail: "421"}),
		attempt(3, "a@x.jp", base.Add(2*time.Minute), model.Skipped{Reason: model.SkipAlreadySent}),
	}

	got, ok := attemptrepo.Latest(attempts, "a@x.jp")
	require.True(t, ok)
	assert.Equal(t, 2, got.CompanyID)

	got, ok = attemptrepo.Latest(attempts[2:], "a@x.jp")
	require.True(t, ok)
	assert.Equal(t, 3, got.CompanyID)

	_, ok = attemptrepo.Latest(attempts, "b@x.jp")
	assert.False(t, ok)
}

func TestCheckSingleSuccess(t *testing.T) {
	now := time.Now()
	ok := []model.Attempt{
		attempt(1, "a@x.jp", now, model.Success{}),
		attempt(1, "a@x.jp", now, model.Failed{Kind: model.FailureTransport, Detail: "eof"}),
	}
	assert.NoError(t, attemptrepo.CheckSingleSuccess(ok))

	other := attempt(1, "a@x.jp", now, model.Success{})
	other.Campaign = "autumn"
	assert.NoError(t, attemptrepo.CheckSingleSuccess(append(ok, other)))

	dup := append(ok, attempt(1, "a@x.jp", now, model.Success{}))
	assert.ErrorIs(t, attemptrepo.CheckSingleSuccess(dup), attemptrepo.ErrCorrupted)
}
