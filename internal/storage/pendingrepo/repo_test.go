package pendingrepo_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/pendingrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
)

func newRepo(t *testing.T) *pendingrepo.File {
	t.Helper()

	repo, err := pendingrepo.NewFile(pendingrepo.FileConfig{Path: filepath.Join(t.TempDir(), "pending.jsonl")})
	require.NoError(t, err)
	return repo
}

func op(id int) pendingrepo.Op {
	return pendingrepo.Op{
		Kind:      pendingrepo.OpMarkBounced,
		CompanyID: id,
		Address:   "a@x.jp",
		Bounce:    model.BouncePermanent,
		Reason:    "user unknown",
		When:      model.ISOTime(time.Now()),
	}
}

func TestFile_PushList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.Push(ctx, op(1)))
	require.NoError(t, repo.Push(ctx, op(2)))
	assert.Error(t, repo.Push(ctx, pendingrepo.Op{Kind: "nope", CompanyID: 1}))

	ops, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].CompanyID)
	assert.False(t, ops[0].QueuedAt.Time().IsZero())
}

func TestFile_Drain(t *testing.T) {
	ctx := context.Background()

	t.Run("applies in order and drops failures", func(t *testing.T) {
		repo := newRepo(t)
		for id := 1; id <= 3; id++ {
			require.NoError(t, repo.Push(ctx, op(id)))
		}

		var seen []int
		out, err := repo.Drain(ctx, func(ctx context.Context, op pendingrepo.Op) error {
			seen = append(seen, op.CompanyID)
			if op.CompanyID == 2 {
				return errors.New("company gone")
			}

			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, seen)
		assert.Equal(t, pendingrepo.OutDrain{Applied: 2, Dropped: 1}, out)

		ops, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("keeps the rest while locked", func(t *testing.T) {
		repo := newRepo(t)
		for id := 1; id <= 3; id++ {
			require.NoError(t, repo.Push(ctx, op(id)))
		}

		out, err := repo.Drain(ctx, func(ctx context.Context, op pendingrepo.Op) error {
			if op.CompanyID == 2 {
				return fmt.Errorf("roster: %w", &filelock.HeldError{Path: "x.lock"})
			}

			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, pendingrepo.OutDrain{Applied: 1, Kept: 2}, out)

		ops, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, 2, ops[0].CompanyID)
	})
}
