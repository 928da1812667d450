package uidrepo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/storage/uidrepo"
)

func TestFile(t *testing.T) {
	ctx := context.Background()
	repo, err := uidrepo.NewFile(uidrepo.FileConfig{Path: filepath.Join(t.TempDir(), "imap_state.json")})
	require.NoError(t, err)

	got, err := repo.Processed(ctx, "INBOX", 7)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, uid := range []uint32{5, 3, 5, 9} {
		require.NoError(t, repo.MarkProcessed(ctx, "INBOX", 7, uid))
	}
	require.NoError(t, repo.MarkProcessed(ctx, "INBOX.bounce", 1, 3))

	got, err = repo.Processed(ctx, "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{3: true, 5: true, 9: true}, got)

	t.Run("uidvalidity change resets the mailbox", func(t *testing.T) {
		got, err := repo.Processed(ctx, "INBOX", 8)
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, repo.MarkProcessed(ctx, "INBOX", 8, 1))
		got, err = repo.Processed(ctx, "INBOX", 8)
		require.NoError(t, err)
		assert.Equal(t, map[uint32]bool{1: true}, got)

		other, err := repo.Processed(ctx, "INBOX.bounce", 1)
		require.NoError(t, err)
		assert.Equal(t, map[uint32]bool{3: true}, other)
	})
}
