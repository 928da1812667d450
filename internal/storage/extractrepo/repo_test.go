package extractrepo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/storage/extractrepo"
	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
)

func TestCSV_Addresses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "extracted.csv")
	require.NoError(t, csvutil.WriteFileAtomic(path, extractrepo.Header, [][]string{
		{"1", "Info@X.jp; sales@x.jp"},
		{"1", "later@x.jp"},
		{"2", "no address"},
		{"abc", "a@b.jp"},
		{"3", "recruit@z.jp"},
	}))

	repo, err := extractrepo.NewCSV(extractrepo.CSVConfig{Path: path})
	require.NoError(t, err)

	got, err := repo.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "info@x.jp", 3: "recruit@z.jp"}, got)

	t.Run("missing file", func(t *testing.T) {
		repo, err := extractrepo.NewCSV(extractrepo.CSVConfig{Path: filepath.Join(t.TempDir(), "none.csv")})
		require.NoError(t, err)

		got, err := repo.Addresses(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRewriteIDColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aux.csv")
	require.NoError(t, csvutil.WriteFileAtomic(path, []string{"memo", "企業ID"}, [][]string{
		{"a", "10"},
		{"b", "3"},
		{"c", "99"},
	}))

	kept, dropped, err := extractrepo.RewriteIDColumn(ctx, path, "企業ID", map[int]int{10: 1, 3: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, dropped)

	table, err := csvutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "1"}, {"b", "2"}}, table.Rows)
}
