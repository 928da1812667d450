package csvutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companies.csv")

	header := []string{"ID", "企業名"}
	rows := [][]string{{"1", "株式会社テスト"}, {"2", "Foo, Inc."}}
	require.NoError(t, csvutil.WriteFileAtomic(path, header, rows))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBB, 0xBF}, b[:3])

	table, err := csvutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, header, table.Header)
	assert.Equal(t, rows, table.Rows)
	assert.False(t, table.Truncated)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not survive")
}

func TestReadFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		table, err := csvutil.ReadFile(filepath.Join(t.TempDir(), "nope.csv"))
		require.NoError(t, err)
		assert.Empty(t, table.Rows)
	})

	t.Run("truncated tail", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "log.csv")
		content := "\xEF\xBB\xBFa,b\n1,2\n3,\"unterminated"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		table, err := csvutil.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, table.Truncated)
		assert.Equal(t, [][]string{{"1", "2"}}, table.Rows)
	})

	t.Run("no bom", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.csv")
		require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n\n"), 0o644))

		table, err := csvutil.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, table.Header)
		assert.Equal(t, [][]string{{"1", "2"}}, table.Rows)
	})
}

func TestAppendRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attempts.csv")
	header := []string{"a", "b"}

	require.NoError(t, csvutil.AppendRow(path, header, []string{"1", "x"}))
	require.NoError(t, csvutil.AppendRow(path, header, []string{"2", "y"}))

	table, err := csvutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, header, table.Header)
	assert.Equal(t, [][]string{{"1", "x"}, {"2", "y"}}, table.Rows)

	t.Run("recovers from partial row", func(t *testing.T) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("3,z")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		require.NoError(t, csvutil.AppendRow(path, header, []string{"4", "w"}))

		table, err := csvutil.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "w"}, table.Rows[len(table.Rows)-1])
	})
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.csv")
	dst := filepath.Join(dir, "backup", "src.csv")

	require.NoError(t, csvutil.Copy(src, dst), "missing source is not an error")

	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, csvutil.Copy(src, dst))

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}
