// Package csvutil reads and writes the UTF-8 (BOM prefixed) CSV files shared with the
// spreadsheet tooling around the engine. Rewrites are atomic (temp file, fsync, rename) and
// appends are fsynced, so readers only ever observe whole files or a partial trailing row.
package csvutil

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Table is a parsed CSV file.
type Table struct {
	Header []string
	Rows   [][]string

	// Truncated is true when the trailing record could not be decoded and was dropped.
	Truncated bool
}

// ReadFile parses path. A missing file is returned as an empty table.
// When decoding fails (typically a row that is still being appended) the file is read once more
// after a short pause; if it still fails the rows decoded so far are returned with Truncated set.
func ReadFile(path string) (Table, error) {
	table, err := readFile(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		if errors.Is(err, fs.ErrNotExist) {
			return Table{}, nil
		}

		return table, nil
	}

	var parseErr *csv.ParseError
	if !errors.As(err, &parseErr) {
		return Table{}, err
	}

	time.Sleep(50 * time.Millisecond)
	table, err = readFile(path)
	if err == nil {
		return table, nil
	}

	if errors.As(err, &parseErr) {
		table.Truncated = true
		return table, nil
	}

	return Table{}, err
}

func readFile(path string) (table Table, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}

	b = bytes.TrimPrefix(b, bom)
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1

	first := true
	for {
		var rec []string
		rec, err = r.Read()
		if errors.Is(err, io.EOF) {
			err = nil
			return
		}

		if err != nil {
			return
		}

		if first {
			table.Header = rec
			first = false
			continue
		}

		if isBlank(rec) {
			continue
		}

		table.Rows = append(table.Rows, rec)
	}
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if f != "" {
			return false
		}
	}

	return true
}

// WriteFileAtomic replaces path with header and rows. The content goes to a temporary file in
// the same directory which is fsynced and renamed over path.
func WriteFileAtomic(path string, header []string, rows [][]string) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if _, err = bw.Write(bom); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write bom: %w", err)
	}

	w := csv.NewWriter(bw)
	if err = w.Write(header); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}

	if err = w.WriteAll(rows); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	err = multierr.Combine(bw.Flush(), tmp.Sync(), tmp.Close())
	if err != nil {
		return fmt.Errorf("flush %s: %w", tmp.Name(), err)
	}

	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp.Name(), err)
	}

	return SyncDir(dir)
}

// AppendRow appends one record to path, creating it with header when it does not exist yet.
// The file is fsynced before returning.
func AppendRow(path string, header []string, row []string) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		if _err := f.Close(); _err != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", path, _err))
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	switch {
	case st.Size() == 0:
		buf.Write(bom)
		if err = w.Write(header); err != nil {
			return fmt.Errorf("encode header: %w", err)
		}

	default:
		// a previous writer died mid-row: start on a fresh line so the rows don't merge
		last := make([]byte, 1)
		if _, err = f.ReadAt(last, st.Size()-1); err != nil {
			return fmt.Errorf("read tail of %s: %w", path, err)
		}

		if last[0] != '\n' {
			buf.WriteByte('\n')
		}
	}

	if err = w.Write(row); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	if _, err = f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}

	return f.Sync()
}

// WriteAtomic replaces path with data using the same temp file and rename discipline as
// WriteFileAtomic. It serves the JSON state files kept next to the CSVs.
func WriteAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	if err = multierr.Combine(tmp.Sync(), tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("flush %s: %w", tmp.Name(), err)
	}

	if err = os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", tmp.Name(), err)
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a rename inside it is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}

	return multierr.Combine(d.Sync(), d.Close())
}

// Copy duplicates src into dst (used for timestamped backups). A missing src is not an error.
func Copy(src, dst string) (err error) {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}

	defer func() {
		err = multierr.Append(err, in.Close())
	}()

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}

	return multierr.Combine(out.Sync(), out.Close())
}
