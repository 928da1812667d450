package historyrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

const (
	openDoc  = "{\"sending_records\": [\n"
	closeDoc = "\n]}\n"

	// tailWindow is how far from the end the closing "]}" is searched for.
	tailWindow = 4096
)

type JSONConfig struct {
	Path string `validate:"required"`
}

// JSON stores the history as {"sending_records":[...]} with one record per line so a record
// can be appended by overwriting the closing brackets in place.
type JSON struct {
	path string
	mu   sync.Mutex
}

var _ Repo = (*JSON)(nil)

func NewJSON(cfg JSONConfig) (*JSON, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("history repo config: %w", err)
	}

	return &JSON{path: cfg.Path}, nil
}

type document struct {
	SendingRecords []Record `json:"sending_records"`
}

func (r *JSON) Append(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.appendInPlace(line)
	if errors.Is(err, ErrCorrupted) {
		ylog.Error(ctx, "history: tail is damaged, rewriting file", ylog.KV("path", r.path), ylog.KV("error", err))
		err = r.recoverAndAppend(ctx, rec)
	}

	if err != nil {
		return fmt.Errorf("append history %s: %w", r.path, err)
	}

	return nil
}

func (r *JSON) appendInPlace(line []byte) (err error) {
	if err = os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}

	defer func() {
		if _err := f.Close(); _err != nil {
			err = multierr.Append(err, _err)
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	offset := int64(0)

	if st.Size() == 0 {
		buf.WriteString(openDoc)
	} else {
		var empty bool
		offset, empty, err = findClose(f, st.Size())
		if err != nil {
			return err
		}

		if empty {
			buf.WriteString("\n")
		} else {
			buf.WriteString(",\n")
		}
	}

	buf.Write(line)
	buf.WriteString(closeDoc)

	if _, err = f.WriteAt(buf.Bytes(), offset); err != nil {
		return err
	}

	if err = f.Truncate(offset + int64(buf.Len())); err != nil {
		return err
	}

	return f.Sync()
}

// findClose returns the offset just past the last element of sending_records (or past "[" when
// the array is empty), where the next element is written.
func findClose(f io.ReaderAt, size int64) (offset int64, empty bool, err error) {
	start := size - tailWindow
	if start < 0 {
		start = 0
	}

	tail := make([]byte, size-start)
	if _, err = f.ReadAt(tail, start); err != nil && !errors.Is(err, io.EOF) {
		return
	}

	i := skipSpaceBack(tail, len(tail)-1)
	if i < 0 || tail[i] != '}' {
		err = fmt.Errorf("missing closing brace: %w", ErrCorrupted)
		return
	}

	i = skipSpaceBack(tail, i-1)
	if i < 0 || tail[i] != ']' {
		err = fmt.Errorf("missing closing bracket: %w", ErrCorrupted)
		return
	}

	prev := skipSpaceBack(tail, i-1)
	if prev < 0 {
		err = fmt.Errorf("no opening bracket: %w", ErrCorrupted)
		return
	}

	offset = start + int64(prev) + 1
	empty = tail[prev] == '['
	return
}

func skipSpaceBack(b []byte, i int) int {
	for i >= 0 && (b[i] == ' ' || b[i] == '\n' || b[i] == '\r' || b[i] == '\t') {
		i--
	}

	return i
}

func (r *JSON) recoverAndAppend(ctx context.Context, rec Record) error {
	records, err := r.ReadAll(ctx)
	if err != nil {
		return err
	}

	if err = csvutil.Copy(r.path, r.path+".damaged"); err != nil {
		return err
	}

	return r.writeAll(append(records, rec))
}

func (r *JSON) writeAll(records []Record) error {
	var buf bytes.Buffer
	buf.WriteString(openDoc)
	for i, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode history record: %w", err)
		}

		if i > 0 {
			buf.WriteString(",\n")
		}

		buf.Write(line)
	}

	buf.WriteString(closeDoc)
	return csvutil.WriteAtomic(r.path, buf.Bytes())
}

// ReadAll decodes the history. When the document is not valid JSON (a write was cut short) it
// falls back to decoding line by line and keeps every complete record.
func (r *JSON) ReadAll(ctx context.Context) ([]Record, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", r.path, err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}

	var doc document
	if err = json.Unmarshal(b, &doc); err == nil {
		return doc.SendingRecords, nil
	}

	ylog.Info(ctx, "history: document does not parse, recovering line by line",
		ylog.KV("path", r.path), ylog.KV("error", err))

	var records []Record
	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimSpace(line)
		line = bytes.TrimSuffix(line, []byte(","))
		line = bytes.TrimPrefix(line, []byte(`{"sending_records": [`))
		line = bytes.TrimPrefix(line, []byte(`{"sending_records":[`))
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var rec Record
		if json.Unmarshal(line, &rec) != nil || rec.CompanyID == 0 {
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

func (r *JSON) Sent(ctx context.Context, campaign string) (map[int]Record, error) {
	records, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int]Record, len(records))
	for _, rec := range records {
		if rec.Campaign == campaign {
			out[rec.CompanyID] = rec
		}
	}

	return out, nil
}

// Rewrite renumbers company ids, dropping records whose id has no mapping.
func (r *JSON) Rewrite(ctx context.Context, in InputRewrite) (out OutRewrite, err error) {
	if err = validator.Validate(in); err != nil {
		err = fmt.Errorf("rewrite history: %w", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.ReadAll(ctx)
	if err != nil {
		return
	}

	kept := records[:0]
	for _, rec := range records {
		newID, ok := in.Mapping[rec.CompanyID]
		if !ok {
			out.Dropped++
			continue
		}

		rec.CompanyID = newID
		kept = append(kept, rec)
	}

	out.Kept = len(kept)
	if err = r.writeAll(kept); err != nil {
		err = fmt.Errorf("rewrite history %s: %w", r.path, err)
	}

	return
}
