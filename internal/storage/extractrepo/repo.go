// Package extractrepo reads the address extraction results produced by the website scraper.
// The file is keyed by company id; the engine only reads it, except for renumbering.
package extractrepo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

var Header = []string{"企業ID", "メールアドレス"}

type Repo interface {
	// Addresses returns the first usable extracted address per company id.
	Addresses(ctx context.Context) (map[int]string, error)
	Rewrite(ctx context.Context, mapping map[int]int) (kept, dropped int, err error)
}

type CSVConfig struct {
	Path string `validate:"required"`
}

type CSV struct {
	path string
}

var _ Repo = (*CSV)(nil)

func NewCSV(cfg CSVConfig) (*CSV, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("extraction repo config: %w", err)
	}

	return &CSV{path: cfg.Path}, nil
}

func (r *CSV) Addresses(ctx context.Context) (map[int]string, error) {
	table, err := csvutil.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read extraction results: %w", err)
	}

	idCol, addrCol := columns(table.Header)
	out := make(map[int]string, len(table.Rows))
	for _, row := range table.Rows {
		if idCol >= len(row) || addrCol >= len(row) {
			continue
		}

		id, err := strconv.Atoi(strings.TrimSpace(row[idCol]))
		if err != nil {
			continue
		}

		if _, ok := out[id]; ok {
			continue
		}

		if addr := firstAddress(row[addrCol]); addr != "" {
			out[id] = addr
		}
	}

	ylog.Debug(ctx, "extraction results loaded", ylog.KV("companies", len(out)))
	return out, nil
}

// Rewrite renumbers the id column with mapping, dropping rows whose id is not mapped.
func (r *CSV) Rewrite(ctx context.Context, mapping map[int]int) (kept, dropped int, err error) {
	return RewriteIDColumn(ctx, r.path, "企業ID", mapping)
}

// RewriteIDColumn renumbers an id keyed CSV in place. The id column is found by name, falling
// back to the first column. A missing file is left alone.
func RewriteIDColumn(ctx context.Context, path, column string, mapping map[int]int) (kept, dropped int, err error) {
	table, err := csvutil.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", path, err)
	}

	if table.Header == nil {
		return 0, 0, nil
	}

	col := 0
	for i, h := range table.Header {
		if strings.TrimSpace(h) == column {
			col = i
			break
		}
	}

	rows := table.Rows[:0]
	for _, row := range table.Rows {
		if col >= len(row) {
			dropped++
			continue
		}

		oldID, convErr := strconv.Atoi(strings.TrimSpace(row[col]))
		newID, ok := mapping[oldID]
		if convErr != nil || !ok {
			dropped++
			continue
		}

		row[col] = strconv.Itoa(newID)
		rows = append(rows, row)
	}

	if err = csvutil.WriteFileAtomic(path, table.Header, rows); err != nil {
		return 0, 0, err
	}

	ylog.Info(ctx, "id column rewritten", ylog.KV("path", path), ylog.KV("kept", len(rows)), ylog.KV("dropped", dropped))
	return len(rows), dropped, nil
}

func columns(header []string) (idCol, addrCol int) {
	idCol, addrCol = 0, 1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "企業ID", "ID", "company_id":
			idCol = i
		case "メールアドレス", "email", "抽出メールアドレス":
			addrCol = i
		}
	}

	return
}

func firstAddress(cell string) string {
	for _, part := range strings.FieldsFunc(cell, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\n' || r == '、'
	}) {
		part = strings.TrimSpace(part)
		if strings.Count(part, "@") == 1 {
			return strings.ToLower(part)
		}
	}

	return ""
}
