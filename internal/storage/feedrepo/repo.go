// Package feedrepo reads the unsubscribe form export: a CSV with one row per submission.
package feedrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/pkg/csvutil"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

// Entry is one feed submission as written by the form. Timestamp is kept raw; its format is
// whatever the spreadsheet produced.
type Entry struct {
	Timestamp   string
	Email       string
	Reason      string
	CompanyName string
	Source      string
}

type Repo interface {
	Read(ctx context.Context) ([]Entry, error)
}

var headerAliases = map[string][]string{
	"timestamp": {"タイムスタンプ", "timestamp", "日時", "送信日時"},
	"email":     {"メールアドレス", "email", "email address", "e-mail"},
	"reason":    {"理由", "配信停止理由", "reason"},
	"company":   {"企業名", "会社名", "company"},
}

type CSVConfig struct {
	Path   string `validate:"required"`
	Source string `validate:"-"`
}

type CSV struct {
	cfg CSVConfig
}

var _ Repo = (*CSV)(nil)

func NewCSV(cfg CSVConfig) (*CSV, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("unsubscribe feed config: %w", err)
	}

	if cfg.Source == "" {
		cfg.Source = "form"
	}

	return &CSV{cfg: cfg}, nil
}

func (r *CSV) Read(ctx context.Context) ([]Entry, error) {
	table, err := csvutil.ReadFile(r.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read unsubscribe feed: %w", err)
	}

	if table.Truncated {
		ylog.Info(ctx, "feed: export has a damaged tail, reading the intact rows", ylog.KV("path", r.cfg.Path))
	}

	cols := map[string]int{}
	for i, h := range table.Header {
		name := strings.ToLower(strings.TrimSpace(h))
		for key, aliases := range headerAliases {
			if _, ok := cols[key]; ok {
				continue
			}

			for _, alias := range aliases {
				if name == alias {
					cols[key] = i
				}
			}
		}
	}

	emailCol, ok := cols["email"]
	if !ok && len(table.Header) > 0 {
		return nil, fmt.Errorf("unsubscribe feed %s has no address column", r.cfg.Path)
	}

	cell := func(row []string, key string) string {
		i, ok := cols[key]
		if !ok || i >= len(row) {
			return ""
		}

		return strings.TrimSpace(row[i])
	}

	out := make([]Entry, 0, len(table.Rows))
	for _, row := range table.Rows {
		if emailCol >= len(row) || strings.TrimSpace(row[emailCol]) == "" {
			continue
		}

		out = append(out, Entry{
			Timestamp:   cell(row, "timestamp"),
			Email:       cell(row, "email"),
			Reason:      cell(row, "reason"),
			CompanyName: cell(row, "company"),
			Source:      r.cfg.Source,
		})
	}

	return out, nil
}
