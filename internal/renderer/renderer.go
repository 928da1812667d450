// Package renderer turns a company record into the subject, plain-text and HTML parts of a
// campaign message. Templates are liquid; the body is markdown converted with goldmark.
package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

const (
	SubjectFile  = "subject.liquid"
	BodyFile     = "body.md.liquid"
	TextBodyFile = "body.txt.liquid"
)

// Vars are the per-attempt values that are not part of the company record.
type Vars struct {
	Campaign       string
	Address        string
	TrackingID     string
	UnsubscribeURL string
}

type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type Renderer interface {
	Render(ctx context.Context, c model.Company, vars Vars) (Rendered, error)
}

type Config struct {
	TemplateDir string `validate:"required"`
}

type Liquid struct {
	subject *liquid.Template
	body    *liquid.Template
	text    *liquid.Template
	md      goldmark.Markdown
}

var _ Renderer = (*Liquid)(nil)

// NewLiquid parses the templates of one campaign directory. body.txt.liquid is optional; without it
// the rendered markdown source is the plain-text part.
func NewLiquid(cfg Config) (*Liquid, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("renderer config: %w", err)
	}

	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}

		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return defaultVal
		}

		return value
	})

	parse := func(name string, required bool) (*liquid.Template, error) {
		src, err := os.ReadFile(filepath.Join(cfg.TemplateDir, name))
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}

		tpl, sErr := engine.ParseString(string(src))
		if sErr != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, sErr)
		}

		return tpl, nil
	}

	r := &Liquid{
		md: goldmark.New(
			goldmark.WithRendererOptions(
				goldmarkHTML.WithHardWraps(),
			),
		),
	}

	var err error
	if r.subject, err = parse(SubjectFile, true); err != nil {
		return nil, err
	}

	if r.body, err = parse(BodyFile, true); err != nil {
		return nil, err
	}

	if r.text, err = parse(TextBodyFile, false); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Liquid) Render(ctx context.Context, c model.Company, vars Vars) (Rendered, error) {
	bindings := map[string]interface{}{
		"company_id":      c.ID,
		"company_name":    c.Name,
		"website":         c.Website,
		"job_title":       c.JobTitle,
		"job_titles":      c.JobTitles(),
		"address":         vars.Address,
		"campaign":        vars.Campaign,
		"tracking_id":     vars.TrackingID,
		"unsubscribe_url": vars.UnsubscribeURL,
	}

	subject, sErr := r.subject.RenderString(bindings)
	if sErr != nil {
		return Rendered{}, fmt.Errorf("render subject for company %d: %w", c.ID, sErr)
	}

	body, sErr := r.body.RenderString(bindings)
	if sErr != nil {
		return Rendered{}, fmt.Errorf("render body for company %d: %w", c.ID, sErr)
	}

	text := body
	if r.text != nil {
		text, sErr = r.text.RenderString(bindings)
		if sErr != nil {
			return Rendered{}, fmt.Errorf("render text body for company %d: %w", c.ID, sErr)
		}
	}

	var html bytes.Buffer
	if err := r.md.Convert([]byte(body), &html); err != nil {
		return Rendered{}, fmt.Errorf("convert markdown for company %d: %w", c.ID, err)
	}

	// a subject is a single header line
	subject = strings.Join(strings.Fields(subject), " ")
	if subject == "" {
		return Rendered{}, fmt.Errorf("render subject for company %d: empty subject", c.ID)
	}

	return Rendered{
		Subject: subject,
		Text:    strings.TrimSpace(text) + "\n",
		HTML:    html.String(),
	}, nil
}
