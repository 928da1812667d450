package model

import (
	"strings"
	"time"
)

// BounceState is the delivery state of a company's address.
// It only ever moves forward: none -> unknown -> temporary -> permanent.
type BounceState string

const (
	BounceNone      BounceState = "none"
	BounceUnknown   BounceState = "unknown"
	BounceTemporary BounceState = "temporary"
	BouncePermanent BounceState = "permanent"
)

func (b BounceState) rank() int {
	switch b {
	case BouncePermanent:
		return 3
	case BounceTemporary:
		return 2
	case BounceUnknown:
		return 1
	default:
		return 0
	}
}

// Advances reports whether moving from b to next is a forward transition.
func (b BounceState) Advances(next BounceState) bool {
	return next.rank() > b.rank()
}

// ParseBounceState accepts the on-disk value. Empty and unrecognised values are BounceNone.
func ParseBounceState(s string) BounceState {
	switch BounceState(strings.ToLower(strings.TrimSpace(s))) {
	case BouncePermanent:
		return BouncePermanent
	case BounceTemporary:
		return BounceTemporary
	case BounceUnknown:
		return BounceUnknown
	default:
		return BounceNone
	}
}

// Company is one roster row.
type Company struct {
	ID             int
	Name           string
	Website        string
	Address        string
	JobTitle       string
	BounceState    BounceState
	BouncedAt      time.Time
	BounceReason   string
	Unsubscribed   bool
	UnsubscribedAt time.Time
}

// JobTitleSeparator is the canonical separator between job titles.
const JobTitleSeparator = "/"

// NormalizeJobTitle rewrites the legacy "・" separator to the canonical one.
func NormalizeJobTitle(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "・", JobTitleSeparator)
}

// JobTitles splits JobTitle into its individual titles.
func (c Company) JobTitles() []string {
	parts := strings.Split(NormalizeJobTitle(c.JobTitle), JobTitleSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// IsPlaceholderAddress reports whether the configured address means "no address".
func IsPlaceholderAddress(addr string) bool {
	switch strings.TrimSpace(addr) {
	case "", "-", "‐", "－", "—":
		return true
	}

	return false
}

// ConfiguredAddress returns the company's own address, or empty when it is a placeholder.
func (c Company) ConfiguredAddress() string {
	if IsPlaceholderAddress(c.Address) {
		return ""
	}

	return strings.TrimSpace(c.Address)
}
