package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Attempt is one decision of the send pipeline for one company in one campaign.
type Attempt struct {
	CompanyID   int
	CompanyName string
	Address     string
	JobTitle    string
	SentAt      time.Time
	Outcome     Outcome
	TrackingID  string
	Subject     string
	Campaign    string
}

// IsSuccess is true for an accepted submission.
func (a Attempt) IsSuccess() bool {
	return a.Outcome != nil && a.Outcome.Status() == StatusSuccess
}

// TimeLayout is how timestamps are written into the CSV files (local time).
const TimeLayout = "2006-01-02 15:04:05"

// ParseTime accepts TimeLayout as well as RFC 3339. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	if t, err := time.ParseInLocation(TimeLayout, s, time.Local); err == nil {
		return t, nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006/01/02 15:04:05", "2006/01/02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// FormatTime writes t in TimeLayout, or empty for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Local().Format(TimeLayout)
}

const maxSlugLen = 32

// NewTrackingID returns "<id>_<addr-slug>_<yyyymmddHHMMSS>_<8hex>".
func NewTrackingID(companyID int, address string, now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		ns := now.Nanosecond()
		b = []byte{byte(ns >> 24), byte(ns >> 16), byte(ns >> 8), byte(ns)}
	}

	return fmt.Sprintf("%d_%s_%s_%s", companyID, AddressSlug(address), now.Local().Format("20060102150405"), hex.EncodeToString(b))
}

// AddressSlug reduces an address to lowercase letters, digits and single dashes.
func AddressSlug(address string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(address)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
			dash = false
			continue
		}

		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}

	slug := strings.Trim(sb.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}

	if slug == "" {
		return "none"
	}

	return slug
}
