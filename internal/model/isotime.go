package model

import (
	"fmt"
	"strings"
	"time"
)

// ISOTime is an ISO-8601 timestamp written in local time with its zone offset.
// Reading also accepts values without a zone, which are taken as local time.
type ISOTime time.Time

const isoLocal = "2006-01-02T15:04:05.000000-07:00"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t ISOTime) Time() time.Time {
	return time.Time(t)
}

func (t ISOTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte(`""`), nil
	}

	return []byte(`"` + time.Time(t).Local().Format(isoLocal) + `"`), nil
}

func (t *ISOTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = ISOTime{}
		return nil
	}

	for _, layout := range isoLayouts {
		if v, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*t = ISOTime(v)
			return nil
		}
	}

	return fmt.Errorf("invalid ISO-8601 time %q", s)
}
