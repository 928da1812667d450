package rosterrepo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

const (
	colID = iota
	colName
	colWebsite
	colAddress
	colJobTitle
	colBounceState
	colBouncedAt
	colBounceReason
	colUnsubscribed
	colUnsubscribedAt

	numColumns
)

// layout maps the logical columns to positions in a file's header.
type layout struct {
	header []string
	pos    [numColumns]int
}

func newLayout(header []string) layout {
	if len(header) == 0 {
		header = append([]string(nil), Header...)
	}

	l := layout{header: header}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}

	for i, name := range Header {
		if p, ok := index[name]; ok {
			l.pos[i] = p
			continue
		}

		l.pos[i] = -1
	}

	// columns missing from an older file are added at the end
	for i := range l.pos {
		if l.pos[i] < 0 {
			l.pos[i] = len(l.header)
			l.header = append(l.header, Header[i])
		}
	}

	return l
}

func (l layout) get(row []string, col int) string {
	p := l.pos[col]
	if p >= len(row) {
		return ""
	}

	return strings.TrimSpace(row[p])
}

func (l layout) decode(row []string) (c model.Company, err error) {
	raw := l.get(row, colID)
	c.ID, err = strconv.Atoi(raw)
	if err != nil || c.ID <= 0 {
		err = fmt.Errorf("invalid id %q", raw)
		return
	}

	c.Name = l.get(row, colName)
	c.Website = l.get(row, colWebsite)
	c.Address = l.get(row, colAddress)
	c.JobTitle = model.NormalizeJobTitle(l.get(row, colJobTitle))
	c.BounceState = model.ParseBounceState(l.get(row, colBounceState))
	c.BounceReason = l.get(row, colBounceReason)
	c.Unsubscribed = parseFlag(l.get(row, colUnsubscribed))

	if c.BouncedAt, err = model.ParseTime(l.get(row, colBouncedAt)); err != nil {
		err = fmt.Errorf("company %d bounce time: %w", c.ID, err)
		return
	}

	if c.UnsubscribedAt, err = model.ParseTime(l.get(row, colUnsubscribedAt)); err != nil {
		err = fmt.Errorf("company %d unsubscribe time: %w", c.ID, err)
		return
	}

	return
}

// encode writes c into row, keeping any column this package does not own.
func (l layout) encode(row []string, c model.Company) []string {
	if len(row) < len(l.header) {
		row = append(row, make([]string, len(l.header)-len(row))...)
	}

	state := ""
	if c.BounceState != model.BounceNone && c.BounceState != "" {
		state = string(c.BounceState)
	}

	unsub := ""
	if c.Unsubscribed {
		unsub = "1"
	}

	row[l.pos[colID]] = strconv.Itoa(c.ID)
	row[l.pos[colName]] = c.Name
	row[l.pos[colWebsite]] = c.Website
	row[l.pos[colAddress]] = c.Address
	row[l.pos[colJobTitle]] = c.JobTitle
	row[l.pos[colBounceState]] = state
	row[l.pos[colBouncedAt]] = model.FormatTime(c.BouncedAt)
	row[l.pos[colBounceReason]] = c.BounceReason
	row[l.pos[colUnsubscribed]] = unsub
	row[l.pos[colUnsubscribedAt]] = model.FormatTime(c.UnsubscribedAt)
	return row
}

func parseFlag(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "済", "配信停止", "停止":
		return true
	}

	return false
}
