package attemptrepo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

const (
	colCompanyID = iota
	colCompanyName
	colAddress
	colJobTitle
	colSentAt
	colStatus
	colTrackingID
	colSubject
	colMessage
	colCampaign
)

func field(row []string, col int) string {
	if col >= len(row) {
		return ""
	}

	return strings.TrimSpace(row[col])
}

func decode(row []string) (a model.Attempt, err error) {
	if len(row) < colCampaign {
		err = fmt.Errorf("expected at least %d columns, got %d", colCampaign, len(row))
		return
	}

	a.CompanyID, err = strconv.Atoi(field(row, colCompanyID))
	if err != nil {
		err = fmt.Errorf("invalid company id %q", field(row, colCompanyID))
		return
	}

	a.CompanyName = field(row, colCompanyName)
	a.Address = field(row, colAddress)
	a.JobTitle = field(row, colJobTitle)
	a.TrackingID = field(row, colTrackingID)
	a.Subject = field(row, colSubject)
	a.Campaign = field(row, colCampaign)

	if a.SentAt, err = model.ParseTime(field(row, colSentAt)); err != nil {
		return
	}

	// the message column keeps SMTP text verbatim, including surrounding space
	var msg string
	if colMessage < len(row) {
		msg = row[colMessage]
	}

	a.Outcome, err = model.ParseOutcome(field(row, colStatus), msg)
	return
}

func encode(a model.Attempt) []string {
	status, msg := "", ""
	if a.Outcome != nil {
		status, msg = string(a.Outcome.Status()), a.Outcome.Message()
	}

	return []string{
		strconv.Itoa(a.CompanyID),
		a.CompanyName,
		a.Address,
		a.JobTitle,
		model.FormatTime(a.SentAt),
		status,
		a.TrackingID,
		a.Subject,
		msg,
		a.Campaign,
	}
}
