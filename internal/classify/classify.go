// Package classify holds the single rule set shared by the send pipeline (SMTP replies) and the
// bounce ingestor (notification bodies), so both sides agree on what a permanent bounce is.
package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

// ReasonBadSyntax is reported for addresses rejected by the syntactic denylist.
const ReasonBadSyntax = "bad recipient syntax"

const maxReasonLen = 300

// Result is the verdict for one reply or notification.
type Result struct {
	Kind   model.BounceState
	Reason string
}

var (
	permanentText = []*regexp.Regexp{
		regexp.MustCompile(`(?i)user\s+unknown`),
		regexp.MustCompile(`(?i)no\s+such\s+user`),
		regexp.MustCompile(`(?i)mailbox\s+unavailable`),
		regexp.MustCompile(`(?i)address\s+rejected`),
		regexp.MustCompile(`(?i)bad\s+recipient`),
		regexp.MustCompile(`(?i)does\s+not\s+exist`),
		regexp.MustCompile(`(?i)unknown\s+(?:recipient|user|mailbox)`),
		regexp.MustCompile(`(?i)recipient\s+address\s+rejected`),
		regexp.MustCompile(`存在しません`),
	}

	permanentCodes = []*regexp.Regexp{
		regexp.MustCompile(`\b55[0134]\b`),
		regexp.MustCompile(`\b5\.1\.[0-3]\b`),
	}

	temporaryText = []*regexp.Regexp{
		regexp.MustCompile(`(?i)mailbox\s+(?:is\s+)?full`),
		regexp.MustCompile(`(?i)over\s+quota|quota\s+exceeded`),
		regexp.MustCompile(`(?i)try\s+again\s+later`),
		regexp.MustCompile(`(?i)temporar(?:y|ily)`),
		regexp.MustCompile(`(?i)deferred|greylist`),
	}

	temporaryCodes = []*regexp.Regexp{
		regexp.MustCompile(`\b4[0-9]{2}\b`),
		regexp.MustCompile(`\b4\.[0-9]\.[0-9]{1,3}\b`),
	}

	permanentPatterns = append(append([]*regexp.Regexp{}, permanentText...), permanentCodes...)

	headerField     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:`)
	diagnosticField = regexp.MustCompile(`(?i)^(?:status|diagnostic-code):`)
)

// SMTPReply classifies a reply to RCPT or DATA.
// 4xx is temporary. 5xx is permanent when the text or code names a dead mailbox, else unknown.
// Anything else is not a bounce and yields BounceNone.
func SMTPReply(code int, message string) Result {
	reason := strings.TrimSpace(message)
	switch {
	case code >= 400 && code < 500:
		return Result{Kind: model.BounceTemporary, Reason: reason}

	case code >= 500 && code < 600:
		switch code {
		case 550, 551, 553, 554:
			return Result{Kind: model.BouncePermanent, Reason: reason}
		}

		if _, ok := match(permanentPatterns, message); ok {
			return Result{Kind: model.BouncePermanent, Reason: reason}
		}

		return Result{Kind: model.BounceUnknown, Reason: reason}
	}

	return Result{Kind: model.BounceNone, Reason: reason}
}

// Bounce classifies a bounce notification body for the failed address addr.
// An address caught by the denylist is always permanent with ReasonBadSyntax.
// Phrases are searched in the whole body. Bare reply codes only count on the DSN Status and
// Diagnostic-Code fields, in the first human-readable paragraph and on lines naming addr, so
// numbers in Received headers or timestamps do not decide the verdict.
func Bounce(body, addr string) Result {
	if bad, reason := Denylisted(addr); bad {
		return Result{Kind: model.BouncePermanent, Reason: reason}
	}

	diagnostic := diagnosticText(body, addr)

	if line, ok := match(permanentText, body); ok {
		return Result{Kind: model.BouncePermanent, Reason: line}
	}

	if line, ok := match(permanentCodes, diagnostic); ok {
		return Result{Kind: model.BouncePermanent, Reason: line}
	}

	if line, ok := match(temporaryText, body); ok {
		return Result{Kind: model.BounceTemporary, Reason: line}
	}

	if line, ok := match(temporaryCodes, diagnostic); ok {
		return Result{Kind: model.BounceTemporary, Reason: line}
	}

	return Result{Kind: model.BounceUnknown, Reason: firstLine(body)}
}

// diagnosticText keeps the lines of body where a reply code is meaningful: Status and
// Diagnostic-Code fields with their folded continuations, the first paragraph that is not a
// header block, and any other non-header line mentioning addr.
func diagnosticText(body, addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))

	const (
		fieldNone = iota
		fieldDiagnostic
		fieldOther
	)

	var out []string
	field := fieldNone
	firstPara, seenProse := true, false

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRight(raw, "\r")
		text := strings.TrimSpace(line)

		switch {
		case text == "":
			field = fieldNone
			if seenProse {
				firstPara = false
			}
			continue

		case field != fieldNone && (line[0] == ' ' || line[0] == '\t'):
			if field == fieldDiagnostic {
				out = append(out, text)
			}
			continue

		case diagnosticField.MatchString(text):
			field = fieldDiagnostic
			out = append(out, text)
			continue

		case headerField.MatchString(text):
			field = fieldOther
			continue
		}

		field = fieldNone
		seenProse = true
		if firstPara || (addr != "" && strings.Contains(strings.ToLower(text), addr)) {
			out = append(out, text)
		}
	}

	return strings.Join(out, "\n")
}

// match returns the trimmed line holding the first pattern hit.
func match(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, p := range patterns {
		loc := p.FindStringIndex(text)
		if loc == nil {
			continue
		}

		start := strings.LastIndexByte(text[:loc[0]], '\n') + 1
		end := strings.IndexByte(text[loc[1]:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += loc[1]
		}

		return clip(strings.TrimSpace(text[start:end])), true
	}

	return "", false
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return clip(line)
		}
	}

	return ""
}

func clip(s string) string {
	if len(s) <= maxReasonLen {
		return s
	}

	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
