package classify

import (
	"regexp"
	"strings"
)

const addrPattern = `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}(?::[0-9]+)?`

var (
	extractPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)final-recipient:\s*rfc822;\s*<?(` + addrPattern + `)`),
		regexp.MustCompile(`(?i)the following address\(es\) failed:\s*<?(` + addrPattern + `)`),
		regexp.MustCompile(`(?i)<(` + addrPattern + `)>[^\n]*failed`),
		regexp.MustCompile(`(?i)user unknown[^\n]*<(` + addrPattern + `)>`),
		regexp.MustCompile(`(?i)mailbox unavailable[^\n]*<(` + addrPattern + `)>`),
	}

	bareAddress = regexp.MustCompile(addrPattern)

	portSuffix = regexp.MustCompile(`@[^@\s]*:[0-9]+$`)
)

// daemonLocals are local parts of bounce senders; they are never the failed recipient.
var daemonLocals = map[string]bool{
	"mailer-daemon": true,
	"postmaster":    true,
	"no-reply":      true,
	"noreply":       true,
}

// ExtractAddresses finds the failed recipients in a bounce body.
// The structured patterns win; the bare address scan is the fallback and skips own and daemon
// addresses. Results are lowercased and unique, in order of appearance.
func ExtractAddresses(body string, own []string) []string {
	skip := make(map[string]bool, len(own))
	for _, a := range own {
		skip[strings.ToLower(strings.TrimSpace(a))] = true
	}

	var out []string
	seen := map[string]bool{}
	add := func(a string) {
		a = strings.ToLower(strings.Trim(a, ".<> "))
		if a == "" || seen[a] || skip[a] {
			return
		}

		local, _, _ := strings.Cut(a, "@")
		if daemonLocals[local] {
			return
		}

		seen[a] = true
		out = append(out, a)
	}

	for _, p := range extractPatterns {
		for _, m := range p.FindAllStringSubmatch(body, -1) {
			add(m[1])
		}
	}

	if len(out) > 0 {
		return out
	}

	for _, a := range bareAddress.FindAllString(body, -1) {
		add(a)
	}

	return out
}

// Denylisted applies the syntactic denylist: hosts starting with "www.", a port suffix, and
// addresses that are not a single local@domain pair.
func Denylisted(addr string) (bool, string) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if a == "" {
		return false, ""
	}

	local, domain, ok := strings.Cut(a, "@")
	switch {
	case !ok, local == "", domain == "", strings.Contains(domain, "@"):
		return true, ReasonBadSyntax
	case strings.Contains(a, "@www."):
		return true, ReasonBadSyntax
	case portSuffix.MatchString(a):
		return true, ReasonBadSyntax
	case strings.ContainsAny(a, " \t,;/\\"):
		return true, ReasonBadSyntax
	case strings.Contains(domain, ".."), strings.HasPrefix(domain, "."), strings.HasSuffix(domain, "."):
		return true, ReasonBadSyntax
	case !strings.Contains(domain, "."):
		return true, ReasonBadSyntax
	}

	return false, ""
}
