package redact

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	authHeaderRe  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	bearerRe      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	apiKeyListRe  = regexp.MustCompile(`(?i)(api[_-]?keys?\s*[:=]\s*\[)([^\]]+)(\])`)
	apiKeyValueRe = regexp.MustCompile(`(?i)(api[_-]?key(?:s)?\s*[:=]\s*)([A-Za-z0-9._\-+/=]+)`)
	headerKeyRe   = regexp.MustCompile(`(?i)(x-api-key|x-harbour-key)\s*[:=]\s*([A-Za-z0-9._\-+/=]+)`)
	tokenishKeyRe = regexp.MustCompile(`(?i)(key|token|secret)\s*[:=]\s*([A-Za-z0-9._\-+/=]{6,})`)
	uinFieldRe    = regexp.MustCompile(`(?i)((?:^|[^A-Za-z0-9_])"?uin"?\s*[:=]\s*"?)([^\s",}]+)`)
	uinDigitsRe   = regexp.MustCompile(`\b\d{6,}\b`)
	emailRe       = regexp.MustCompile(`(?i)[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlRe         = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

// String redacts secrets and identity numbers from free-form strings.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = authHeaderRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyListRe.ReplaceAllString(out, "${1}REDACTED${3}")
	out = apiKeyValueRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = headerKeyRe.ReplaceAllString(out, "${1}=[REDACTED]")
	out = tokenishKeyRe.ReplaceAllStringFunc(out, func(s string) string {
		if strings.Contains(s, "[REDACTED]") {
			return s
		}
		matches := tokenishKeyRe.FindStringSubmatch(s)
		if len(matches) < 3 {
			return s
		}
		return matches[1] + "=[REDACTED]"
	})
	out = uinFieldRe.ReplaceAllString(out, "${1}[REDACTED_UIN]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = urlRe.ReplaceAllStringFunc(out, redactURL)
	out = redactDigitRuns(out)
	for strings.Contains(out, "[REDACTED][REDACTED]") {
		out = strings.ReplaceAll(out, "[REDACTED][REDACTED]", "[REDACTED]")
	}
	return out
}

// redactDigitRuns masks long digit runs except the fraction digits of a
// decimal number.
func redactDigitRuns(s string) string {
	locs := uinDigitsRe.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		if loc[0] > 0 && s[loc[0]-1] == '.' {
			continue
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString("[REDACTED_UIN]")
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Any formats the value with %+v and redacts secrets.
func Any(v any) string {
	return String(fmt.Sprintf("%+v", v))
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

func redactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[REDACTED_URL]"
	}

	host := u.Host
	if strings.HasSuffix(trimmed, "/") {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}

	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, host, base)
}
