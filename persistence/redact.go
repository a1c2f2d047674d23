package persistence

import "regexp"

var redactions = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|password|passwd)\b(\s*[:=]\s*)("[^"]*"|\S+)`), `$1$2[REDACTED]`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/-]+=*`), `Bearer [REDACTED]`},
	{regexp.MustCompile(`\b(?:sk|pk|ghp|gho|xox[abp])[-_][A-Za-z0-9_-]{10,}\b`), `[REDACTED_KEY]`},
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), `[REDACTED_CARD]`},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), `[REDACTED_EMAIL]`},
}

// Redact masks credentials, card numbers and email addresses in free text
// before it is written to an event log.
func Redact(text string) string {
	for _, r := range redactions {
		text = r.pattern.ReplaceAllString(text, r.replace)
	}
	return text
}
