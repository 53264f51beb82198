package langfuse

import "regexp"

const redactedMarker = "[REDACTED]"

// secretPatterns match credential shapes that routinely leak into tool
// output: API keys, cloud access keys, chat and VCS tokens, bearer headers,
// private key blocks, and inline password/api-key assignments.
var secretPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)sk-[a-zA-Z0-9-]{20,}`), redactedMarker},
	{regexp.MustCompile(`(?i)AKIA[A-Z0-9]{16}`), redactedMarker},
	{regexp.MustCompile(`(?i)xoxb-[a-zA-Z0-9-]+`), redactedMarker},
	{regexp.MustCompile(`(?i)Bearer [a-zA-Z0-9._-]+`), redactedMarker},
	{regexp.MustCompile(`(?i)-----BEGIN.*PRIVATE KEY-----`), redactedMarker},
	{regexp.MustCompile(`(?i)password[=:]\s*['"]?[^\s'"]+`), "password=" + redactedMarker},
	{regexp.MustCompile(`(?i)api[_-]?key[=:]\s*['"]?[a-zA-Z0-9-]+`), "api_key=" + redactedMarker},
	{regexp.MustCompile(`(?i)ghp_[a-zA-Z0-9]{36}`), redactedMarker},
	{regexp.MustCompile(`(?i)ghs_[a-zA-Z0-9]{36}`), redactedMarker},
	{regexp.MustCompile(`(?i)glpat-[a-zA-Z0-9-]{20,}`), redactedMarker},
}

// redactSecrets replaces credential-shaped substrings with a marker. It runs
// before truncation so a secret can never straddle the cut point and survive
// it in partial form.
func redactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}
