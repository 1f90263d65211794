package security

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	secretKeyPattern     = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlUserinfoPattern   = regexp.MustCompile(`(?i)\b(wss?|https?)://[^\s/@]+@`)
)

// RedactPayload masks credential-looking values in free text such as
// bridge error messages before they reach the operator log or the store.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlUserinfoPattern.ReplaceAllString(out, `${1}://[REDACTED]@`)
	return out
}

// RedactEndpoint renders a bridge endpoint for display: userinfo is
// masked and secret-looking query parameters lose their values.
func RedactEndpoint(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return RedactPayload(trimmed)
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if secretKeyPattern.MatchString(key) {
				q.Set(key, "REDACTED")
			}
		}
		u.RawQuery = q.Encode()
	}
	out, _ := url.PathUnescape(u.String())
	if out == "" {
		return u.String()
	}
	return out
}
