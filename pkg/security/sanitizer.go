// Package security implements the error-sanitization boundary: no
// connection string, API-key-shaped token, or credential pair may leave the
// engine in an error message, log line, or AI-generated merge candidate.
package security

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Redaction markers substituted for matched secrets.
const (
	CredentialsRedacted = "[CREDENTIALS_REDACTED]"
	APIKeyRedacted      = "[API_KEY_REDACTED]"
)

// SecretPattern pairs a detection regexp with its replacement marker. The
// capture group named value, when present, is what a secret screen treats
// as the literal secret.
type SecretPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Sanitizer rewrites secret-shaped substrings in strings and errors.
type Sanitizer struct {
	patterns []SecretPattern
}

// DefaultPatterns returns the built-in secret-pattern set. Deployments can
// extend it through configuration.
func DefaultPatterns() []SecretPattern {
	return []SecretPattern{
		// Connection strings with embedded credentials
		{regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^:/\s]+:[^@\s]+@[^\s]*`), CredentialsRedacted},
		// API keys
		{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']?(?P<value>[^"'\s]+)["']?`), APIKeyRedacted},
		// Tokens and secrets
		{regexp.MustCompile(`(?i)(secret|token|access[_-]?token|refresh[_-]?token|private[_-]?key)\s*[:=]\s*["']?(?P<value>[^"'\s]+)["']?`), CredentialsRedacted},
		// Credential pairs
		{regexp.MustCompile(`(?i)(password|passwd|pwd|credentials?)\s*[:=]\s*["']?(?P<value>[^"'\s]+)["']?`), CredentialsRedacted},
		// Authorization headers
		{regexp.MustCompile(`(?i)(Bearer|Basic)\s+[A-Za-z0-9+/=_.-]+`), CredentialsRedacted},
	}
}

// NewSanitizer creates a sanitizer with the default pattern set.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{patterns: DefaultPatterns()}
}

// NewSanitizerWithPatterns creates a sanitizer with a custom pattern set
// appended to the defaults.
func NewSanitizerWithPatterns(extra []SecretPattern) *Sanitizer {
	return &Sanitizer{patterns: append(DefaultPatterns(), extra...)}
}

// CompilePatterns compiles configured expressions into secret patterns.
// Matches are redacted with the credentials marker; a capture group named
// value marks the literal secret for screening.
func CompilePatterns(exprs []string) ([]SecretPattern, error) {
	patterns := make([]SecretPattern, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid secret pattern %q", expr)
		}
		patterns = append(patterns, SecretPattern{Pattern: re, Replacement: CredentialsRedacted})
	}
	return patterns, nil
}

// SanitizeString replaces each secret-shaped substring with its marker.
func (s *Sanitizer) SanitizeString(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.Pattern.ReplaceAllString(result, p.Replacement)
	}
	return result
}

// SanitizeError rewrites an error's message through the pattern set. The
// original error chain is not preserved: a wrapped cause could re-expose
// the secret through Unwrap.
func (s *Sanitizer) SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	sanitized := s.SanitizeString(err.Error())
	if sanitized == err.Error() {
		return err
	}
	return errors.New(sanitized)
}

// ExtractSecrets returns the literal secret values present in content, for
// screening generated text against verbatim reappearance.
func (s *Sanitizer) ExtractSecrets(content string) []string {
	var out []string
	for _, p := range s.patterns {
		idx := valueGroupIndex(p.Pattern)
		for _, match := range p.Pattern.FindAllStringSubmatch(content, -1) {
			if idx > 0 && idx < len(match) && match[idx] != "" {
				out = append(out, match[idx])
			} else if idx < 0 {
				out = append(out, match[0])
			}
		}
	}
	return out
}

// ContainsSecretFrom reports whether candidate contains, verbatim, any
// secret value extractable from the given sources.
func (s *Sanitizer) ContainsSecretFrom(candidate string, sources ...string) bool {
	for _, src := range sources {
		for _, secret := range s.ExtractSecrets(src) {
			if secret != "" && containsString(candidate, secret) {
				return true
			}
		}
	}
	return false
}

func valueGroupIndex(re *regexp.Regexp) int {
	for i, name := range re.SubexpNames() {
		if name == "value" {
			return i
		}
	}
	return -1
}

func containsString(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}
