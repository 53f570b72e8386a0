package media

import (
	"net/url"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// Redactor removes secret-bearing substrings from process output before it
// reaches logs or the event stream.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a redactor from literal secret values. Empty and very
// short values are skipped so that redaction never mangles ordinary output.
func NewRedactor(secrets ...string) *Redactor {
	filtered := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		trimmed := strings.TrimSpace(secret)
		if len(trimmed) >= 4 {
			filtered = append(filtered, trimmed)
		}
	}
	return &Redactor{secrets: filtered}
}

// IngestSecrets extracts the secret components of an ingest URL: the stream
// name/key path segment and any embedded userinfo password.
func IngestSecrets(ingestURL string) []string {
	secrets := []string{}
	parsed, err := url.Parse(strings.TrimSpace(ingestURL))
	if err != nil || parsed == nil {
		return secrets
	}
	if parsed.User != nil {
		if password, ok := parsed.User.Password(); ok {
			secrets = append(secrets, password)
		}
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) > 0 {
		if key := segments[len(segments)-1]; key != "" {
			secrets = append(secrets, key)
		}
	}
	return secrets
}

// Redact replaces every known secret in the line with a placeholder.
func (r *Redactor) Redact(line string) string {
	if r == nil {
		return line
	}
	for _, secret := range r.secrets {
		line = strings.ReplaceAll(line, secret, redactedPlaceholder)
	}
	return line
}
