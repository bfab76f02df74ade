// Package policy scrubs backend payloads before they reach logs or clients.
package policy

import (
	"fmt"
	"regexp"

	"github.com/dustin/go-humanize"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`)
	keyPattern    = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
	keyField      = regexp.MustCompile(`(?i)("(?:api[_-]?key|token|authorization)"\s*:\s*")[^"]*(")`)
	blobPattern   = regexp.MustCompile(`[A-Za-z0-9+/]{256,}={0,2}`)
)

// RedactSecrets masks credentials and collapses inline base64 payloads.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = keyField.ReplaceAllString(out, "${1}[REDACTED]${2}")
	changed = changed || next != out
	out = next

	next = keyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	// Image and audio payloads echoed back in errors are noise, not diagnostics.
	next = blobPattern.ReplaceAllStringFunc(out, func(blob string) string {
		return fmt.Sprintf("[BASE64 %s]", humanize.Bytes(uint64(len(blob))*3/4))
	})
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change flag.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}
