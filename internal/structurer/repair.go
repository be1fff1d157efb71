package structurer

import "regexp"

var (
	// `{ key:` or `, key:` with the opening quote missing.
	unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	// `,}` and `,]`.
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
)

// repairJSON fixes the two malformations Gemini replies actually produce:
// unquoted object keys and trailing commas. Anything else still fails
// parsing and triggers a retry.
func repairJSON(s string) string {
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	s = trailingCommaRe.ReplaceAllString(s, `$1`)
	return s
}
