// Package masking redacts customer identifiers before they reach model
// prompts and derives display names from email-style user ids.
package masking

import (
	"strings"
	"unicode"
)

// MaskEmail returns a redacted form of email safe to include in prompt
// context. The address passes through unchanged when the user already typed
// it verbatim in their query; masking it then would only confuse the model.
func MaskEmail(email, query string) string {
	if email == "" {
		return email
	}
	if query != "" && strings.Contains(strings.ToLower(query), strings.ToLower(email)) {
		return email
	}
	if !strings.Contains(email, "@") {
		return "***"
	}
	local, domain, _ := strings.Cut(email, "@")
	masked := "***"
	if local != "" {
		masked = string([]rune(local)[0]) + "***"
	}
	if idx := strings.LastIndex(domain, "."); idx >= 0 {
		return masked + "@***." + domain[idx+1:]
	}
	return masked + "@***"
}

// DeriveName splits the local part of a user id on common separators and
// returns title-cased (first, last) tokens. A single token yields an empty
// last name; an empty local part yields empty strings.
func DeriveName(userID string) (first, last string) {
	local, _, _ := strings.Cut(userID, "@")
	tokens := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(tokens) == 0 {
		return "", ""
	}
	first = titleCase(tokens[0])
	if len(tokens) > 1 {
		last = titleCase(tokens[len(tokens)-1])
	}
	return first, last
}

func titleCase(s string) string {
	runes := []rune(strings.ToLower(s))
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}
