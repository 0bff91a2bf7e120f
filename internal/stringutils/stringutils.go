package stringutils

import "strings"

// HiddenValue replaces secrets in output.
const HiddenValue = "**hidden**"

// IndentString prefixes each line of the string with indent.
func IndentString(str, indent string) string {
	spl := strings.SplitAfter(str, "\n")
	return strings.Join(append([]string{""}, spl...), indent)
}

// Hide returns HiddenValue if s is not empty, otherwise an empty string.
func Hide(s string) string {
	if s == "" {
		return ""
	}

	return HiddenValue
}

// Redact replaces all occurrences of the non-empty secrets in s with
// HiddenValue.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, HiddenValue)
		}
	}

	return s
}
