package services

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeEmail trims and case-folds an email so that case variants match
// the same contacts. A Caser is stateful, so one is built per call.
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(s)
}

// NormalizePhone trims surrounding whitespace. Phone numbers are otherwise
// matched exactly as submitted.
func NormalizePhone(s string) string {
	return strings.TrimSpace(s)
}
