package rag

import (
	"regexp"
	"strings"
	"unicode"
)

// Redaction patterns, applied to model output after synthesis. The model sees
// decrypted notes and can echo identifiers back; these keep the obvious ones
// out of answers and cache entries. Phones go first: an undashed Israeli
// landline is nine digits and would otherwise be half-eaten by the id rule.
var (
	phonePattern = regexp.MustCompile(`\b0\d{1,2}-?\d{7,8}\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	idPattern    = regexp.MustCompile(`\b\d{9}\b`)
)

// FilterOutput bounds the answer to roughly maxTokens (approximated by word
// count) and redacts personal identifiers.
func FilterOutput(answer string, maxTokens int) string {
	return Redact(truncateWords(answer, maxTokens))
}

// Redact masks phone numbers, email addresses and nine-digit identifiers.
func Redact(s string) string {
	s = phonePattern.ReplaceAllString(s, "[PHONE]")
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = idPattern.ReplaceAllString(s, "[ID]")
	return s
}

// truncateWords cuts the text after max words, preserving the original
// whitespace of everything kept.
func truncateWords(s string, max int) string {
	if max <= 0 {
		return s
	}
	inWord := false
	words := 0
	for i, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			words++
			if words > max {
				return strings.TrimRightFunc(s[:i], unicode.IsSpace)
			}
		}
	}
	return s
}
