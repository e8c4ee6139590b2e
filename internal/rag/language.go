package rag

import "unicode"

// Languages the pipeline localizes for. Anything that is not Hebrew is
// treated as English; therapists in the target market work in one of the two.
const (
	LangHebrew  = "he"
	LangEnglish = "en"
)

// hebrewRatioThreshold is the share of letters that must fall in the Hebrew
// block for a query to count as Hebrew. Mixed queries ("כאב גב lower back")
// lean Hebrew once a quarter of their letters do.
const hebrewRatioThreshold = 0.25

// DetectLanguage classifies a query as Hebrew or English by character ranges.
// Digits, punctuation and whitespace are ignored; only letters vote.
func DetectLanguage(text string) string {
	var hebrew, letters int
	for _, r := range text {
		if r >= 0x0590 && r <= 0x05FF {
			hebrew++
			letters++
			continue
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters == 0 {
		return LangEnglish
	}
	if float64(hebrew)/float64(letters) >= hebrewRatioThreshold {
		return LangHebrew
	}
	return LangEnglish
}
