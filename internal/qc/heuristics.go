package qc

import (
	"regexp"
	"strings"
	"unicode"
)

// phonePattern matches North-American style numbers with optional country
// code and common separators, e.g. "(555) 123-4567" or "555.123.4567".
var phonePattern = regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)

// emergencyShortCodes are dialable emergency numbers accepted in place of a
// full phone number.
var emergencyShortCodes = regexp.MustCompile(`\b911\b`)

// ContainsPhoneNumber reports whether text carries a phone-number-shaped
// token or an emergency short code.
func ContainsPhoneNumber(text string) bool {
	return phonePattern.MatchString(text) || emergencyShortCodes.MatchString(text)
}

// Stopword inventories for the supported Latin-script languages. Chosen for
// being frequent and mutually exclusive between English and Spanish.
var (
	englishStopwords = map[string]bool{
		"the": true, "and": true, "your": true, "you": true, "with": true,
		"for": true, "take": true, "call": true, "if": true, "of": true,
		"this": true, "are": true, "not": true, "have": true, "will": true,
	}
	spanishStopwords = map[string]bool{
		"el": true, "la": true, "los": true, "las": true, "de": true,
		"que": true, "con": true, "para": true, "una": true, "del": true,
		"por": true, "como": true, "más": true, "sus": true, "este": true,
	}
)

// minDetectionWords is the smallest sample the detector will judge; shorter
// text returns "" (unknown) so callers do not flag on noise.
const minDetectionWords = 20

// DetectLanguage guesses "en", "es", or "zh" from body text using a
// stopword count for Latin scripts and a Han-rune ratio for Chinese.
// Returns "" when the text is too short or the signal is ambiguous.
func DetectLanguage(text string) string {
	if text == "" {
		return ""
	}

	han := 0
	total := 0
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if total == 0 {
		return ""
	}
	if float64(han)/float64(total) > 0.3 {
		return "zh"
	}

	words := splitWords(strings.ToLower(text))
	if len(words) < minDetectionWords {
		return ""
	}

	en, es := 0, 0
	for _, w := range words {
		if englishStopwords[w] {
			en++
		}
		if spanishStopwords[w] {
			es++
		}
	}

	switch {
	case en > es && en >= 2:
		return "en"
	case es > en && es >= 2:
		return "es"
	default:
		return ""
	}
}
