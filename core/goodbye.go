package orchestration

import (
	"slices"
	"strings"
	"unicode"
)

// farewellPhrases end the call wherever they appear as whole words.
var farewellPhrases = []string{
	"goodbye",
	"good bye",
	"bye",
	"bye bye",
}

// closingPhrases are instructions that also occur mid-sentence ("that's all
// for the intro"), so they only count when they close the utterance.
var closingPhrases = []string{
	"hang up",
	"end call",
	"that's all",
	"that is all",
	"see you later",
}

// closingTails may follow a closing phrase without changing its meaning.
var closingTails = []string{"now", "thanks", "please", "then", "ok", "okay"}

var negations = []string{"don't", "dont", "not", "never", "can't", "cannot", "won't", "shouldn't"}

// IsGoodbye reports whether the caller asked to end the call. Phrases only
// match as whole words of the normalized transcript, so "byelaw" or
// "goodbyes" never end a call, and a negated phrase never matches.
func IsGoodbye(transcript string) bool {
	words := strings.Fields(normalizeTranscript(transcript))
	if len(words) == 0 {
		return false
	}

	for _, phrase := range farewellPhrases {
		target := strings.Fields(phrase)
		for i := 0; i+len(target) <= len(words); i++ {
			if slices.Equal(words[i:i+len(target)], target) && !negated(words[:i]) {
				return true
			}
		}
	}

	words = trimClosingTails(words)
	for _, phrase := range closingPhrases {
		target := strings.Fields(phrase)
		if len(words) < len(target) {
			continue
		}
		at := len(words) - len(target)
		if slices.Equal(words[at:], target) && !negated(words[:at]) {
			return true
		}
	}
	return false
}

// negated reports whether the words right before a phrase negate it, as in
// "don't hang up" or "do not say goodbye".
func negated(before []string) bool {
	for i := len(before) - 1; i >= 0 && i >= len(before)-2; i-- {
		if slices.Contains(negations, before[i]) {
			return true
		}
	}
	return false
}

func trimClosingTails(words []string) []string {
	for len(words) > 0 {
		n := len(words)
		switch {
		case n >= 2 && words[n-2] == "thank" && words[n-1] == "you":
			words = words[:n-2]
		case slices.Contains(closingTails, words[n-1]):
			words = words[:n-1]
		default:
			return words
		}
	}
	return words
}

// normalizeTranscript lower-cases, drops punctuation other than apostrophes
// and collapses whitespace.
func normalizeTranscript(transcript string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(transcript) {
		switch {
		case r == '\'' || r == '\u2019':
			b.WriteRune('\'')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
