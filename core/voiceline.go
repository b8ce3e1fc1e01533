package orchestration

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxVoiceResponseWords = 60
	maxStatusWords        = 20
	maxSentenceWords      = 40
	maxSpokenChars        = 300
)

const voiceInstructions = `You are talking to a caller on the phone. Your reply is converted to speech.
End every reply with one line that starts with "VOICE_RESPONSE:" followed by a short, natural spoken answer of at most 60 words.
Do not use markdown, lists, code or emoji in that line.`

// VoiceSystemPrompt extends a device prompt with the instructions that make
// a reply usable by [ExtractVoiceLine].
func VoiceSystemPrompt(devicePrompt string) string {
	devicePrompt = strings.TrimSpace(devicePrompt)
	if devicePrompt == "" {
		return voiceInstructions
	}
	return devicePrompt + "\n\n" + voiceInstructions
}

var (
	codeFencePattern = regexp.MustCompile("(?m)^\\s*```[^\\n]*$")
	emphasisPattern  = regexp.MustCompile("\\*\\*|__|\\*|`")
	headingPattern   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	bulletPattern    = regexp.MustCompile(`(?m)^\s*(?:[-+]|\d+\.)\s+`)
	sentencePattern  = regexp.MustCompile(`^(.+?[.!?])(?:\s|$)`)
)

// ExtractVoiceLine picks the part of a backend reply that is spoken to the
// caller. Tagged lines win in the order VOICE_RESPONSE, COMPLETED, STATUS;
// otherwise the first sentence is used, and long text is truncated.
func ExtractVoiceLine(reply string) string {
	cleaned := stripMarkdown(reply)

	tagged := map[string]string{}
	var untagged []string
	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if tag, value, ok := splitTag(line); ok {
			if _, seen := tagged[tag]; !seen && value != "" {
				tagged[tag] = value
			}
			continue
		}
		untagged = append(untagged, line)
	}

	if line, ok := tagged["VOICE_RESPONSE"]; ok && wordCount(line) <= maxVoiceResponseWords {
		return line
	}
	if line, ok := tagged["COMPLETED"]; ok {
		return line
	}
	if line, ok := tagged["STATUS"]; ok && wordCount(line) <= maxStatusWords {
		return line
	}

	text := strings.Join(strings.Fields(strings.Join(untagged, " ")), " ")
	if text == "" {
		text = strings.Join(strings.Fields(tagged["VOICE_RESPONSE"]), " ")
	}
	if text == "" {
		return ""
	}

	if m := sentencePattern.FindStringSubmatch(text); m != nil && wordCount(m[1]) <= maxSentenceWords {
		return m[1]
	}
	return truncateWords(text, maxSpokenChars)
}

func splitTag(line string) (tag, value string, ok bool) {
	for _, candidate := range []string{"VOICE_RESPONSE", "COMPLETED", "STATUS"} {
		if len(line) <= len(candidate) || !strings.EqualFold(line[:len(candidate)], candidate) {
			continue
		}
		rest := strings.TrimLeft(line[len(candidate):], " ")
		if !strings.HasPrefix(rest, ":") {
			continue
		}
		return candidate, strings.TrimSpace(rest[1:]), true
	}
	return "", "", false
}

func stripMarkdown(text string) string {
	text = codeFencePattern.ReplaceAllString(text, "")
	text = headingPattern.ReplaceAllString(text, "")
	text = bulletPattern.ReplaceAllString(text, "")
	text = emphasisPattern.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeftFunc(line, isLeadingDecoration)
	}
	return strings.Join(lines, "\n")
}

// isLeadingDecoration matches emoji and the joiners and selectors that glue
// them together.
func isLeadingDecoration(r rune) bool {
	return unicode.IsSpace(r) ||
		unicode.Is(unicode.So, r) ||
		unicode.Is(unicode.Sk, r) ||
		r == '\u200d' ||
		(r >= '\ufe00' && r <= '\ufe0f') ||
		(r >= 0x1f000 && r <= 0x1faff)
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func truncateWords(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return strings.TrimRight(cut, " ,;:") + "..."
}
