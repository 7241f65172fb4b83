package llm

import (
	"regexp"
	"strings"
)

// CompletionMarker is the phrase a search model emits when it has nothing left to look up.
const CompletionMarker = "SEARCH COMPLETE"

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// CleanJSONBlock removes markdown code block wrappers from JSON responses.
// Models often wrap JSON in ```json ... ``` blocks even when instructed not to.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(StripThinking(text))

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		// Skip a language identifier on the first line
		if idx := strings.Index(text, "\n"); idx >= 0 {
			firstLine := text[:idx]
			if len(firstLine) < 20 && !strings.Contains(firstLine, " ") && !strings.Contains(firstLine, "{") {
				text = text[idx+1:]
			}
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	return text
}

// StripThinking removes <think>...</think> reasoning blocks some local models emit.
func StripThinking(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

// IsComplete reports whether a search response carries the completion marker.
func IsComplete(text string) bool {
	return strings.Contains(strings.ToUpper(text), CompletionMarker)
}
