package telegram

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is the maximum Telegram message length.
const MaxMessageLen = 4096

// SplitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries and never cutting a UTF-8 sequence.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, remaining)
			break
		}

		splitIdx := strings.LastIndex(remaining[:maxLen], "\n")
		if splitIdx < maxLen/2 {
			splitIdx = maxLen
		} else {
			splitIdx++ // keep the newline with the first part
		}
		for splitIdx > 1 && !utf8.ValidString(remaining[:splitIdx]) {
			splitIdx--
		}

		parts = append(parts, remaining[:splitIdx])
		remaining = remaining[splitIdx:]
	}
	return parts
}
