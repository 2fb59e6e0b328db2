// Package budget keeps prompts inside the model's context window. Chat
// backends tokenize differently, so sizes are estimated from rune counts
// (about four runes per token) rather than with a real tokenizer.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	runesPerToken = 4

	// messageOverhead approximates the role and framing tokens every chat
	// API adds around a message.
	messageOverhead = 4

	// DefaultMaxContextTokens leaves room for a 500-token answer in an 8k
	// context window.
	DefaultMaxContextTokens = 6000

	// DefaultMaxDocumentTokens caps the retrieved context stuffed into the
	// system prompt.
	DefaultMaxDocumentTokens = 3000
)

// Estimate returns the approximate token count of s. Any non-empty string
// costs at least one token.
func Estimate(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return max(n/runesPerToken, 1)
}

func messageCost(m *schema.Message) int {
	return messageOverhead + Estimate(string(m.Role)) + Estimate(m.Content)
}

// EstimateMessages sums the estimated cost of msgs.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageCost(m)
	}
	return total
}

// TrimHistory returns the longest suffix of history that fits in maxTokens
// alongside fixed. Messages that must survive (the system prompt and the
// current question) go in fixed and are never dropped. The kept history never
// opens with an assistant message, so a turn is dropped whole rather than
// leaving an answer without its question.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	room := maxTokens - EstimateMessages(fixed)
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		room -= messageCost(history[i])
		if room < 0 {
			break
		}
		start = i
	}
	for start < len(history) && history[start].Role == schema.Assistant {
		start++
	}
	return history[start:]
}

// FitDocuments returns the longest prefix of docs whose combined estimate fits
// within maxTokens. docs arrive best match first, so the least relevant
// chunks go first. The best match is always kept, even when it alone is over
// budget.
func FitDocuments(docs []string, maxTokens int) []string {
	used := 0
	for i, d := range docs {
		used += Estimate(d)
		if i > 0 && used > maxTokens {
			return docs[:i]
		}
	}
	return docs
}
