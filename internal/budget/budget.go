// Package budget estimates token usage for chat prompts and trims the
// optional parts of a prompt to fit a context window. Chat backends use
// different tokenizers, so a character heuristic stands in for all of them:
// 1 token ≈ 4 characters. French prose runs slightly denser than that,
// which leaves some headroom.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	charsPerToken = 4

	// perMessageOverhead approximates the role and framing tokens most chat
	// APIs add to every message.
	perMessageOverhead = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// It fits small local models such as llama3.2:3b with room for the reply.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for msgs,
// summing role and content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory removes the oldest messages from history until fixed plus
// history fits within maxTokens. fixed is never trimmed. If fixed alone is
// over budget the result is empty.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}
	fixedTokens := EstimateMessages(fixed)
	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history) <= maxTokens {
			break
		}
		history = history[1:]
	}
	return history
}

// FitPassages keeps the longest prefix of passages whose estimated size,
// added to usedTokens, stays within maxTokens. Passages are expected in
// rank order, so the least relevant ones are dropped first.
func FitPassages(passages []string, usedTokens, maxTokens int) []string {
	total := usedTokens
	for i, p := range passages {
		total += Estimate(p)
		if total > maxTokens {
			return passages[:i]
		}
	}
	return passages
}
