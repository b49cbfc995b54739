package ai

import (
	"github.com/tiktoken-go/tokenizer"

	"github.com/teampulse/pulse-ai/internal/runtime/executor"
)

// Budget measures prompts with the cl100k_base encoding and trims history to
// a token limit.
type Budget struct {
	codec tokenizer.Codec
	limit int
}

// NewBudget returns a budget of limit tokens. limit <= 0 disables trimming.
func NewBudget(limit int) (*Budget, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &Budget{codec: codec, limit: limit}, nil
}

// Count returns the token count of text, falling back to the character
// estimate when encoding fails.
func (b *Budget) Count(text string) int {
	if b == nil || b.codec == nil {
		return int(executor.EstimateTokens(text))
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return int(executor.EstimateTokens(text))
	}
	return len(ids)
}

func (b *Budget) messageTokens(m executor.Message) int {
	n := 4 + b.Count(m.Content)
	for _, f := range m.Attachments {
		n += b.Count(f.Text)
	}
	return n
}

// Fit drops the oldest history messages until the prompt fits. The leading
// system message and the final message are always kept. It returns the kept
// messages and the number dropped.
func (b *Budget) Fit(messages []executor.Message) ([]executor.Message, int) {
	if b == nil || b.limit <= 0 || len(messages) <= 2 {
		return messages, 0
	}
	head := 0
	if messages[0].Role == executor.RoleSystem {
		head = 1
	}
	total := 0
	sizes := make([]int, len(messages))
	for i, m := range messages {
		sizes[i] = b.messageTokens(m)
		total += sizes[i]
	}

	drop := 0
	for total > b.limit && head+drop < len(messages)-1 {
		total -= sizes[head+drop]
		drop++
	}
	if drop == 0 {
		return messages, 0
	}
	out := make([]executor.Message, 0, len(messages)-drop)
	out = append(out, messages[:head]...)
	out = append(out, messages[head+drop:]...)
	return out, drop
}
