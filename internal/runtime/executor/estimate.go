package executor

import (
	"math"
	"unicode"
)

const (
	charsPerToken       = 4.0
	hangulCharsPerToken = 2.5
	perMessageOverhead  = 4
	replyPrimingTokens  = 3
)

// EstimateTokens approximates the token count of text: about four characters
// per token, and two and a half for Hangul which tokenizes denser.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	var hangul, other int
	for _, r := range text {
		if unicode.Is(unicode.Hangul, r) {
			hangul++
		} else {
			other++
		}
	}
	est := float64(other)/charsPerToken + float64(hangul)/hangulCharsPerToken
	return int64(math.Ceil(est))
}

// EstimatePromptTokens estimates the input side of a call including the
// structural overhead of every message.
func EstimatePromptTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += perMessageOverhead + EstimateTokens(m.Content)
		for _, f := range m.Attachments {
			total += EstimateTokens(f.Text)
		}
	}
	if len(messages) > 0 {
		total += replyPrimingTokens
	}
	return total
}

// estimateUsage fills usage from the prompt and the produced content.
func estimateUsage(messages []Message, content string) Usage {
	u := Usage{
		InputTokens:  EstimatePromptTokens(messages),
		OutputTokens: EstimateTokens(content),
		Estimated:    true,
	}
	u.fillTotal()
	return u
}
