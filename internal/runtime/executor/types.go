// Package executor talks to the LLM vendors. Each executor turns a provider
// neutral Request into the vendor wire format, runs it with one credential
// and normalizes the answer, streaming or not, into a Result.
package executor

import (
	"context"

	"github.com/teampulse/pulse-ai/internal/attachments"
	"github.com/teampulse/pulse-ai/internal/keys"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// Role of a message in the prompt.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider neutral prompt entry.
type Message struct {
	Role        Role
	Content     string
	Attachments []attachments.File
}

// Chunk is one streamed text delta together with everything received so far.
type Chunk struct {
	Content     string `json:"content"`
	Accumulated string `json:"accumulated"`
}

// Options tunes one call.
type Options struct {
	Stream      bool
	OnStream    func(Chunk)
	Temperature *float64
	MaxTokens   int
	WebSearch   bool
}

// Request is the input of Executor.Execute. Model is the logical model id.
type Request struct {
	Model    string
	Messages []Message
	Options  Options
}

// Usage is the token accounting of one call. Estimated is set when the
// vendor did not report usage and the counts come from EstimateTokens.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	CachedTokens    int64 `json:"cached_tokens,omitempty"`
	TotalTokens     int64 `json:"total_tokens"`
	Estimated       bool  `json:"estimated,omitempty"`
}

func (u *Usage) fillTotal() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens + u.ReasoningTokens
	}
}

// Result has the same shape for streamed and non streamed calls.
type Result struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Executor runs requests against one vendor.
type Executor interface {
	Identifier() keys.Provider
	Execute(ctx context.Context, cred keys.Credential, req Request) (*Result, error)
}

func (o Options) temperature() float64 {
	if o.Temperature == nil {
		return DefaultTemperature
	}
	return *o.Temperature
}

func (o Options) maxTokens() int {
	if o.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return o.MaxTokens
}
