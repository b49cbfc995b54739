package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/telemetry"
)

func TestCallSourcePrefersTenant(t *testing.T) {
	cred := keys.Credential{Provider: keys.OpenAI, Secret: "sk-sensitive-key"}

	got := callSource(context.Background(), cred)
	assert.Len(t, got, 16)
	assert.NotContains(t, got, "sk-")

	ctx := telemetry.WithTenant(context.Background(), "tenant-123")
	assert.Equal(t, "tenant-123", callSource(ctx, cred))
	assert.Empty(t, callSource(context.Background(), keys.Credential{}))
}

func TestParseOpenAIUsage(t *testing.T) {
	chat := parseOpenAIUsage([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3,"prompt_tokens_details":{"cached_tokens":4},"completion_tokens_details":{"reasoning_tokens":5}}}`))
	assert.Equal(t, Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, CachedTokens: 4, ReasoningTokens: 5}, chat)

	responses := parseOpenAIUsage([]byte(`{"usage":{"input_tokens":10,"output_tokens":20,"total_tokens":30,"input_tokens_details":{"cached_tokens":7},"output_tokens_details":{"reasoning_tokens":9}}}`))
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, CachedTokens: 7, ReasoningTokens: 9}, responses)

	assert.Equal(t, Usage{}, parseOpenAIUsage([]byte(`{"choices":[]}`)))
}

func TestParseOpenAIStreamUsageIgnoresNull(t *testing.T) {
	_, ok := parseOpenAIStreamUsage([]byte(`data: {"choices":[],"usage":null}`))
	assert.False(t, ok)

	u, ok := parseOpenAIStreamUsage([]byte(`data: {"choices":[],"usage":{"prompt_tokens":8,"completion_tokens":3,"total_tokens":11}}`))
	require.True(t, ok)
	assert.Equal(t, int64(11), u.TotalTokens)

	_, ok = parseOpenAIStreamUsage([]byte(`data: [DONE]`))
	assert.False(t, ok)
}

func TestParseClaudeUsage(t *testing.T) {
	u := parseClaudeUsage([]byte(`{"usage":{"input_tokens":12,"output_tokens":30,"cache_creation_input_tokens":6}}`))
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 30, TotalTokens: 42, CachedTokens: 6}, u)

	start, ok := parseClaudeStreamUsage([]byte(`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1}}}`))
	require.True(t, ok)
	assert.Equal(t, int64(25), start.InputTokens)

	delta, ok := parseClaudeStreamUsage([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":15}}`))
	require.True(t, ok)
	assert.Equal(t, int64(15), delta.OutputTokens)

	_, ok = parseClaudeStreamUsage([]byte(`event: ping`))
	assert.False(t, ok)
}

func spanAttrs(t *testing.T, run func(ctx context.Context)) map[attribute.Key]attribute.Value {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	run(ctx)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestCallTraceStreamAttributes(t *testing.T) {
	attrs := spanAttrs(t, func(ctx context.Context) {
		ct := newCallTrace(telemetry.WithTenant(ctx, "acme"), keys.OpenAI, "gpt-4o", keys.Credential{Index: 1, Secret: "sk-x"})
		ct.SetInput([]byte(`{"temperature":0.5,"max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`))
		ct.CaptureStreamChunk([]byte(`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`))
		ct.CaptureStreamChunk([]byte(`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`))
		ct.publish(ctx, Usage{InputTokens: 3, OutputTokens: 2})
		ct.publish(ctx, Usage{InputTokens: 99})
	})

	assert.Equal(t, "openai", attrs["gen_ai.system"].AsString())
	assert.Equal(t, "Hello", attrs["gen_ai.completion"].AsString())
	assert.Equal(t, "chatcmpl-1", attrs["gen_ai.response.id"].AsString())
	assert.Equal(t, []string{"stop"}, attrs["gen_ai.response.finish_reasons"].AsStringSlice())
	assert.Equal(t, int64(3), attrs["gen_ai.usage.input_tokens"].AsInt64())
	assert.Equal(t, int64(5), attrs["gen_ai.usage.total_tokens"].AsInt64())
	assert.Equal(t, int64(64), attrs["gen_ai.request.max_tokens"].AsInt64())
	assert.Equal(t, "acme", attrs["user.id"].AsString())
	assert.False(t, attrs["pulse.failed"].AsBool())
}

func TestCallTraceFailureAndFullBody(t *testing.T) {
	attrs := spanAttrs(t, func(ctx context.Context) {
		ct := newCallTrace(ctx, keys.Anthropic, "claude-sonnet-4", keys.Credential{})
		ct.SetOutput([]byte(`{"id":"msg_9","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"partial"}],"stop_reason":"max_tokens"}`))
		var err error = assert.AnError
		ct.trackFailure(ctx, &err)
	})

	assert.True(t, attrs["pulse.failed"].AsBool())
	assert.Equal(t, "partial", attrs["gen_ai.completion"].AsString())
	assert.Equal(t, "msg_9", attrs["gen_ai.response.id"].AsString())
	assert.Equal(t, "claude-sonnet-4-20250514", attrs["gen_ai.response.model"].AsString())
	assert.Equal(t, []string{"max_tokens"}, attrs["gen_ai.response.finish_reasons"].AsStringSlice())
	_, hasUser := attrs["user.id"]
	assert.False(t, hasUser)
}
