package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/telemetry"
)

// callTrace gathers what one provider call sent and received and writes it
// as gen_ai attributes onto the active span, once.
type callTrace struct {
	provider keys.Provider
	model    string
	keyIndex int
	source   string
	started  time.Time

	mu      sync.Mutex
	input   []byte
	output  []byte
	respID  string
	reasons []string

	once sync.Once
}

func newCallTrace(ctx context.Context, provider keys.Provider, model string, cred keys.Credential) *callTrace {
	return &callTrace{
		provider: provider,
		model:    model,
		keyIndex: cred.Index,
		source:   callSource(ctx, cred),
		started:  time.Now(),
		input:    telemetry.InputFromContext(ctx),
	}
}

// callSource is the tenant carried by ctx, else the key fingerprint.
func callSource(ctx context.Context, cred keys.Credential) string {
	if tenant := strings.TrimSpace(telemetry.TenantFromContext(ctx)); tenant != "" {
		return tenant
	}
	if cred.Secret == "" {
		return ""
	}
	return cred.Fingerprint()
}

// SetInput records the vendor body unless the caller already put a neutral
// payload on the context.
func (t *callTrace) SetInput(body []byte) {
	if len(body) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.input) == 0 {
		t.input = bytes.Clone(body)
	}
}

// SetOutput records the full non streamed response body.
func (t *callTrace) SetOutput(body []byte) {
	if len(body) == 0 {
		return
	}
	t.mu.Lock()
	t.output = bytes.Clone(body)
	t.mu.Unlock()
}

// CaptureStreamChunk accumulates text, response id and finish reasons from
// OpenAI deltas and Anthropic content_block_delta events.
func (t *callTrace) CaptureStreamChunk(line []byte) {
	payload := jsonPayload(line)
	if payload == nil {
		return
	}
	ev := gjson.ParseBytes(payload)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, path := range []string{"id", "message.id"} {
		if id := ev.Get(path).String(); id != "" {
			t.respID = id
			break
		}
	}
	ev.Get("choices.#.finish_reason").ForEach(func(_, r gjson.Result) bool {
		if r.String() != "" {
			t.reasons = append(t.reasons, r.String())
		}
		return true
	})
	if r := ev.Get("delta.stop_reason").String(); r != "" {
		t.reasons = append(t.reasons, r)
	}
	for _, path := range []string{"choices.0.delta.content", "delta.text"} {
		if text := ev.Get(path).String(); text != "" {
			t.output = append(t.output, text...)
			return
		}
	}
}

func (t *callTrace) publish(ctx context.Context, usage Usage) {
	t.finish(ctx, usage, false)
}

// trackFailure is deferred by executors with their named error result.
func (t *callTrace) trackFailure(ctx context.Context, errPtr *error) {
	if errPtr != nil && *errPtr != nil {
		t.finish(ctx, Usage{}, true)
	}
}

func (t *callTrace) finish(ctx context.Context, usage Usage, failed bool) {
	t.once.Do(func() {
		span := trace.SpanFromContext(ctx)
		if !span.SpanContext().IsValid() {
			return
		}
		usage.fillTotal()

		t.mu.Lock()
		input, output, respID, reasons := t.input, t.output, t.respID, t.reasons
		t.mu.Unlock()

		attrs := []attribute.KeyValue{
			attribute.String("gen_ai.system", string(t.provider)),
			attribute.String("gen_ai.request.model", t.model),
			attribute.String("gen_ai.operation.name", "chat"),
			attribute.Int("pulse.key.index", t.keyIndex),
			attribute.Bool("pulse.failed", failed),
			attribute.Int64("pulse.duration_ms", time.Since(t.started).Milliseconds()),
		}
		attrs = append(attrs, usageAttributes(usage)...)
		attrs = append(attrs, promptAttributes(input)...)
		attrs = append(attrs, completionAttributes(output, respID, reasons)...)
		if t.source != "" {
			attrs = append(attrs, attribute.String("user.id", t.source))
		}
		span.SetAttributes(attrs...)
	})
}

func usageAttributes(u Usage) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64("gen_ai.usage.input_tokens", u.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", u.OutputTokens),
		attribute.Int64("gen_ai.usage.total_tokens", u.TotalTokens),
		attribute.Bool("pulse.usage.estimated", u.Estimated),
	}
	if u.ReasoningTokens > 0 {
		attrs = append(attrs, attribute.Int64("gen_ai.usage.reasoning_tokens", u.ReasoningTokens))
	}
	if u.CachedTokens > 0 {
		attrs = append(attrs, attribute.Int64("gen_ai.usage.cached_tokens", u.CachedTokens))
	}
	return attrs
}

func promptAttributes(input []byte) []attribute.KeyValue {
	if len(input) == 0 {
		return nil
	}
	body := gjson.ParseBytes(input)
	attrs := []attribute.KeyValue{attribute.String("gen_ai.prompt", string(input))}
	if v := body.Get("temperature"); v.Exists() {
		attrs = append(attrs, attribute.Float64("gen_ai.request.temperature", v.Float()))
	}
	for _, path := range []string{"max_tokens", "max_completion_tokens"} {
		if v := body.Get(path); v.Exists() {
			attrs = append(attrs, attribute.Int64("gen_ai.request.max_tokens", v.Int()))
			break
		}
	}
	if v := body.Get("messages"); v.IsArray() {
		attrs = append(attrs, attribute.String("llm.input_messages", v.Raw))
	}
	return attrs
}

// completionAttributes accepts either a full JSON response or streamed text.
func completionAttributes(output []byte, respID string, reasons []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if len(output) > 0 {
		text := string(output)
		if output[0] == '{' {
			body := gjson.ParseBytes(output)
			for _, path := range []string{"choices.0.message.content", "content.0.text"} {
				if v := body.Get(path); v.Exists() {
					text = v.String()
					break
				}
			}
			if respID == "" {
				respID = body.Get("id").String()
			}
			if len(reasons) == 0 {
				for _, path := range []string{"choices.0.finish_reason", "stop_reason"} {
					if r := body.Get(path).String(); r != "" {
						reasons = []string{r}
						break
					}
				}
			}
			if m := body.Get("model").String(); m != "" {
				attrs = append(attrs, attribute.String("gen_ai.response.model", m))
			}
		}
		msg, _ := json.Marshal([]map[string]string{{"role": "assistant", "content": text}})
		attrs = append(attrs,
			attribute.String("gen_ai.completion", text),
			attribute.String("llm.output_messages", string(msg)),
		)
	}
	if respID != "" {
		attrs = append(attrs, attribute.String("gen_ai.response.id", respID))
	}
	if len(reasons) > 0 {
		attrs = append(attrs, attribute.StringSlice("gen_ai.response.finish_reasons", reasons))
	}
	return attrs
}
