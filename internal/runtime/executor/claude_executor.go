package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/util"
)

const (
	DefaultClaudeBaseURL = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

// ClaudeExecutor calls the Anthropic messages API.
type ClaudeExecutor struct {
	baseURL string
	client  *http.Client
}

func NewClaudeExecutor(baseURL string, client *http.Client) *ClaudeExecutor {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultClaudeBaseURL
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &ClaudeExecutor{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (e *ClaudeExecutor) Identifier() keys.Provider { return keys.Anthropic }

func (e *ClaudeExecutor) Execute(ctx context.Context, cred keys.Credential, req Request) (res *Result, err error) {
	model := VendorModel(req.Model)
	reporter := newCallTrace(ctx, keys.Anthropic, model, cred)
	defer reporter.trackFailure(ctx, &err)

	body := e.buildBody(model, req)
	reporter.SetInput(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.Secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.Options.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	log.WithFields(log.Fields{
		"provider":  keys.Anthropic,
		"model":     model,
		"key_index": cred.Index,
		"stream":    req.Options.Stream,
	}).Debug("dispatching request")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("claude executor: close response body error: %v", errClose)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := newStatusError(keys.Anthropic, resp, readErrorBody(resp.Body))
		log.WithFields(log.Fields{
			"provider":  keys.Anthropic,
			"key":       cred.Fingerprint(),
			"status":    resp.StatusCode,
			"kind":      statusErr.Kind,
			"vendorMsg": statusErr.VendorMessage(),
		}).Warn("provider returned error")
		return nil, statusErr
	}

	if req.Options.Stream {
		return e.stream(ctx, resp.Body, model, req, reporter)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	reporter.SetOutput(data)

	var content strings.Builder
	gjson.GetBytes(data, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	res = &Result{
		Content:      content.String(),
		Model:        util.FirstNonEmpty(gjson.GetBytes(data, "model").String(), model),
		FinishReason: gjson.GetBytes(data, "stop_reason").String(),
		ResponseID:   gjson.GetBytes(data, "id").String(),
		Usage:        parseClaudeUsage(data),
	}
	if res.Usage.InputTokens == 0 && res.Usage.OutputTokens == 0 {
		res.Usage = estimateUsage(req.Messages, res.Content)
	}
	res.Usage.fillTotal()
	reporter.publish(ctx, res.Usage)
	return res, nil
}

// buildBody converts the neutral messages. System messages move to the
// top level system field and consecutive turns of one role are merged.
func (e *ClaudeExecutor) buildBody(model string, req Request) []byte {
	system, messages := splitSystem(req.Messages)

	out := []byte(`{"messages":[]}`)
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "max_tokens", req.Options.maxTokens())
	out, _ = sjson.SetBytes(out, "temperature", req.Options.temperature())
	if system != "" {
		out, _ = sjson.SetBytes(out, "system", system)
	}

	var (
		lastRole Role
		blocks   []byte
	)
	flush := func() {
		if len(blocks) == 0 || gjson.ParseBytes(blocks).Get("#").Int() == 0 {
			return
		}
		msg := []byte(`{}`)
		msg, _ = sjson.SetBytes(msg, "role", string(lastRole))
		msg, _ = sjson.SetRawBytes(msg, "content", blocks)
		out, _ = sjson.SetRawBytes(out, "messages.-1", msg)
	}
	for _, m := range messages {
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		content := claudeContent(m)
		if role == lastRole && len(blocks) > 0 {
			gjson.ParseBytes(content).ForEach(func(_, block gjson.Result) bool {
				blocks, _ = sjson.SetRawBytes(blocks, "-1", []byte(block.Raw))
				return true
			})
			continue
		}
		flush()
		lastRole, blocks = role, content
	}
	flush()

	if req.Options.WebSearch {
		out, _ = sjson.SetRawBytes(out, "tools", []byte(`[{"type":"web_search_20250305","name":"web_search","max_uses":5}]`))
	}
	if req.Options.Stream {
		out, _ = sjson.SetBytes(out, "stream", true)
	}
	return out
}

func (e *ClaudeExecutor) stream(ctx context.Context, body io.Reader, model string, req Request, reporter *callTrace) (*Result, error) {
	var (
		acc       strings.Builder
		res       = &Result{Model: model}
		usage     Usage
		streamErr error
	)
	err := scanSSE(ctx, body, func(event string, data []byte) bool {
		if !gjson.ValidBytes(data) {
			return true
		}
		typ := gjson.GetBytes(data, "type").String()
		if typ == "" {
			typ = event
		}
		reporter.CaptureStreamChunk(data)
		if u, ok := parseClaudeStreamUsage(data); ok {
			if u.InputTokens > usage.InputTokens {
				usage.InputTokens = u.InputTokens
			}
			if u.OutputTokens > usage.OutputTokens {
				usage.OutputTokens = u.OutputTokens
			}
			if u.CachedTokens > usage.CachedTokens {
				usage.CachedTokens = u.CachedTokens
			}
		}

		switch typ {
		case "message_start":
			res.ResponseID = gjson.GetBytes(data, "message.id").String()
			if m := gjson.GetBytes(data, "message.model").String(); m != "" {
				res.Model = m
			}
		case "content_block_delta":
			if delta := gjson.GetBytes(data, "delta.text").String(); delta != "" {
				acc.WriteString(delta)
				if req.Options.OnStream != nil {
					req.Options.OnStream(Chunk{Content: delta, Accumulated: acc.String()})
				}
			}
		case "message_delta":
			if reason := gjson.GetBytes(data, "delta.stop_reason").String(); reason != "" {
				res.FinishReason = reason
			}
		case "message_stop":
			return false
		case "error":
			streamErr = &StatusError{Provider: keys.Anthropic, Code: http.StatusBadGateway, Kind: classifyStatus(0, data), Body: bytes.Clone(data)}
			return false
		}
		return true
	})
	if streamErr != nil {
		return nil, streamErr
	}
	if err != nil {
		return nil, fmt.Errorf("anthropic: stream: %w", err)
	}

	res.Content = acc.String()
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = estimateUsage(req.Messages, res.Content)
	} else {
		if usage.OutputTokens == 0 {
			usage.OutputTokens = EstimateTokens(res.Content)
			usage.Estimated = true
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	res.Usage = usage
	reporter.publish(ctx, res.Usage)
	return res, nil
}
