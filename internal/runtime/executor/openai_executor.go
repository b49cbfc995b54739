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

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIExecutor calls the chat completions API.
type OpenAIExecutor struct {
	baseURL string
	client  *http.Client
}

// NewOpenAIExecutor creates an executor for baseURL. A nil client gets the
// shared decoding, traced client.
func NewOpenAIExecutor(baseURL string, client *http.Client) *OpenAIExecutor {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &OpenAIExecutor{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (e *OpenAIExecutor) Identifier() keys.Provider { return keys.OpenAI }

func (e *OpenAIExecutor) Execute(ctx context.Context, cred keys.Credential, req Request) (res *Result, err error) {
	model := VendorModel(req.Model)
	reporter := newCallTrace(ctx, keys.OpenAI, model, cred)
	defer reporter.trackFailure(ctx, &err)

	body := e.buildBody(model, req)
	reporter.SetInput(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	if req.Options.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	log.WithFields(log.Fields{
		"provider":  keys.OpenAI,
		"model":     model,
		"key_index": cred.Index,
		"stream":    req.Options.Stream,
	}).Debug("dispatching request")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("openai executor: close response body error: %v", errClose)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := newStatusError(keys.OpenAI, resp, readErrorBody(resp.Body))
		log.WithFields(log.Fields{
			"provider":  keys.OpenAI,
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
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	reporter.SetOutput(data)

	res = &Result{
		Content:      gjson.GetBytes(data, "choices.0.message.content").String(),
		Model:        util.FirstNonEmpty(gjson.GetBytes(data, "model").String(), model),
		FinishReason: gjson.GetBytes(data, "choices.0.finish_reason").String(),
		ResponseID:   gjson.GetBytes(data, "id").String(),
		Usage:        parseOpenAIUsage(data),
	}
	if res.Usage.InputTokens == 0 && res.Usage.OutputTokens == 0 {
		res.Usage = estimateUsage(req.Messages, res.Content)
	}
	res.Usage.fillTotal()
	reporter.publish(ctx, res.Usage)
	return res, nil
}

func (e *OpenAIExecutor) buildBody(model string, req Request) []byte {
	out := []byte(`{"messages":[]}`)
	out, _ = sjson.SetBytes(out, "model", model)
	for _, m := range req.Messages {
		out, _ = sjson.SetRawBytes(out, "messages.-1", openAIContent(m))
	}
	if usesMaxCompletionTokens(model) {
		out, _ = sjson.SetBytes(out, "max_completion_tokens", req.Options.maxTokens())
	} else {
		out, _ = sjson.SetBytes(out, "max_tokens", req.Options.maxTokens())
		out, _ = sjson.SetBytes(out, "temperature", req.Options.temperature())
	}
	if req.Options.WebSearch {
		out, _ = sjson.SetRawBytes(out, "web_search_options", []byte(`{}`))
	}
	if req.Options.Stream {
		out, _ = sjson.SetBytes(out, "stream", true)
		out, _ = sjson.SetBytes(out, "stream_options.include_usage", true)
	}
	return out
}

func (e *OpenAIExecutor) stream(ctx context.Context, body io.Reader, model string, req Request, reporter *callTrace) (*Result, error) {
	var (
		acc       strings.Builder
		res       = &Result{Model: model}
		usage     Usage
		haveUsage bool
		streamErr error
	)
	err := scanSSE(ctx, body, func(_ string, data []byte) bool {
		if !gjson.ValidBytes(data) {
			return true
		}
		if errNode := gjson.GetBytes(data, "error"); errNode.Exists() {
			streamErr = &StatusError{Provider: keys.OpenAI, Code: http.StatusBadGateway, Kind: classifyStatus(0, data), Body: bytes.Clone(data)}
			return false
		}
		reporter.CaptureStreamChunk(data)
		if u, ok := parseOpenAIStreamUsage(data); ok {
			usage, haveUsage = u, true
		}
		if id := gjson.GetBytes(data, "id").String(); id != "" {
			res.ResponseID = id
		}
		if m := gjson.GetBytes(data, "model").String(); m != "" {
			res.Model = m
		}
		if reason := gjson.GetBytes(data, "choices.0.finish_reason").String(); reason != "" {
			res.FinishReason = reason
		}
		if delta := gjson.GetBytes(data, "choices.0.delta.content").String(); delta != "" {
			acc.WriteString(delta)
			if req.Options.OnStream != nil {
				req.Options.OnStream(Chunk{Content: delta, Accumulated: acc.String()})
			}
		}
		return true
	})
	if streamErr != nil {
		return nil, streamErr
	}
	if err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}

	res.Content = acc.String()
	if haveUsage && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		res.Usage = usage
	} else {
		res.Usage = estimateUsage(req.Messages, res.Content)
	}
	res.Usage.fillTotal()
	reporter.publish(ctx, res.Usage)
	return res, nil
}
