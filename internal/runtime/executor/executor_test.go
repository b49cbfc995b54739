package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/teampulse/pulse-ai/internal/attachments"
	"github.com/teampulse/pulse-ai/internal/keys"
)

var testCred = keys.Credential{Provider: keys.OpenAI, Index: 0, Secret: "sk-test-secret"}

func writeSSE(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	for _, ev := range events {
		_, _ = fmt.Fprint(w, ev)
		flusher.Flush()
	}
}

func TestOpenAIStreamAccumulatesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())
		assert.True(t, gjson.GetBytes(body, "stream_options.include_usage").Bool())
		writeSSE(t, w,
			`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"role":"assistant"}}]}`+"\n\n",
			`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`+"\n\n",
			`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"lo "}}]}`+"\n\n",
			`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"world"},"finish_reason":"stop"}]}`+"\n\n",
			"data: [DONE]\n\n",
		)
	}))
	defer srv.Close()

	var chunks []Chunk
	exec := NewOpenAIExecutor(srv.URL, srv.Client())
	res, err := exec.Execute(context.Background(), testCred, Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "say hello"}},
		Options:  Options{Stream: true, OnStream: func(c Chunk) { chunks = append(chunks, c) }},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "chatcmpl-1", res.ResponseID)
	assert.Greater(t, res.Usage.OutputTokens, int64(0))
	assert.True(t, res.Usage.Estimated)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Accumulated)
	assert.Equal(t, "Hello ", chunks[1].Accumulated)
	assert.Equal(t, "Hello world", chunks[2].Accumulated)
}

func TestOpenAIStreamUsesVendorUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w,
			`data: {"choices":[{"delta":{"content":"ok"}}]}`+"\n\n",
			`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":1,"total_tokens":13}}`+"\n\n",
			"data: [DONE]\n\n",
		)
	}))
	defer srv.Close()

	res, err := NewOpenAIExecutor(srv.URL, srv.Client()).Execute(context.Background(), testCred, Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Options:  Options{Stream: true},
	})
	require.NoError(t, err)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 1, TotalTokens: 13}, res.Usage)
}

func TestOpenAINonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "model").String())
		assert.InDelta(t, 0.7, gjson.GetBytes(body, "temperature").Float(), 1e-9)
		assert.Equal(t, int64(4096), gjson.GetBytes(body, "max_tokens").Int())
		assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","model":"gpt-4o-2024-08-06","choices":[{"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":1,"total_tokens":10}}`)
	}))
	defer srv.Close()

	res, err := NewOpenAIExecutor(srv.URL+"/", srv.Client()).Execute(context.Background(), testCred, Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "ping"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Content)
	assert.Equal(t, "gpt-4o-2024-08-06", res.Model)
	assert.Equal(t, int64(10), res.Usage.TotalTokens)
	assert.False(t, res.Usage.Estimated)
}

func TestGPT5UsesMaxCompletionTokens(t *testing.T) {
	body := NewOpenAIExecutor("", http.DefaultClient).buildBody("gpt-5", Request{Options: Options{MaxTokens: 100}})
	assert.Equal(t, int64(100), gjson.GetBytes(body, "max_completion_tokens").Int())
	assert.False(t, gjson.GetBytes(body, "max_tokens").Exists())
	assert.False(t, gjson.GetBytes(body, "temperature").Exists())
}

func TestErrorTranslation(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   ErrorKind
		fail   keys.FailureKind
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, KindRateLimited, keys.FailureRateLimit},
		{http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided: sk-test"}}`, KindAuthFailed, keys.FailureAuth},
		{http.StatusInternalServerError, `{"error":{"message":"boom"}}`, KindProviderError, keys.FailureGeneric},
		{529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, KindProviderError, keys.FailureGeneric},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewOpenAIExecutor(srv.URL, srv.Client()).Execute(context.Background(), testCred, Request{
				Model:    "gpt-4o",
				Messages: []Message{{Role: RoleUser, Content: "hi"}},
			})
			require.Error(t, err)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tc.kind, statusErr.Kind)
			assert.Equal(t, tc.status, statusErr.StatusCode())
			assert.Equal(t, tc.fail, keys.ClassifyFailure(err))
			assert.NotContains(t, err.Error(), "sk-test")
			assert.NotContains(t, err.Error(), "boom")
			if tc.kind == KindRateLimited {
				assert.Equal(t, "7s", statusErr.RetryAfter.String())
			}
		})
	}
}

func TestClaudeStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test-secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		writeSSE(t, w,
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-sonnet-4-20250514\",\"usage\":{\"input_tokens\":21,\"output_tokens\":1}}}\n\n",
			"event: ping\ndata: {\"type\":\"ping\"}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo \"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"world\"}}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":6}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		)
	}))
	defer srv.Close()

	var last Chunk
	cred := keys.Credential{Provider: keys.Anthropic, Secret: "sk-test-secret"}
	res, err := NewClaudeExecutor(srv.URL, srv.Client()).Execute(context.Background(), cred, Request{
		Model:    "claude-sonnet-4",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Options:  Options{Stream: true, OnStream: func(c Chunk) { last = c }},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", res.Content)
	assert.Equal(t, "Hello world", last.Accumulated)
	assert.Equal(t, "end_turn", res.FinishReason)
	assert.Equal(t, "msg_1", res.ResponseID)
	assert.Equal(t, Usage{InputTokens: 21, OutputTokens: 6, TotalTokens: 27}, res.Usage)
}

func TestClaudeStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"rate_limit_error\",\"message\":\"slow down\"}}\n\n")
	}))
	defer srv.Close()

	_, err := NewClaudeExecutor(srv.URL, srv.Client()).Execute(context.Background(), keys.Credential{Secret: "k"}, Request{
		Model:    "claude-3-5-haiku",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Options:  Options{Stream: true},
	})
	assert.Equal(t, keys.FailureRateLimit, keys.ClassifyFailure(err))
}

func TestClaudeBodyAssembly(t *testing.T) {
	long := strings.Repeat("x", MaxTextAttachmentChars+50)
	req := Request{
		Model: "claude-opus-4-1",
		Messages: []Message{
			{Role: RoleSystem, Content: "preamble"},
			{Role: RoleUser, Content: "first"},
			{Role: RoleUser, Content: "look", Attachments: []attachments.File{
				{Name: "a.png", MediaType: "image/png", Data: []byte{1, 2, 3}},
				{Name: "doc.pdf", MediaType: "application/pdf", Data: []byte("%PDF")},
				{Name: "log.txt", MediaType: "text/plain", Text: long},
			}},
			{Role: RoleAssistant, Content: "seen"},
		},
		Options: Options{WebSearch: true},
	}
	body := NewClaudeExecutor("", http.DefaultClient).buildBody(VendorModel(req.Model), req)

	assert.Equal(t, "claude-opus-4-1-20250805", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "preamble", gjson.GetBytes(body, "system").String())
	assert.Equal(t, int64(2), gjson.GetBytes(body, "messages.#").Int())

	user := gjson.GetBytes(body, "messages.0")
	assert.Equal(t, "user", user.Get("role").String())
	assert.Equal(t, "first", user.Get("content.0.text").String())
	assert.Equal(t, "image", user.Get("content.1.type").String())
	assert.Equal(t, "AQID", user.Get("content.1.source.data").String())
	assert.Equal(t, "document", user.Get("content.2.type").String())
	assert.Equal(t, "doc.pdf", user.Get("content.2.title").String())
	text := user.Get("content.3.text").String()
	assert.True(t, strings.HasPrefix(text, "[File: log.txt]\n"))
	assert.Less(t, len(text), len(long))
	assert.Equal(t, "look", user.Get("content.4.text").String())

	assert.Equal(t, "assistant", gjson.GetBytes(body, "messages.1.role").String())
	assert.Equal(t, "web_search", gjson.GetBytes(body, "tools.0.name").String())
}

func TestOpenAIContentAttachments(t *testing.T) {
	msg := openAIContent(Message{Role: RoleUser, Content: "see", Attachments: []attachments.File{
		{Name: "p.jpg", MediaType: "image/jpeg", Data: []byte{0xff}},
		{Name: "roadmap.pdf", MediaType: "application/pdf", Data: []byte("%PDF"), Text: "extracted body"},
	}})
	assert.Equal(t, "see", gjson.GetBytes(msg, "content.0.text").String())
	assert.Equal(t, "data:image/jpeg;base64,/w==", gjson.GetBytes(msg, "content.1.image_url.url").String())
	assert.Equal(t, "[PDF: roadmap.pdf]\nextracted body", gjson.GetBytes(msg, "content.2.text").String())

	plain := openAIContent(Message{Role: RoleAssistant, Content: "hi"})
	assert.Equal(t, `{"role":"assistant","content":"hi"}`, string(plain))
}

func TestDecodingTransportGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		gz := gzip.NewWriter(w)
		_, _ = io.WriteString(gz, `{"choices":[{"message":{"content":"zipped"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
		_ = gz.Close()
	}))
	defer srv.Close()

	res, err := NewOpenAIExecutor(srv.URL, NewHTTPClient()).Execute(context.Background(), testCred, Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "zipped", res.Content)
	assert.Equal(t, int64(2), res.Usage.TotalTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(3), EstimateTokens("hello world"))
	assert.Equal(t, int64(2), EstimateTokens("안녕하세요"))
	assert.Equal(t, int64(8), EstimatePromptTokens([]Message{{Role: RoleUser, Content: "abcd"}}))
}

func TestVendorModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-20250514", VendorModel("claude-sonnet-4"))
	assert.Equal(t, "gpt-4o", VendorModel("gpt-4o"))
	assert.Equal(t, "unknown-model-xyz", VendorModel("unknown-model-xyz"))

	p, ok := ProviderForModel("claude-3-5-haiku")
	assert.True(t, ok)
	assert.Equal(t, keys.Anthropic, p)
	_, ok = ProviderForModel("unknown-model-xyz")
	assert.False(t, ok)
}
