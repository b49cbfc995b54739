// Package chat is the chat transport: a JSON endpoint, the same endpoint
// streaming server-sent events, and a WebSocket variant.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/teampulse/pulse-ai/internal/ai"
	"github.com/teampulse/pulse-ai/internal/attachments"
	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/memory"
	"github.com/teampulse/pulse-ai/internal/runtime/executor"
	"github.com/teampulse/pulse-ai/internal/telemetry"
	"github.com/teampulse/pulse-ai/internal/util"
)

// Generator is the part of the orchestrator the handler needs.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// Handler serves the chat endpoints. writer may be nil.
type Handler struct {
	gen    Generator
	writer memory.MessageWriter
}

func NewHandler(gen Generator, writer memory.MessageWriter) *Handler {
	return &Handler{gen: gen, writer: writer}
}

// Register mounts the chat routes.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/v1/chat", h.Chat)
	r.GET("/v1/chat/ws", h.WebSocket)
}

// ChatRequest is the request body of POST /v1/chat and of every WebSocket
// message.
type ChatRequest struct {
	TenantID    string                   `json:"tenant_id"`
	UserID      string                   `json:"user_id"`
	ChannelID   string                   `json:"channel_id"`
	Content     string                   `json:"content"`
	Attachments []attachments.Attachment `json:"attachments"`
	Provider    string                   `json:"provider"`
	Model       string                   `json:"model"`
	Stream      bool                     `json:"stream"`
	WebSearch   bool                     `json:"web_search"`
	Temperature *float64                 `json:"temperature"`
	MaxTokens   int                      `json:"max_tokens"`
}

// UsagePayload is the usage object of a reply.
type UsagePayload struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Estimated    bool            `json:"estimated,omitempty"`
	Cost         decimal.Decimal `json:"cost"`
	Currency     string          `json:"currency"`
}

// ChatResponse is the non streaming reply.
type ChatResponse struct {
	Content  string       `json:"content"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Usage    UsagePayload `json:"usage"`
}

// ErrorPayload is the caller facing error.
type ErrorPayload struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retry      bool   `json:"retry"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Event is one streamed message. Type is chunk, done or error.
type Event struct {
	Type        string        `json:"type"`
	Content     string        `json:"content"`
	Accumulated string        `json:"accumulated,omitempty"`
	Usage       *UsagePayload `json:"usage,omitempty"`
	Error       *ErrorPayload `json:"error,omitempty"`
}

func usagePayload(resp *ai.Response) UsagePayload {
	return UsagePayload{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Estimated:    resp.Usage.Estimated,
		Cost:         resp.Cost.TotalCost,
		Currency:     resp.Cost.Currency,
	}
}

func errorPayload(err *ai.Error) *ErrorPayload {
	return &ErrorPayload{
		Kind:       string(err.Kind),
		Message:    err.Message,
		Retry:      err.Retry,
		RetryAfter: err.RetryAfterSeconds(),
	}
}

// identity fills tenant and user from the headers when the body has none.
func (r *ChatRequest) identity(c *gin.Context) {
	r.TenantID = util.FirstNonEmpty(r.TenantID, c.GetHeader("X-Tenant-ID"))
	r.UserID = util.FirstNonEmpty(r.UserID, c.GetHeader("X-User-ID"))
}

func (r ChatRequest) toAI() (ai.Request, error) {
	req := ai.Request{
		TenantID:    r.TenantID,
		UserID:      r.UserID,
		ChannelID:   r.ChannelID,
		Content:     r.Content,
		Attachments: r.Attachments,
		Model:       r.Model,
		Stream:      r.Stream,
		WebSearch:   r.WebSearch,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
	if r.Provider != "" {
		p, err := keys.ParseProvider(r.Provider)
		if err != nil {
			return req, err
		}
		req.Provider = p
	}
	return req, nil
}

// Chat handles POST /v1/chat.
func (h *Handler) Chat(c *gin.Context) {
	var body ChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrorPayload{Kind: string(ai.KindInvalidRequest), Message: "invalid json body"}})
		return
	}
	body.identity(c)
	req, err := body.toAI()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrorPayload{Kind: string(ai.KindInvalidRequest), Message: err.Error()}})
		return
	}

	ctx := c.Request.Context()
	if raw, err := json.Marshal(body); err == nil {
		ctx = telemetry.WithInput(ctx, raw)
	}

	if req.Stream {
		h.stream(ctx, c, req)
		return
	}

	received := time.Now().UTC()
	resp, err := h.gen.Generate(ctx, req)
	if err != nil {
		aerr := ai.AsError(err)
		h.persistExchange(ctx, req, received, errorMessage(aerr))
		if s := aerr.RetryAfterSeconds(); s > 0 {
			c.Header("Retry-After", strconv.Itoa(s))
		}
		c.JSON(aerr.HTTPStatus(), gin.H{"error": errorPayload(aerr)})
		return
	}
	h.persistExchange(ctx, req, received, memory.StoredMessage{Role: memory.RoleAssistant, Content: resp.Content})
	c.JSON(http.StatusOK, ChatResponse{
		Content:  resp.Content,
		Provider: string(resp.Provider),
		Model:    resp.Model,
		Usage:    usagePayload(resp),
	})
}

func (h *Handler) stream(ctx context.Context, c *gin.Context, req ai.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	send := func(ev Event) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
		if flusher != nil {
			flusher.Flush()
		}
	}

	h.generateEvents(ctx, req, send)
}

// generateEvents runs a streaming generation and reports it through send as
// chunk events followed by one done or error event.
func (h *Handler) generateEvents(ctx context.Context, req ai.Request, send func(Event)) {
	req.Stream = true
	req.OnStream = func(chunk executor.Chunk) {
		send(Event{Type: "chunk", Content: chunk.Content, Accumulated: chunk.Accumulated})
	}

	received := time.Now().UTC()
	resp, err := h.gen.Generate(ctx, req)
	if err != nil {
		aerr := ai.AsError(err)
		h.persistExchange(ctx, req, received, errorMessage(aerr))
		send(Event{Type: "error", Content: aerr.Message, Error: errorPayload(aerr)})
		return
	}
	h.persistExchange(ctx, req, received, memory.StoredMessage{Role: memory.RoleAssistant, Content: resp.Content})
	usage := usagePayload(resp)
	send(Event{Type: "done", Content: resp.Content, Usage: &usage})
}

// persistExchange stores the user message and the reply once the generation
// is over, so a cold history load inside Generate never sees the message
// being answered. It outlives a disconnected client.
func (h *Handler) persistExchange(ctx context.Context, req ai.Request, received time.Time, reply memory.StoredMessage) {
	if h.writer == nil || req.TenantID == "" || req.ChannelID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	user := memory.StoredMessage{Role: memory.RoleUser, Content: req.Content, Attachments: req.Attachments, CreatedAt: received}
	reply.CreatedAt = time.Now().UTC()
	if !reply.CreatedAt.After(received) {
		reply.CreatedAt = received.Add(time.Microsecond)
	}
	for _, msg := range []memory.StoredMessage{user, reply} {
		if err := h.writer.AppendMessage(ctx, req.TenantID, req.ChannelID, msg); err != nil {
			log.WithFields(log.Fields{
				"tenant":  req.TenantID,
				"channel": req.ChannelID,
				"role":    msg.Role,
			}).WithError(err).Warn("failed to persist chat message")
		}
	}
}

func errorMessage(aerr *ai.Error) memory.StoredMessage {
	return memory.StoredMessage{Role: memory.RoleAssistant, Kind: "error", Content: aerr.Message}
}
