// Package ai is the request facade: it assembles conversation context, picks a
// key, runs the provider call with one rotation retry, records the outcome and
// returns a provider neutral result.
package ai

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teampulse/pulse-ai/internal/attachments"
	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/memory"
	"github.com/teampulse/pulse-ai/internal/metrics"
	"github.com/teampulse/pulse-ai/internal/runtime/executor"
	"github.com/teampulse/pulse-ai/internal/telemetry"
	"github.com/teampulse/pulse-ai/internal/usage"
)

// State is a step of the per request state machine.
type State string

const (
	StateAssembling State = "ASSEMBLING_CONTEXT"
	StateDispatching State = "DISPATCHING"
	StateStreaming   State = "STREAMING"
	StateAwaiting    State = "AWAITING_RESPONSE"
	StateLogging     State = "LOGGING"
	StateDone        State = "DONE"
	StateError       State = "ERROR"
)

const (
	DefaultTimeout = 540 * time.Second
	// maxAttempts is the first call plus one retry on a fresh key.
	maxAttempts = 2
)

// Request is one chat generation.
type Request struct {
	TenantID    string
	UserID      string
	ChannelID   string
	Content     string
	Attachments []attachments.Attachment

	// Provider and Model are optional; the model implies the provider when
	// only the model is set.
	Provider keys.Provider
	Model    string

	Stream      bool
	OnStream    func(executor.Chunk)
	WebSearch   bool
	Temperature *float64
	MaxTokens   int
}

// Response is the result of a successful generation.
type Response struct {
	Content    string         `json:"content"`
	Provider   keys.Provider  `json:"provider"`
	Model      string         `json:"model"`
	ResponseID string         `json:"response_id,omitempty"`
	Usage      executor.Usage `json:"usage"`
	Cost       usage.Cost     `json:"cost"`
	Attempts   int            `json:"attempts"`
}

// Options tunes an Orchestrator.
type Options struct {
	Preamble        string
	DefaultProvider keys.Provider
	DefaultModels   map[keys.Provider]string
	Timeout         time.Duration
	Temperature     float64
	MaxTokens       int
	// RetryAfter is the hint given with KEYS_EXHAUSTED.
	RetryAfter time.Duration
	// OnState observes every state transition.
	OnState func(State)
}

// Deps are the collaborators of an Orchestrator. Memory, Attachments, Budget
// and Sink may be nil.
type Deps struct {
	Keys        *keys.Manager
	Executors   []executor.Executor
	Memory      *memory.Memory
	Attachments *attachments.Resolver
	Budget      *Budget
	Prices      *usage.PriceTable
	Sink        usage.Sink
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	deps      Deps
	opts      Options
	executors map[keys.Provider]executor.Executor
	now       func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Prices == nil {
		deps.Prices = usage.DefaultPriceTable()
	}
	if deps.Sink == nil {
		deps.Sink = usage.Discard{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = keys.OpenAI
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = keys.DefaultErrorCooldown
	}
	o := &Orchestrator{
		deps:      deps,
		opts:      opts,
		executors: make(map[keys.Provider]executor.Executor, len(deps.Executors)),
		now:       time.Now,
	}
	for _, e := range deps.Executors {
		o.executors[e.Identifier()] = e
	}
	return o
}

// run carries the state of one request.
type run struct {
	req      Request
	provider keys.Provider
	model    string
	state    State
	keyIndex int
	started  time.Time
	attempts int
}

func (o *Orchestrator) enter(ctx context.Context, r *run, s State) {
	r.state = s
	telemetry.Event(ctx, "state", attribute.String("pulse.state", string(s)))
	if o.opts.OnState != nil {
		o.opts.OnState(s)
	}
}

// Generate runs req to completion. Streaming requests deliver chunks through
// req.OnStream and still return the full Response. Errors are *Error.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	ctx = telemetry.WithTenant(ctx, req.TenantID)
	ctx, span := telemetry.StartSpan(ctx, "ai.generate",
		attribute.String("pulse.tenant", req.TenantID),
		attribute.String("pulse.channel", req.ChannelID),
		attribute.Bool("pulse.stream", req.Stream),
	)
	defer span.End()

	r := &run{req: req, started: o.now(), keyIndex: -1}
	o.enter(ctx, r, StateAssembling)

	provider, model, aerr := o.route(req)
	r.provider, r.model = provider, model
	if aerr != nil {
		return nil, o.fail(ctx, r, aerr)
	}
	span.SetAttributes(attribute.String("gen_ai.system", string(provider)), attribute.String("gen_ai.request.model", model))

	messages := o.assemble(ctx, req)
	if o.remembers(req) {
		o.deps.Memory.AppendTurn(req.TenantID, req.ChannelID, memory.Turn{
			Role:        memory.RoleUser,
			Content:     req.Content,
			Attachments: req.Attachments,
		})
	}

	execReq := executor.Request{
		Model:    model,
		Messages: messages,
		Options: executor.Options{
			Stream:      req.Stream,
			OnStream:    req.OnStream,
			Temperature: o.temperature(req),
			MaxTokens:   o.maxTokens(req),
			WebSearch:   req.WebSearch,
		},
	}

	res, err := o.dispatch(ctx, r, execReq)
	if err != nil {
		return nil, o.fail(ctx, r, err)
	}
	return o.complete(ctx, r, res), nil
}

// route validates req and resolves its provider and model.
func (o *Orchestrator) route(req Request) (keys.Provider, string, *Error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return "", "", invalidRequest("tenant id is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return "", "", invalidRequest("message content is empty")
	}
	provider := req.Provider
	if provider == "" {
		if p, ok := executor.ProviderForModel(req.Model); ok {
			provider = p
		} else {
			provider = o.opts.DefaultProvider
		}
	}
	if _, ok := o.executors[provider]; !ok {
		return provider, req.Model, invalidRequest("unsupported provider %q", provider)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.opts.DefaultModels[provider]
	}
	if model == "" {
		return provider, "", invalidRequest("no model given and no default model for %s", provider)
	}
	return provider, model, nil
}

// assemble builds preamble, history and the new user turn. Memory and
// attachment failures are logged and the request goes on without them.
func (o *Orchestrator) assemble(ctx context.Context, req Request) []executor.Message {
	fields := log.Fields{"tenant": req.TenantID, "channel": req.ChannelID}
	var messages []executor.Message
	if o.opts.Preamble != "" {
		messages = append(messages, executor.Message{Role: executor.RoleSystem, Content: o.opts.Preamble})
	}

	if o.remembers(req) {
		history, err := o.deps.Memory.GetContext(ctx, req.TenantID, req.ChannelID)
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("conversation context unavailable, continuing without history")
		}
		for _, turn := range history {
			messages = append(messages, executor.Message{Role: executor.Role(turn.Role), Content: turn.Content})
		}
	}

	user := executor.Message{Role: executor.RoleUser, Content: req.Content}
	if len(req.Attachments) > 0 && o.deps.Attachments != nil {
		files, err := o.deps.Attachments.Resolve(ctx, req.Attachments)
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("some attachments could not be resolved")
		}
		user.Attachments = files
	}
	messages = append(messages, user)

	if o.deps.Budget != nil {
		var dropped int
		messages, dropped = o.deps.Budget.Fit(messages)
		if dropped > 0 {
			log.WithFields(fields).WithField("dropped", dropped).Debug("history trimmed to prompt budget")
		}
	}
	return messages
}

// dispatch is the DISPATCHING / STREAMING loop with one rotation retry. A
// key is never charged for the caller going away, and a stream that already
// reached the caller is not restarted on another key.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, req executor.Request) (*executor.Result, error) {
	exec := o.executors[r.provider]
	var lastErr error

	var streamed atomic.Bool
	if onStream := req.Options.OnStream; onStream != nil {
		req.Options.OnStream = func(chunk executor.Chunk) {
			streamed.Store(true)
			onStream(chunk)
		}
	}

	for r.attempts < maxAttempts {
		r.attempts++
		o.enter(ctx, r, StateDispatching)
		sel, err := o.deps.Keys.GetKey(r.req.TenantID, r.provider)
		if err != nil {
			if !errors.Is(err, keys.ErrNoCredentials) && o.keysDisabled(r.provider) {
				return nil, authDisabled(r.provider, err)
			}
			if lastErr != nil {
				return nil, exhausted(r.provider, lastErr, o.opts.RetryAfter)
			}
			return nil, keyError(r.provider, err, o.opts.RetryAfter)
		}
		r.keyIndex = sel.Credential.Index

		if req.Options.Stream {
			o.enter(ctx, r, StateStreaming)
		} else {
			o.enter(ctx, r, StateAwaiting)
		}
		start := o.now()
		res, err := exec.Execute(ctx, sel.Credential, req)
		elapsed := o.now().Sub(start)
		if err == nil {
			o.deps.Keys.ReportResult(r.provider, r.keyIndex, keys.Outcome{Success: true, ResponseTime: elapsed})
			return res, nil
		}

		fields := log.Fields{
			"tenant":    r.req.TenantID,
			"provider":  r.provider,
			"key_index": r.keyIndex,
			"model":     r.model,
			"attempt":   r.attempts,
		}
		if cerr := ctx.Err(); cerr != nil {
			log.WithFields(fields).WithError(err).Debug("provider call abandoned, key not charged")
			if errors.Is(cerr, context.Canceled) {
				return nil, cancelledError(r.provider, err)
			}
			return nil, deadlineError(r.provider, err)
		}

		o.deps.Keys.ReportResult(r.provider, r.keyIndex, keys.Outcome{ResponseTime: elapsed, Err: err})
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, deadlineError(r.provider, err)
		}
		kind := keys.ClassifyFailure(err)
		if kind == keys.FailureGeneric {
			log.WithFields(fields).WithError(err).Warn("provider call failed")
			return nil, providerError(r.provider, err)
		}
		if streamed.Load() {
			log.WithFields(fields).WithField("failure", kind.String()).Warn("key failed mid stream, not rotating")
			return nil, keyFailure(r.provider, kind, err, o.opts.RetryAfter)
		}

		log.WithFields(fields).WithField("failure", kind.String()).Warn("key failed, rotating")
		o.deps.Keys.InvalidateCache(r.req.TenantID, r.provider)
		metrics.KeyRotations.WithLabelValues(string(r.provider), kind.String()).Inc()
		lastErr = err
	}
	if o.keysDisabled(r.provider) {
		return nil, authDisabled(r.provider, lastErr)
	}
	return nil, exhausted(r.provider, lastErr, o.opts.RetryAfter)
}

// keysDisabled reports whether provider has keys and every one of them was
// disabled for bad credentials.
func (o *Orchestrator) keysDisabled(provider keys.Provider) bool {
	var seen bool
	for _, h := range o.deps.Keys.Snapshot() {
		if h.Provider != provider {
			continue
		}
		if !h.Disabled {
			return false
		}
		seen = true
	}
	return seen
}

// complete is the LOGGING step.
func (o *Orchestrator) complete(ctx context.Context, r *run, res *executor.Result) *Response {
	o.enter(ctx, r, StateLogging)
	elapsed := o.now().Sub(r.started)

	if o.remembers(r.req) {
		o.deps.Memory.AppendTurn(r.req.TenantID, r.req.ChannelID, memory.Turn{
			Role:    memory.RoleAssistant,
			Content: res.Content,
		})
	}

	cost := o.deps.Prices.Cost(r.provider, r.model, res.Usage.InputTokens, res.Usage.OutputTokens)
	o.deps.Sink.Publish(usage.Record{
		TenantID:  r.req.TenantID,
		UserID:    r.req.UserID,
		ChannelID: r.req.ChannelID,
		Provider:  string(r.provider),
		Model:     r.model,
		KeyIndex:  r.keyIndex,
		Tokens: usage.TokenStats{
			InputTokens:     res.Usage.InputTokens,
			OutputTokens:    res.Usage.OutputTokens,
			ReasoningTokens: res.Usage.ReasoningTokens,
			CachedTokens:    res.Usage.CachedTokens,
			TotalTokens:     res.Usage.TotalTokens,
		},
		Estimated:    res.Usage.Estimated,
		ResponseTime: elapsed,
		Status:       usage.StatusSuccess,
		Cost:         cost.TotalCost,
	})
	metrics.AIRequests.WithLabelValues(string(r.provider), usage.StatusSuccess).Inc()
	metrics.AILatency.WithLabelValues(string(r.provider)).Observe(elapsed.Seconds())

	o.enter(ctx, r, StateDone)
	return &Response{
		Content:    res.Content,
		Provider:   r.provider,
		Model:      r.model,
		ResponseID: res.ResponseID,
		Usage:      res.Usage,
		Cost:       cost,
		Attempts:   r.attempts,
	}
}

// fail is the ERROR step: it publishes a failed record and returns err as an
// *Error.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	aerr := AsError(err)
	if aerr.Provider == "" {
		aerr.Provider = r.provider
	}
	o.enter(ctx, r, StateError)
	telemetry.RecordError(ctx, aerr)

	o.deps.Sink.Publish(usage.Record{
		TenantID:     r.req.TenantID,
		UserID:       r.req.UserID,
		ChannelID:    r.req.ChannelID,
		Provider:     string(r.provider),
		Model:        r.model,
		KeyIndex:     r.keyIndex,
		ResponseTime: o.now().Sub(r.started),
		Status:       usage.StatusFailed,
		ErrorKind:    string(aerr.Kind),
	})
	metrics.AIRequests.WithLabelValues(string(r.provider), usage.StatusFailed).Inc()

	log.WithFields(log.Fields{
		"tenant":   r.req.TenantID,
		"provider": r.provider,
		"model":    r.model,
		"kind":     aerr.Kind,
	}).WithError(errors.Unwrap(aerr)).Info("ai request failed")
	return aerr
}

// remembers reports whether req takes part in a conversation window. Requests
// without a channel are stateless.
func (o *Orchestrator) remembers(req Request) bool {
	return o.deps.Memory != nil && req.ChannelID != ""
}

func (o *Orchestrator) temperature(req Request) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	if o.opts.Temperature > 0 {
		t := o.opts.Temperature
		return &t
	}
	return nil
}

func (o *Orchestrator) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return o.opts.MaxTokens
}

// Providers lists the providers the orchestrator can dispatch to.
func (o *Orchestrator) Providers() []keys.Provider {
	out := make([]keys.Provider, 0, len(o.executors))
	for _, p := range keys.Providers {
		if _, ok := o.executors[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
