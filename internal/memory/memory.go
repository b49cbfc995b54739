// Package memory keeps the recent conversation window of every channel so
// prompts can be seeded with context without reading the message store on
// every request.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/teampulse/pulse-ai/internal/attachments"
)

// MaxContextMessages bounds the window of one channel.
const MaxContextMessages = 12

// ErrStorage marks failures of the secondary cache or the message store.
// Callers treat it as best effort and continue without history.
var ErrStorage = errors.New("memory or storage error")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one user or assistant message of a conversation.
type Turn struct {
	Role        string                   `json:"role"`
	Content     string                   `json:"content"`
	Attachments []attachments.Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

// StoredMessage is a message as the chat layer persists it. Kind is empty for
// regular messages and "error" or "system" for the ones left out of context.
type StoredMessage struct {
	Role        string
	Content     string
	Kind        string
	Attachments []attachments.Attachment
	CreatedAt   time.Time
}

// MessageStore reads persisted channel history, newest first.
type MessageStore interface {
	ListRecent(ctx context.Context, tenantID, channelID string, limit int) ([]StoredMessage, error)
}

// MessageWriter persists channel messages. It is owned by the chat layer.
type MessageWriter interface {
	AppendMessage(ctx context.Context, tenantID, channelID string, msg StoredMessage) error
}

// SecondaryCache is the short lived cache between the in-process window and
// the message store.
type SecondaryCache interface {
	Get(ctx context.Context, key string) ([]Turn, bool, error)
	Set(ctx context.Context, key string, turns []Turn) error
	Delete(ctx context.Context, key string) error
}

type window struct {
	mu      sync.Mutex
	loaded  bool
	turns   []Turn
	pending []Turn
}

// Memory is safe for concurrent use. Windows are locked individually.
// Concurrent requests on one channel are last-write-wins; arrival order is
// the caller's responsibility.
type Memory struct {
	store     MessageStore
	secondary SecondaryCache
	now       func() time.Time

	windows sync.Map // tenant/channel -> *window
	loads   singleflight.Group
}

// Option configures a Memory.
type Option func(*Memory)

// WithSecondary sets the secondary cache.
func WithSecondary(c SecondaryCache) Option {
	return func(m *Memory) { m.secondary = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// New creates a memory over store. store may be nil, in which case cold
// windows start empty.
func New(store MessageStore, opts ...Option) *Memory {
	m := &Memory{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// windowKey length prefixes the tenant so ids containing the separator cannot
// collide.
func windowKey(tenantID, channelID string) string {
	return fmt.Sprintf("%d:%s/%s", len(tenantID), tenantID, channelID)
}

func (m *Memory) window(key string) *window {
	if w, ok := m.windows.Load(key); ok {
		return w.(*window)
	}
	w, _ := m.windows.LoadOrStore(key, &window{})
	return w.(*window)
}

// GetContext returns at most MaxContextMessages turns in chronological order.
func (m *Memory) GetContext(ctx context.Context, tenantID, channelID string) ([]Turn, error) {
	key := windowKey(tenantID, channelID)
	w := m.window(key)

	w.mu.Lock()
	if w.loaded {
		out := cloneTurns(w.turns)
		w.mu.Unlock()
		return out, nil
	}
	w.mu.Unlock()

	v, err, _ := m.loads.Do(key, func() (any, error) {
		return m.load(ctx, tenantID, channelID, key)
	})
	if err != nil {
		return nil, err
	}
	history := v.([]Turn)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded {
		w.turns = merge(history, w.pending)
		w.pending = nil
		w.loaded = true
	}
	return cloneTurns(w.turns), nil
}

func (m *Memory) load(ctx context.Context, tenantID, channelID, key string) ([]Turn, error) {
	fields := log.Fields{"tenant": tenantID, "channel": channelID}

	if m.secondary != nil {
		turns, ok, err := m.secondary.Get(ctx, key)
		switch {
		case err != nil:
			log.WithFields(fields).WithError(err).Warn("secondary context cache read failed")
		case ok:
			return trim(turns), nil
		}
	}

	if m.store == nil {
		return nil, nil
	}
	msgs, err := m.store.ListRecent(ctx, tenantID, channelID, 2*MaxContextMessages)
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %w", ErrStorage, err)
	}
	turns := fromStored(msgs)

	if m.secondary != nil {
		if err := m.secondary.Set(ctx, key, turns); err != nil {
			log.WithFields(fields).WithError(err).Warn("secondary context cache write failed")
		}
	}
	log.WithFields(fields).WithField("turns", len(turns)).Debug("conversation history loaded")
	return turns, nil
}

// fromStored drops error and system messages, restores chronological order
// and keeps the newest MaxContextMessages.
func fromStored(msgs []StoredMessage) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Kind == "error" || msg.Kind == "system" {
			continue
		}
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		turns = append(turns, Turn{
			Role:        msg.Role,
			Content:     msg.Content,
			Attachments: msg.Attachments,
			Timestamp:   msg.CreatedAt,
		})
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Timestamp.Before(turns[j].Timestamp) })
	return trim(turns)
}

// AppendTurn adds turn to the in-process window only. A zero timestamp becomes
// now and a timestamp older than the newest turn is moved up to it.
func (m *Memory) AppendTurn(tenantID, channelID string, turn Turn) {
	w := m.window(windowKey(tenantID, channelID))
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded {
		w.turns = appendBounded(w.turns, turn)
	} else {
		w.pending = appendBounded(w.pending, turn)
	}
}

// Forget drops the window and the secondary cache entry of a channel.
func (m *Memory) Forget(ctx context.Context, tenantID, channelID string) error {
	key := windowKey(tenantID, channelID)
	m.windows.Delete(key)
	if m.secondary == nil {
		return nil
	}
	if err := m.secondary.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func appendBounded(turns []Turn, turn Turn) []Turn {
	if n := len(turns); n > 0 && turn.Timestamp.Before(turns[n-1].Timestamp) {
		turn.Timestamp = turns[n-1].Timestamp
	}
	turns = append(turns, turn)
	return trim(turns)
}

// merge appends the turns recorded while the window was cold after the loaded
// history, skipping ones the history already has.
func merge(history, pending []Turn) []Turn {
	out := cloneTurns(history)
	for _, p := range pending {
		if containsTurn(history, p) {
			continue
		}
		out = appendBounded(out, p)
	}
	return trim(out)
}

func containsTurn(turns []Turn, t Turn) bool {
	for _, h := range turns {
		if h.Role == t.Role && h.Content == t.Content && h.Timestamp.Equal(t.Timestamp) {
			return true
		}
	}
	return false
}

func trim(turns []Turn) []Turn {
	if len(turns) <= MaxContextMessages {
		return turns
	}
	out := make([]Turn, MaxContextMessages)
	copy(out, turns[len(turns)-MaxContextMessages:])
	return out
}

func cloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return []Turn{}
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
