package keys

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxErrorCount = 3
	DefaultErrorCooldown = 60 * time.Second
	DefaultAssignmentTTL = 5 * time.Minute
	responseTimeAlpha    = 0.3
	maxIdleBonus         = 100.0
)

// ErrKeysExhausted is returned when every key of a provider is unavailable,
// disabled, saturated or cooling down.
var ErrKeysExhausted = errors.New("all keys exhausted")

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

// Options tunes a Manager. Zero values fall back to the defaults above.
type Options struct {
	MaxErrorCount int
	ErrorCooldown time.Duration
	AssignmentTTL time.Duration

	// Now and AfterFunc replace the wall clock in tests.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer

	// OnHealthChange is called outside any lock after a key's health moved.
	OnHealthChange func(Health)
}

// Health is a point-in-time view of one key.
type Health struct {
	Provider          Provider  `json:"provider"`
	Index             int       `json:"index"`
	Fingerprint       string    `json:"fingerprint"`
	Available         bool      `json:"available"`
	Disabled          bool      `json:"disabled"`
	ErrorCount        int       `json:"error_count"`
	SuccessCount      int       `json:"success_count"`
	LastError         time.Time `json:"last_error,omitempty"`
	LastUsed          time.Time `json:"last_used,omitempty"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	RecoveryAt        time.Time `json:"recovery_at,omitempty"`
}

// Assignment pins a tenant to one key of one provider for a while.
type Assignment struct {
	TenantID   string
	Provider   Provider
	KeyIndex   int
	AssignedAt time.Time
}

// Selection is a key handed to a caller.
type Selection struct {
	Credential Credential
	Cached     bool
}

// Outcome reports how a call made with a key ended.
type Outcome struct {
	Success      bool
	ResponseTime time.Duration
	Err          error
}

type keyState struct {
	mu         sync.Mutex
	cred       Credential
	health     Health
	recovery   Timer
	generation uint64
}

// Manager selects keys per tenant, caches the choice and folds call outcomes
// back into key health. It is safe for concurrent use.
type Manager struct {
	pool   *Pool
	opts   Options
	states map[Provider][]*keyState

	// tenant|provider -> Assignment
	assignments sync.Map
	stopped     atomic.Bool
}

// NewManager creates a manager over every key in pool.
func NewManager(pool *Pool, opts Options) *Manager {
	if opts.MaxErrorCount <= 0 {
		opts.MaxErrorCount = DefaultMaxErrorCount
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = DefaultErrorCooldown
	}
	if opts.AssignmentTTL <= 0 {
		opts.AssignmentTTL = DefaultAssignmentTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	m := &Manager{pool: pool, opts: opts, states: make(map[Provider][]*keyState)}
	for provider, creds := range pool.creds {
		states := make([]*keyState, len(creds))
		for i, cred := range creds {
			states[i] = &keyState{
				cred: cred,
				health: Health{
					Provider:    provider,
					Index:       cred.Index,
					Fingerprint: cred.Fingerprint(),
					Available:   true,
				},
			}
		}
		m.states[provider] = states
	}
	return m
}

func assignmentKey(tenantID string, provider Provider) string {
	return tenantID + "|" + string(provider)
}

func (m *Manager) statesFor(provider Provider) ([]*keyState, error) {
	states := m.states[provider]
	if len(states) == 0 {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoCredentials)
	}
	return states, nil
}

// GetKey returns the key assigned to tenantID for provider. A cached
// assignment younger than the TTL is reused as long as its key is still
// selectable; otherwise the best key is chosen and cached.
func (m *Manager) GetKey(tenantID string, provider Provider) (Selection, error) {
	states, err := m.statesFor(provider)
	if err != nil {
		return Selection{}, err
	}
	now := m.opts.Now()
	cacheKey := assignmentKey(tenantID, provider)

	if v, ok := m.assignments.Load(cacheKey); ok {
		a := v.(Assignment)
		if now.Sub(a.AssignedAt) < m.opts.AssignmentTTL && a.KeyIndex < len(states) {
			st := states[a.KeyIndex]
			st.mu.Lock()
			ok := m.selectable(&st.health, now)
			if ok {
				st.health.LastUsed = now
			}
			st.mu.Unlock()
			if ok {
				return Selection{Credential: st.cred, Cached: true}, nil
			}
		}
		m.assignments.CompareAndDelete(cacheKey, v)
	}

	idx, ok := m.SelectBestKey(provider)
	if !ok {
		return Selection{}, fmt.Errorf("%s: %w", provider, ErrKeysExhausted)
	}
	st := states[idx]
	st.mu.Lock()
	st.health.LastUsed = now
	st.mu.Unlock()

	m.assignments.Store(cacheKey, Assignment{TenantID: tenantID, Provider: provider, KeyIndex: idx, AssignedAt: now})
	log.WithFields(log.Fields{
		"tenant":   tenantID,
		"provider": provider,
		"key":      st.cred.Fingerprint(),
		"index":    idx,
	}).Debug("key assigned")
	return Selection{Credential: st.cred}, nil
}

// SelectBestKey scores every selectable key of provider and returns the index
// of the highest score. Ties go to the lowest index.
func (m *Manager) SelectBestKey(provider Provider) (int, bool) {
	now := m.opts.Now()
	best, bestScore := -1, 0.0
	for i, st := range m.states[provider] {
		st.mu.Lock()
		h := st.health
		ok := m.selectable(&h, now)
		st.mu.Unlock()
		if !ok {
			continue
		}
		if score := Score(h, now); best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, best >= 0
}

func (m *Manager) selectable(h *Health, now time.Time) bool {
	if !h.Available || h.Disabled || h.ErrorCount >= m.opts.MaxErrorCount {
		return false
	}
	if !h.LastError.IsZero() && now.Sub(h.LastError) < m.opts.ErrorCooldown {
		return false
	}
	return true
}

// Score favors keys with a low error rate and, among equals, keys that have
// been idle longer. A key that was never used counts as fully idle.
func Score(h Health, now time.Time) float64 {
	total := h.ErrorCount + h.SuccessCount
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(h.ErrorCount) / float64(total)
	}
	idle := maxIdleBonus
	if !h.LastUsed.IsZero() {
		idle = now.Sub(h.LastUsed).Seconds()
		if idle > maxIdleBonus {
			idle = maxIdleBonus
		}
		if idle < 0 {
			idle = 0
		}
	}
	return (1-errorRate)*1000 + idle
}

// ReportResult folds the outcome of one call into the health of key index of
// provider. Failures also drop every tenant assignment pointing at that key.
func (m *Manager) ReportResult(provider Provider, index int, outcome Outcome) {
	states := m.states[provider]
	if index < 0 || index >= len(states) {
		log.WithFields(log.Fields{"provider": provider, "index": index}).Warn("result reported for unknown key")
		return
	}
	st := states[index]
	now := m.opts.Now()

	st.mu.Lock()
	h := &st.health
	if outcome.Success {
		h.SuccessCount++
		if h.ErrorCount > 0 {
			h.ErrorCount--
		}
		if outcome.ResponseTime > 0 {
			ms := float64(outcome.ResponseTime) / float64(time.Millisecond)
			if h.AvgResponseTimeMs == 0 {
				h.AvgResponseTimeMs = ms
			} else {
				h.AvgResponseTimeMs = responseTimeAlpha*ms + (1-responseTimeAlpha)*h.AvgResponseTimeMs
			}
		}
		snapshot := st.health
		st.mu.Unlock()
		m.notify(snapshot)
		return
	}

	kind := ClassifyFailure(outcome.Err)
	if h.ErrorCount < m.opts.MaxErrorCount {
		h.ErrorCount++
	}
	h.LastError = now

	switch {
	case kind == FailureAuth:
		if !h.Disabled {
			log.WithFields(log.Fields{"provider": provider, "key": st.cred.Fingerprint()}).Error("key disabled after authentication failure")
		}
		h.Available = false
		h.Disabled = true
		h.RecoveryAt = time.Time{}
		st.generation++
		if st.recovery != nil {
			st.recovery.Stop()
			st.recovery = nil
		}
	case h.Disabled:
	case kind == FailureRateLimit:
		h.Available = false
		m.scheduleRecovery(st, now, m.opts.ErrorCooldown)
		log.WithFields(log.Fields{"provider": provider, "key": st.cred.Fingerprint()}).Warn("key rate limited")
	case h.ErrorCount >= m.opts.MaxErrorCount:
		h.Available = false
		m.scheduleRecovery(st, now, 5*m.opts.ErrorCooldown)
		log.WithFields(log.Fields{"provider": provider, "key": st.cred.Fingerprint(), "errors": h.ErrorCount}).Warn("key marked unavailable")
	}
	snapshot := st.health
	st.mu.Unlock()

	m.dropAssignmentsFor(provider, index)
	m.notify(snapshot)
}

// scheduleRecovery must be called with st.mu held. A newer schedule replaces
// any pending one.
func (m *Manager) scheduleRecovery(st *keyState, now time.Time, after time.Duration) {
	if m.stopped.Load() {
		return
	}
	if st.recovery != nil {
		st.recovery.Stop()
	}
	st.generation++
	gen := st.generation
	st.health.RecoveryAt = now.Add(after)
	st.recovery = m.opts.AfterFunc(after, func() { m.recover(st, gen) })
}

func (m *Manager) recover(st *keyState, gen uint64) {
	st.mu.Lock()
	if st.generation != gen || st.health.Disabled {
		st.mu.Unlock()
		return
	}
	half := m.opts.MaxErrorCount / 2
	if st.health.ErrorCount > half {
		st.health.ErrorCount = half
	}
	st.health.Available = true
	st.health.RecoveryAt = time.Time{}
	st.recovery = nil
	snapshot := st.health
	st.mu.Unlock()

	log.WithFields(log.Fields{"provider": snapshot.Provider, "key": snapshot.Fingerprint}).Info("key recovered")
	m.notify(snapshot)
}

func (m *Manager) dropAssignmentsFor(provider Provider, index int) {
	m.assignments.Range(func(k, v any) bool {
		if a := v.(Assignment); a.Provider == provider && a.KeyIndex == index {
			m.assignments.CompareAndDelete(k, v)
		}
		return true
	})
}

// InvalidateCache forgets the assignment of tenantID for provider. An empty
// provider drops every provider of the tenant; both empty drop everything.
func (m *Manager) InvalidateCache(tenantID string, provider Provider) {
	if tenantID != "" && provider != "" {
		m.assignments.Delete(assignmentKey(tenantID, provider))
		return
	}
	m.assignments.Range(func(k, v any) bool {
		a := v.(Assignment)
		if (tenantID == "" || a.TenantID == tenantID) && (provider == "" || a.Provider == provider) {
			m.assignments.Delete(k)
		}
		return true
	})
}

// Assignment returns the cached assignment of tenantID for provider, if any.
func (m *Manager) Assignment(tenantID string, provider Provider) (Assignment, bool) {
	v, ok := m.assignments.Load(assignmentKey(tenantID, provider))
	if !ok {
		return Assignment{}, false
	}
	return v.(Assignment), true
}

// Snapshot returns the health of every key ordered by provider and index.
func (m *Manager) Snapshot() []Health {
	var out []Health
	for _, states := range m.states {
		for _, st := range states {
			st.mu.Lock()
			out = append(out, st.health)
			st.mu.Unlock()
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Stop cancels pending recoveries. Keys that were waiting stay unavailable.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	for _, states := range m.states {
		for _, st := range states {
			st.mu.Lock()
			if st.recovery != nil {
				st.recovery.Stop()
				st.recovery = nil
			}
			st.mu.Unlock()
		}
	}
}

func (m *Manager) notify(h Health) {
	if m.opts.OnHealthChange != nil {
		m.opts.OnHealthChange(h)
	}
}
