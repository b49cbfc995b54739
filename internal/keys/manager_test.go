package keys

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

func newTestManager(t *testing.T, n int) (*Manager, *fakeClock) {
	t.Helper()
	secrets := make([]string, n)
	for i := range secrets {
		secrets[i] = fmt.Sprintf("sk-test-%d", i)
	}
	clock := newFakeClock()
	m := NewManager(NewPool(map[Provider][]string{OpenAI: secrets}), Options{
		Now:       clock.Now,
		AfterFunc: clock.AfterFunc,
	})
	t.Cleanup(m.Stop)
	return m, clock
}

func healthOf(t *testing.T, m *Manager, provider Provider, index int) Health {
	t.Helper()
	for _, h := range m.Snapshot() {
		if h.Provider == provider && h.Index == index {
			return h
		}
	}
	t.Fatalf("no health for %s#%d", provider, index)
	return Health{}
}

var errRateLimited = errors.New("429 Too Many Requests: rate limit reached")

func TestGetKeyCachesAndRotatesAfterRateLimit(t *testing.T) {
	m, clock := newTestManager(t, 2)

	first, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	clock.Advance(30 * time.Second)
	second, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Credential.Index, second.Credential.Index)

	for i := 0; i < 3; i++ {
		m.ReportResult(OpenAI, first.Credential.Index, Outcome{Err: errRateLimited})
	}

	third, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	assert.NotEqual(t, first.Credential.Index, third.Credential.Index)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	m, clock := newTestManager(t, 2)

	_, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	clock.Advance(DefaultAssignmentTTL)

	sel, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	assert.False(t, sel.Cached)
}

func TestRecoveryAfterMaxGenericFailures(t *testing.T) {
	m, clock := newTestManager(t, 1)
	boom := errors.New("upstream exploded")

	for i := 0; i < DefaultMaxErrorCount; i++ {
		m.ReportResult(OpenAI, 0, Outcome{Err: boom})
	}
	h := healthOf(t, m, OpenAI, 0)
	assert.False(t, h.Available)
	assert.Equal(t, DefaultMaxErrorCount, h.ErrorCount)

	_, err := m.GetKey("t1", OpenAI)
	assert.ErrorIs(t, err, ErrKeysExhausted)

	clock.Advance(DefaultErrorCooldown)
	assert.False(t, healthOf(t, m, OpenAI, 0).Available)

	clock.Advance(4 * DefaultErrorCooldown)
	h = healthOf(t, m, OpenAI, 0)
	assert.True(t, h.Available)
	assert.Equal(t, DefaultMaxErrorCount/2, h.ErrorCount)

	sel, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	assert.Equal(t, 0, sel.Credential.Index)
}

func TestErrorCountNeverExceedsMax(t *testing.T) {
	m, _ := newTestManager(t, 1)
	for i := 0; i < 10; i++ {
		m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("boom")})
	}
	assert.Equal(t, DefaultMaxErrorCount, healthOf(t, m, OpenAI, 0).ErrorCount)
}

func TestRateLimitRecoversAfterCooldown(t *testing.T) {
	m, clock := newTestManager(t, 1)

	m.ReportResult(OpenAI, 0, Outcome{Err: errRateLimited})
	h := healthOf(t, m, OpenAI, 0)
	assert.False(t, h.Available)
	assert.Equal(t, 1, h.ErrorCount)

	clock.Advance(DefaultErrorCooldown - time.Second)
	assert.False(t, healthOf(t, m, OpenAI, 0).Available)

	clock.Advance(time.Second)
	h = healthOf(t, m, OpenAI, 0)
	assert.True(t, h.Available)
	assert.Equal(t, 1, h.ErrorCount)

	_, err := m.GetKey("t1", OpenAI)
	assert.NoError(t, err)
}

func TestNewestRecoveryScheduleWins(t *testing.T) {
	m, clock := newTestManager(t, 1)

	m.ReportResult(OpenAI, 0, Outcome{Err: errRateLimited})
	clock.Advance(30 * time.Second)
	m.ReportResult(OpenAI, 0, Outcome{Err: errRateLimited})

	clock.Advance(30 * time.Second)
	assert.False(t, healthOf(t, m, OpenAI, 0).Available, "first schedule was replaced")

	clock.Advance(30 * time.Second)
	assert.True(t, healthOf(t, m, OpenAI, 0).Available)
}

func TestAuthFailureDisablesPermanently(t *testing.T) {
	m, clock := newTestManager(t, 2)

	m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("Invalid API key provided")})
	m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("authentication_error")})

	h := healthOf(t, m, OpenAI, 0)
	assert.True(t, h.Disabled)
	assert.False(t, h.Available)

	clock.Advance(24 * time.Hour)
	assert.True(t, healthOf(t, m, OpenAI, 0).Disabled)

	for i := 0; i < 5; i++ {
		sel, err := m.GetKey(fmt.Sprintf("tenant-%d", i), OpenAI)
		require.NoError(t, err)
		assert.Equal(t, 1, sel.Credential.Index)
	}
}

func TestSelectionExcludesCoolingDownKeys(t *testing.T) {
	m, clock := newTestManager(t, 1)

	m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("connection reset")})
	h := healthOf(t, m, OpenAI, 0)
	assert.True(t, h.Available)

	_, ok := m.SelectBestKey(OpenAI)
	assert.False(t, ok)

	clock.Advance(DefaultErrorCooldown)
	idx, ok := m.SelectBestKey(OpenAI)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestSelectBestKeyPrefersHealthyThenLowestIndex(t *testing.T) {
	m, clock := newTestManager(t, 3)

	idx, ok := m.SelectBestKey(OpenAI)
	require.True(t, ok)
	assert.Equal(t, 0, idx, "ties go to the lowest index")

	m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("boom")})
	m.ReportResult(OpenAI, 1, Outcome{Success: true})
	clock.Advance(2 * DefaultErrorCooldown)

	idx, ok = m.SelectBestKey(OpenAI)
	require.True(t, ok)
	assert.NotEqual(t, 0, idx)
}

func TestSuccessDecrementsErrorsAndTracksResponseTime(t *testing.T) {
	m, _ := newTestManager(t, 1)

	m.ReportResult(OpenAI, 0, Outcome{Success: true, ResponseTime: 100 * time.Millisecond})
	assert.Equal(t, 0, healthOf(t, m, OpenAI, 0).ErrorCount)
	assert.InDelta(t, 100, healthOf(t, m, OpenAI, 0).AvgResponseTimeMs, 0.001)

	m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("boom")})
	m.ReportResult(OpenAI, 0, Outcome{Success: true, ResponseTime: 200 * time.Millisecond})

	h := healthOf(t, m, OpenAI, 0)
	assert.Equal(t, 0, h.ErrorCount)
	assert.Equal(t, 2, h.SuccessCount)
	assert.InDelta(t, 130, h.AvgResponseTimeMs, 0.001)
}

func TestFailureInvalidatesAssignmentsOfEveryTenant(t *testing.T) {
	m, _ := newTestManager(t, 1)

	_, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	_, err = m.GetKey("t2", OpenAI)
	require.NoError(t, err)

	m.ReportResult(OpenAI, 0, Outcome{Err: errors.New("boom")})

	_, ok := m.Assignment("t1", OpenAI)
	assert.False(t, ok)
	_, ok = m.Assignment("t2", OpenAI)
	assert.False(t, ok)
}

func TestInvalidateCache(t *testing.T) {
	m, _ := newTestManager(t, 2)

	_, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	m.InvalidateCache("t1", OpenAI)

	sel, err := m.GetKey("t1", OpenAI)
	require.NoError(t, err)
	assert.False(t, sel.Cached)

	_, err = m.GetKey("t2", OpenAI)
	require.NoError(t, err)
	m.InvalidateCache("t1", "")
	_, ok := m.Assignment("t1", OpenAI)
	assert.False(t, ok)
	_, ok = m.Assignment("t2", OpenAI)
	assert.True(t, ok)

	m.InvalidateCache("", "")
	_, ok = m.Assignment("t2", OpenAI)
	assert.False(t, ok)
}

func TestGetKeyWithoutCredentials(t *testing.T) {
	m, _ := newTestManager(t, 1)
	_, err := m.GetKey("t1", Anthropic)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestConcurrentUse(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(NewPool(map[Provider][]string{OpenAI: {"a", "b", "c"}}), Options{Now: clock.Now, AfterFunc: clock.AfterFunc})
	defer m.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sel, err := m.GetKey(fmt.Sprintf("t%d", g%4), OpenAI)
				if err != nil {
					continue
				}
				if i%7 == 0 {
					m.ReportResult(OpenAI, sel.Credential.Index, Outcome{Err: errors.New("boom")})
				} else {
					m.ReportResult(OpenAI, sel.Credential.Index, Outcome{Success: true, ResponseTime: time.Millisecond})
				}
			}
		}(g)
	}
	wg.Wait()

	for _, h := range m.Snapshot() {
		assert.GreaterOrEqual(t, h.ErrorCount, 0)
		assert.LessOrEqual(t, h.ErrorCount, DefaultMaxErrorCount)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{errors.New("Rate limit reached for gpt-4o"), FailureRateLimit},
		{errors.New("HTTP 429"), FailureRateLimit},
		{errors.New("invalid x-api-key"), FailureAuth},
		{errors.New("Incorrect API key provided"), FailureAuth},
		{errors.New("connection refused"), FailureGeneric},
		{nil, FailureGeneric},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyFailure(tc.err), "%v", tc.err)
	}
}

type statusErr int

func (s statusErr) Error() string   { return "status" }
func (s statusErr) StatusCode() int { return int(s) }

func TestClassifyFailureUsesStatusCode(t *testing.T) {
	assert.Equal(t, FailureRateLimit, ClassifyFailure(fmt.Errorf("wrapped: %w", statusErr(429))))
	assert.Equal(t, FailureAuth, ClassifyFailure(statusErr(401)))
	assert.Equal(t, FailureGeneric, ClassifyFailure(statusErr(500)))
}

func TestParseProviderAndPool(t *testing.T) {
	p, err := ParseProvider("Claude")
	require.NoError(t, err)
	assert.Equal(t, Anthropic, p)

	_, err = ParseProvider("mistral")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	pool := NewPool(map[Provider][]string{OpenAI: {"a", " ", "b", "a"}, Anthropic: nil})
	creds, err := pool.Credentials(OpenAI)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, 1, creds[1].Index)
	assert.Equal(t, "openai#0("+creds[0].Fingerprint()+")", creds[0].String())

	_, err = pool.Credentials(Anthropic)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, []Provider{OpenAI}, pool.Configured())
}
