package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPlugin struct {
	mu      sync.Mutex
	records []Record
	err     error
	started chan struct{}
	release chan struct{}
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) HandleUsage(_ context.Context, record Record) error {
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return p.err
}

func (p *recordingPlugin) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type panicPlugin struct{}

func (panicPlugin) Name() string                              { return "panic" }
func (panicPlugin) HandleUsage(context.Context, Record) error { panic("boom") }

func TestSinkDeliversAndDrains(t *testing.T) {
	failing := &recordingPlugin{err: errors.New("write failed")}
	ok := &recordingPlugin{}
	sink := NewAsyncSink(16, failing, panicPlugin{}, ok)

	for i := 0; i < 10; i++ {
		sink.Publish(Record{TenantID: "t1", Model: "gpt-4o", Tokens: TokenStats{InputTokens: 3, OutputTokens: 4}})
	}
	require.NoError(t, sink.Close(context.Background()))

	assert.Equal(t, 10, failing.count())
	assert.Equal(t, 10, ok.count())
	first := ok.records[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, int64(7), first.Tokens.TotalTokens)
	assert.False(t, first.Timestamp.IsZero())
}

func TestSinkDropsWhenFull(t *testing.T) {
	p := &recordingPlugin{started: make(chan struct{}, 1), release: make(chan struct{})}
	sink := NewAsyncSink(1, p)

	sink.Publish(Record{TenantID: "t1"})
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the first record")
	}
	sink.Publish(Record{TenantID: "t1"}) // queued
	sink.Publish(Record{TenantID: "t1"}) // dropped
	assert.Equal(t, int64(1), sink.Dropped())

	close(p.release)
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, 2, p.count())

	sink.Publish(Record{TenantID: "t1"})
	assert.Equal(t, int64(2), sink.Dropped())
}

func TestSinkCloseHonoursContext(t *testing.T) {
	p := &recordingPlugin{started: make(chan struct{}, 1), release: make(chan struct{})}
	sink := NewAsyncSink(4, p)
	sink.Publish(Record{})
	<-p.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Close(ctx), context.DeadlineExceeded)
	close(p.release)
}
