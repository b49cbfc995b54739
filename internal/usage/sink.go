package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultQueueSize = 1024
	pluginTimeout    = 10 * time.Second
)

// AsyncSink delivers records to its plugins from a single worker goroutine.
// Publish never blocks: when the queue is full the record is dropped.
type AsyncSink struct {
	plugins []Plugin
	queue   chan Record

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	done    chan struct{}
}

// NewAsyncSink starts a sink with a queue of size records.
func NewAsyncSink(size int, plugins ...Plugin) *AsyncSink {
	if size <= 0 {
		size = defaultQueueSize
	}
	s := &AsyncSink{
		plugins: plugins,
		queue:   make(chan Record, size),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues record.
func (s *AsyncSink) Publish(record Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(record, "sink closed")
		return
	}
	select {
	case s.queue <- record.normalise():
	default:
		s.drop(record, "queue full")
	}
}

func (s *AsyncSink) drop(record Record, reason string) {
	n := s.dropped.Add(1)
	log.WithFields(log.Fields{
		"tenant":  record.TenantID,
		"model":   record.Model,
		"dropped": n,
	}).Warnf("usage record dropped: %s", reason)
}

// Dropped returns the number of records dropped so far.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

func (s *AsyncSink) run() {
	defer close(s.done)
	for record := range s.queue {
		for _, p := range s.plugins {
			s.deliver(p, record)
		}
	}
}

func (s *AsyncSink) deliver(p Plugin, record Record) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("plugin", p.Name()).Errorf("usage plugin panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), pluginTimeout)
	defer cancel()
	if err := p.HandleUsage(ctx, record); err != nil {
		log.WithFields(log.Fields{
			"plugin": p.Name(),
			"tenant": record.TenantID,
		}).WithError(err).Warn("usage plugin failed")
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to
// end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage sink close: %w", ctx.Err())
	}
}
