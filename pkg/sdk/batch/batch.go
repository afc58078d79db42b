package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/sdk/transport"
)

// sendTimeout bounds one transport call
const sendTimeout = 5 * time.Second

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	Logger       *zap.Logger
}

// Batcher batches session events and sends them periodically
type Batcher struct {
	config    Config
	transport transport.Transport
	logger    *zap.Logger

	events []activity.SessionEvent
	mu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// flushing keeps at most one background flush in flight
	flushing atomic.Bool

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates a new batcher
func New(transport transport.Transport, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		config:    config,
		transport: transport,
		logger:    logger.Named("batch"),
		events:    make([]activity.SessionEvent, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the batcher
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add adds an event to the batch
func (b *Batcher) Add(event activity.SessionEvent) {
	b.mu.Lock()
	b.events = append(b.events, event)
	shouldFlush := len(b.events) >= b.config.MaxBatchSize
	b.mu.Unlock()

	// Flush if batch is full and no flush is already running
	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flush(b.ctx)
			b.flushing.Store(false)
		}()
	}
}

// Pending returns the number of buffered events
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Sent returns the number of events delivered
func (b *Batcher) Sent() int64 {
	return b.sent.Load()
}

// Failed returns the number of events whose delivery failed
func (b *Batcher) Failed() int64 {
	return b.failed.Load()
}

// Flush sends all pending events and returns the transport error, if any
func (b *Batcher) Flush() error {
	return b.flushWith(context.Background())
}

// Stop stops the flush loop, waits for in-flight sends and flushes the rest
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.wg.Wait()

	return b.Flush()
}

// flushLoop periodically flushes events
func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flush(b.ctx)
				b.flushing.Store(false)
			}
		}
	}
}

// flush sends pending events, logging rather than returning failures
func (b *Batcher) flush(ctx context.Context) {
	if err := b.flushWith(ctx); err != nil {
		b.logger.Warn("failed to send session batch", zap.Error(err))
	}
}

func (b *Batcher) flushWith(parent context.Context) error {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}

	events := make([]activity.SessionEvent, len(b.events))
	copy(events, b.events)
	b.events = b.events[:0]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, sendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, events); err != nil {
		b.failed.Add(int64(len(events)))
		return err
	}
	b.sent.Add(int64(len(events)))
	return nil
}
