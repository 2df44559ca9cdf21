package monitor

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
)

// Processor consumes one dequeued message. It is only ever called from the
// single worker goroutine, in submission order.
type Processor interface {
	Process(ctx context.Context, msg bus.ChatMessage) error
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	Queued    int
	Processed uint64
	Failed    uint64
	Dropped   uint64
}

// Monitor decouples ingestion from classification: Enqueue returns
// immediately, a single worker dequeues in FIFO order and waits out the
// settle delay before handing each message to the Processor. The delay
// tolerates the chat platform's message-edit window.
type Monitor struct {
	proc       Processor
	queue      *queue
	settle     time.Duration
	drainGrace time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func New(proc Processor, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		proc:       proc,
		queue:      newQueue(),
		settle:     cfg.SettleDelayDuration(),
		drainGrace: cfg.DrainGraceDuration(),
		done:       make(chan struct{}),
	}
}

// Enqueue accepts a message and returns immediately. Messages arriving after
// shutdown began are counted as dropped.
func (m *Monitor) Enqueue(msg bus.ChatMessage) {
	if !m.queue.Push(msg) {
		m.dropped.Add(1)
		log.Printf("[monitor] dropped message %s: queue closed", msg.MessageID)
	}
}

// Start launches the worker. The worker stops when Stop is called, or
// immediately when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	for {
		msg, ok := m.queue.Pop()
		if !ok {
			return
		}

		if m.settle > 0 {
			select {
			case <-time.After(m.settle):
			case <-ctx.Done():
				m.dropped.Add(1)
				return
			}
		} else if ctx.Err() != nil {
			m.dropped.Add(1)
			return
		}

		if err := m.proc.Process(ctx, msg); err != nil {
			m.failed.Add(1)
			log.Printf("[monitor] process %s failed: %v", msg.MessageID, err)
			continue
		}
		m.processed.Add(1)
	}
}

// Stop closes intake, lets the worker drain the queue within the grace
// period, then cancels it. Messages still queued at forced stop are lost;
// the upstream ledger makes redelivery safe.
func (m *Monitor) Stop() {
	m.queue.Close()
	if m.cancel == nil {
		return
	}

	select {
	case <-m.done:
	case <-time.After(m.drainGrace):
		log.Printf("[monitor] drain grace expired with %d queued, forcing stop", m.queue.Len())
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
	}
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) Status() Status {
	return Status{
		Queued:    m.queue.Len(),
		Processed: m.processed.Load(),
		Failed:    m.failed.Load(),
		Dropped:   m.dropped.Load(),
	}
}
