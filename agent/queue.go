package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type InboundMessage struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// ErrQueueFull is returned by Enqueue when the buffer has no room.
var ErrQueueFull = errors.New("queue is full")

type InboundHandler func(ctx context.Context, message InboundMessage) error

type QueueOptions struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	// Permanent reports errors that retrying cannot fix. Nil retries all.
	Permanent func(error) bool
	Logger    *zap.Logger
}

type Queue struct {
	handler InboundHandler
	opts    QueueOptions
	input   chan InboundMessage
	wg      sync.WaitGroup
	pending sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

func NewQueue(handler InboundHandler, options QueueOptions) *Queue {
	if options.Workers <= 0 {
		options.Workers = 1
	}
	if options.BufferSize <= 0 {
		options.BufferSize = 256
	}
	if options.MaxRetries < 0 {
		options.MaxRetries = 0
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = 200 * time.Millisecond
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &Queue{
		handler: handler,
		opts:    options,
		input:   make(chan InboundMessage, options.BufferSize),
	}
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("queue is already running")
	}
	if q.handler == nil {
		return errors.New("queue handler is required")
	}
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.runWorker(workerCtx)
	}
	return nil
}

func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	// Messages nobody picked up are dropped.
	for {
		select {
		case <-q.input:
			q.pending.Done()
		default:
			return
		}
	}
}

// Wait blocks until every message enqueued so far has been handled or
// dropped by Stop.
func (q *Queue) Wait() {
	q.pending.Wait()
}

func (q *Queue) Enqueue(message InboundMessage) error {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if !running {
		return errors.New("queue is not running")
	}
	q.pending.Add(1)
	select {
	case q.input <- message:
		return nil
	default:
		q.pending.Done()
		return ErrQueueFull
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.input:
			q.handleWithRetry(ctx, msg)
			q.pending.Done()
		}
	}
}

func (q *Queue) handleWithRetry(ctx context.Context, message InboundMessage) {
	log := q.opts.Logger.With(zap.String("session", message.SessionID), zap.String("message", message.ID))
	for attempt := 0; attempt <= q.opts.MaxRetries; attempt++ {
		err := q.handler(ctx, message)
		if err == nil {
			return
		}
		if q.opts.Permanent != nil && q.opts.Permanent(err) {
			log.Error("inbound message dropped", zap.Error(err))
			return
		}
		if attempt == q.opts.MaxRetries {
			log.Error("inbound message failed", zap.Int("attempts", attempt+1), zap.Error(err))
			return
		}
		log.Warn("inbound message failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.opts.RetryDelay):
		}
	}
}
