package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 10 * time.Second
)

var (
	ErrClosed    = errors.New("broker closed")
	ErrQueueFull = errors.New("queue full")
)

// Delivery is one message taken off a queue. Body holds the JSON payload.
type Delivery struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Body        json.RawMessage `json:"body"`
	PublishedAt time.Time       `json:"published_at"`
}

// Decode unmarshals the payload into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode %s delivery %s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Handler processes one delivery. A returned error is logged; the
// delivery is not requeued.
type Handler func(ctx context.Context, d Delivery) error

// Config tunes the broker.
type Config struct {
	BufferSize     int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Broker is a Go-channel based broker with named queues. Each queue keeps
// FIFO order; with several consumers per queue, handlers run concurrently.
type Broker struct {
	queues         map[string]chan Delivery
	bufferSize     int
	publishTimeout time.Duration
	mu             sync.RWMutex
	closed         bool
	logger         *slog.Logger
}

// New creates a broker. Queues are created on first use.
func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		queues:         make(map[string]chan Delivery),
		bufferSize:     cfg.BufferSize,
		publishTimeout: cfg.PublishTimeout,
		logger:         cfg.Logger,
	}
}

func (b *Broker) queue(name string) (chan Delivery, error) {
	b.mu.RLock()
	ch, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return ch, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok = b.queues[name]
	if !ok {
		ch = make(chan Delivery, b.bufferSize)
		b.queues[name] = ch
	}
	return ch, nil
}

// Publish encodes payload as JSON and enqueues it. If the queue is full it
// waits up to the publish timeout instead of dropping right away.
func (b *Broker) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", queue, err)
	}
	ch, err := b.queue(queue)
	if err != nil {
		return err
	}

	d := Delivery{
		ID:          uuid.NewString(),
		Queue:       queue,
		Body:        body,
		PublishedAt: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case ch <- d:
		return nil
	default:
	}

	b.logger.Warn("queue full, waiting...", "queue", queue, "delivery", d.ID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case ch <- d:
		b.logger.Info("delivery enqueued after wait", "queue", queue)
		return nil
	case <-timer.C:
		b.logger.Error("delivery dropped: queue full", "queue", queue, "timeout", b.publishTimeout)
		return fmt.Errorf("%s: %w", queue, ErrQueueFull)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs workers goroutines pulling from queue until ctx is cancelled
// or the broker is closed. It blocks until every worker has returned.
func (b *Broker) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	ch, err := b.queue(queue)
	if err != nil {
		return err
	}

	b.logger.Info("consumer started", "queue", queue, "workers", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-ch:
					if !ok {
						return
					}
					b.dispatch(ctx, h, d)
				}
			}
		}()
	}
	wg.Wait()

	b.logger.Info("consumer stopped", "queue", queue)
	return nil
}

// dispatch runs h with panic recovery so one bad delivery never stops the consumer.
func (b *Broker) dispatch(ctx context.Context, h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("queue handler panic", "queue", d.Queue, "delivery", d.ID, "panic", r)
		}
	}()
	if err := h(ctx, d); err != nil {
		b.logger.Error("queue handler failed", "queue", d.Queue, "delivery", d.ID, "err", err)
	}
}

// Len returns the number of deliveries waiting on queue.
func (b *Broker) Len(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[queue])
}

// Close stops accepting publishes and ends every consumer once its queue drains.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		for _, ch := range b.queues {
			close(ch)
		}
	}
}
