package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type greeting struct {
	To  string `json:"to"`
	Seq int    `json:"seq"`
}

func TestBroker_PublishConsume(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan greeting, 1)
	go b.Consume(ctx, "hello", 1, func(ctx context.Context, d Delivery) error {
		var g greeting
		if err := d.Decode(&g); err != nil {
			return err
		}
		got <- g
		return nil
	})

	if err := b.Publish(ctx, "hello", greeting{To: "alice", Seq: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case g := <-got:
		if g.To != "alice" || g.Seq != 7 {
			t.Errorf("unexpected payload: %+v", g)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBroker_QueuesAreIsolated(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := b.Publish(ctx, "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "a", 2); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "b", 3); err != nil {
		t.Fatal(err)
	}

	if n := b.Len("a"); n != 2 {
		t.Errorf("queue a: expected 2, got %d", n)
	}
	if n := b.Len("b"); n != 1 {
		t.Errorf("queue b: expected 1, got %d", n)
	}
	if n := b.Len("missing"); n != 0 {
		t.Errorf("missing queue: expected 0, got %d", n)
	}
}

func TestBroker_FIFOWithSingleWorker(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		if err := b.Publish(ctx, "ordered", greeting{Seq: i}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	go b.Consume(ctx, "ordered", 1, func(ctx context.Context, d Delivery) error {
		var g greeting
		if err := d.Decode(&g); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, g.Seq)
		if len(seen) == 20 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out")
	}

	for i, v := range seen {
		if v != i {
			t.Fatalf("out of order at %d: %v", i, seen)
		}
	}
}

func TestBroker_PublishTimeoutWhenFull(t *testing.T) {
	b := New(Config{BufferSize: 1, PublishTimeout: 20 * time.Millisecond, Logger: testLogger()})
	ctx := context.Background()

	if err := b.Publish(ctx, "tiny", "first"); err != nil {
		t.Fatal(err)
	}
	err := b.Publish(ctx, "tiny", "second")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestBroker_PublishWaitsForRoom(t *testing.T) {
	b := New(Config{BufferSize: 1, PublishTimeout: 2 * time.Second, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, "slow", 1); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Consume(ctx, "slow", 1, func(ctx context.Context, d Delivery) error { return nil })
	}()

	if err := b.Publish(ctx, "slow", 2); err != nil {
		t.Fatalf("expected publish to succeed after room frees up, got %v", err)
	}
}

func TestBroker_HandlerPanicDoesNotStopConsumer(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handled int32
	done := make(chan struct{})
	go b.Consume(ctx, "risky", 1, func(ctx context.Context, d Delivery) error {
		var n int
		_ = d.Decode(&n)
		if n == 0 {
			panic("boom")
		}
		if atomic.AddInt32(&handled, 1) == 2 {
			close(done)
		}
		return errors.New("handler errors are logged only")
	})

	for _, n := range []int{0, 1, 2} {
		if err := b.Publish(ctx, "risky", n); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("consumer stopped after panic")
	}
}

func TestBroker_CloseEndsConsumers(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx := context.Background()

	returned := make(chan struct{})
	go func() {
		b.Consume(ctx, "q", 3, func(ctx context.Context, d Delivery) error { return nil })
		close(returned)
	}()

	// Let Consume register the queue before closing.
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after Close")
	}

	if err := b.Publish(ctx, "q", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	b.Close()
}

func TestDelivery_DecodeError(t *testing.T) {
	d := Delivery{ID: "x", Queue: "q", Body: []byte(`{"to":`)}
	var g greeting
	if err := d.Decode(&g); err == nil {
		t.Error("expected decode error")
	}
}
