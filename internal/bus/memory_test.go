package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var trades, all []string

	_, err := b.Subscribe(ctx, "market.*.*.trade", "trades", func(_ context.Context, m *Message) error {
		mu.Lock()
		trades = append(trades, m.Subject)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, "market.binance.>", "binance", func(_ context.Context, m *Message) error {
		mu.Lock()
		all = append(all, m.Subject)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subjects := []string{
		"market.binance.btcusdt.trade",
		"market.bybit.ethusdt.trade",
		"market.binance.btcusdt.orderbook",
	}
	for _, s := range subjects {
		if err := b.Publish(ctx, s, []byte("x")); err != nil {
			t.Fatalf("publish %s: %v", s, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		tn, an := len(trades), len(all)
		mu.Unlock()
		if tn == 2 && an == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out: trades=%d all=%d", tn, an)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMemoryBusPerSubjectOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	if _, err := b.Subscribe(ctx, "market.binance.btcusdt.trade", "c", func(_ context.Context, m *Message) error {
		mu.Lock()
		got = append(got, string(m.Data))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "market.binance.btcusdt.trade", []byte(fmt.Sprintf("%03d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(got) == n
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < n; i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("order violated at %d: %s >= %s", i, got[i-1], got[i])
		}
	}
}

func TestMemoryBusRedelivers(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	if _, err := b.Subscribe(ctx, "market.>", "d", func(_ context.Context, m *Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, "market.binance.btcusdt.trade", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("handler only ran %d times", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemory()
	b.Close()
	if err := b.Publish(context.Background(), "market.x.y.trade", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
