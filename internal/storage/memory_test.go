package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func row(key string, ts time.Time) Row {
	return Row{
		NaturalKey: key,
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Timestamp:  ts,
		Payload:    []byte(`{}`),
	}
}

func TestMemoryInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	ts := time.Now().UTC()

	inserted, err := s.Insert(ctx, TierHot, "trades", row("binance|BTCUSDT|1", ts))
	if err != nil || !inserted {
		t.Fatalf("first insert = %v/%v", inserted, err)
	}
	inserted, err = s.Insert(ctx, TierHot, "trades", row("binance|BTCUSDT|1", ts))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate natural key reported as inserted")
	}
	n, _ := s.Count(ctx, TierHot, "trades", Predicate{})
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestMemoryPredicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := row(fmt.Sprintf("binance|BTCUSDT|%d", i), base.Add(time.Duration(i)*time.Hour))
		if _, err := s.Insert(ctx, TierHot, "trades", r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := row("bybit|ETHUSDT|x", base)
	other.Exchange, other.Symbol = "bybit", "ETHUSDT"
	s.Insert(ctx, TierHot, "trades", other)

	n, _ := s.Count(ctx, TierHot, "trades", Predicate{From: base.Add(time.Hour), To: base.Add(4 * time.Hour)})
	if n != 3 {
		t.Fatalf("range count = %d, want 3", n)
	}
	n, _ = s.Count(ctx, TierHot, "trades", Predicate{Exchange: "bybit"})
	if n != 1 {
		t.Fatalf("exchange count = %d, want 1", n)
	}
	max, _ := s.MaxTimestamp(ctx, TierHot, "trades", Predicate{Exchange: "binance"})
	if !max.Equal(base.Add(4 * time.Hour)) {
		t.Fatalf("max timestamp = %v", max)
	}
}

func TestMemoryCopyRangeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.Insert(ctx, TierHot, "klines", row(fmt.Sprintf("k%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	p := Predicate{To: base.Add(time.Hour)}
	written, next, err := s.CopyRange(ctx, "klines", p, 4)
	if err != nil || written != 4 {
		t.Fatalf("first batch = %d/%v, want 4", written, err)
	}
	if next == nil {
		t.Fatal("expected a continuation cursor")
	}
	// Repeating the same batch writes nothing new.
	written, _, _ = s.CopyRange(ctx, "klines", p, 4)
	if written != 0 {
		t.Fatalf("repeat batch wrote %d rows", written)
	}
	// Following the cursor drains the rest of the range.
	var total int64 = 4
	for next != nil {
		written, next, err = s.CopyRange(ctx, "klines", *next, 4)
		if err != nil {
			t.Fatalf("copy: %v", err)
		}
		total += written
	}
	if total != 10 {
		t.Fatalf("total copied = %d, want 10", total)
	}
	cold, _ := s.Count(ctx, TierCold, "klines", Predicate{})
	if cold != 10 {
		t.Fatalf("cold count = %d, want 10", cold)
	}
}

func TestMemoryDeleteRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.Insert(ctx, TierHot, "tickers", row(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Hour)))
	}
	deleted, err := s.DeleteRange(ctx, TierHot, "tickers", Predicate{To: base.Add(2 * time.Hour)})
	if err != nil || deleted != 2 {
		t.Fatalf("deleted = %d/%v, want 2", deleted, err)
	}
	n, _ := s.Count(ctx, TierHot, "tickers", Predicate{})
	if n != 2 {
		t.Fatalf("remaining = %d, want 2", n)
	}
}

func TestMemoryTableLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.AcquireTableLock(ctx, "trades"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.AcquireTableLock(ctx, "trades"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}
	// Other tables are independent.
	if err := s.AcquireTableLock(ctx, "klines"); err != nil {
		t.Fatalf("acquire other table: %v", err)
	}
	if err := s.ReleaseTableLock(ctx, "trades"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.AcquireTableLock(ctx, "trades"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestMemoryInsertFlagged(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	ts := time.Now().UTC()
	if _, err := s.InsertFlagged(ctx, TierHot, "orderbook_events", row("ob1", ts), "sequence_anomaly"); err != nil {
		t.Fatalf("insert flagged: %v", err)
	}
	rows, err := s.SelectRange(ctx, TierHot, "orderbook_events", Predicate{}, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("select = %d rows, err %v", len(rows), err)
	}
	if len(rows[0].Flags) != 1 || rows[0].Flags[0] != "sequence_anomaly" {
		t.Fatalf("flags = %v", rows[0].Flags)
	}
}
