package migrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketpipe/config"
	"marketpipe/internal/storage"
)

func seedHot(t *testing.T, s storage.Store, table string, n int, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := s.Insert(ctx, storage.TierHot, table, storage.Row{
			NaturalKey: fmt.Sprintf("binance|BTCUSDT|%s-%d", base.Format("20060102150405"), i),
			Exchange:   "binance",
			Symbol:     "BTCUSDT",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Payload:    []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestCycleMovesExpiredRows(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	seedHot(t, s, "trades", 25, old)
	// Fresh rows must survive the cycle.
	seedHot(t, s, "trades", 5, time.Now().UTC().Add(-time.Hour))

	m := New(s, config.MigratorConfig{DefaultRetentionDays: 7, CopyBatchSize: 10})
	report, err := m.RunTable(ctx, "trades")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Selected != 25 || report.Copied != 25 || report.Deleted != 25 {
		t.Fatalf("report = %+v", report)
	}
	if report.FinalState != StateIdle {
		t.Fatalf("final state = %s", report.FinalState)
	}

	hot, _ := s.Count(ctx, storage.TierHot, "trades", storage.Predicate{})
	cold, _ := s.Count(ctx, storage.TierCold, "trades", storage.Predicate{})
	if hot != 5 || cold != 25 {
		t.Fatalf("hot=%d cold=%d, want 5/25", hot, cold)
	}
}

func TestCycleIdleWhenNothingExpired(t *testing.T) {
	s := storage.NewMemory()
	seedHot(t, s, "trades", 3, time.Now().UTC().Add(-time.Hour))

	m := New(s, config.MigratorConfig{DefaultRetentionDays: 7})
	report, err := m.RunTable(context.Background(), "trades")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Selected != 0 || report.Deleted != 0 || report.FinalState != StateIdle {
		t.Fatalf("report = %+v", report)
	}
}

// lyingStore underreports the cold count so verification must fail.
type lyingStore struct {
	storage.Store
}

func (l *lyingStore) Count(ctx context.Context, tier storage.Tier, table string, p storage.Predicate) (int64, error) {
	n, err := l.Store.Count(ctx, tier, table, p)
	if tier == storage.TierCold && n > 0 {
		return n - 1, err
	}
	return n, err
}

func TestVerifyMismatchAbortsBeforeDelete(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemory()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	seedHot(t, inner, "klines", 8, old)

	m := New(&lyingStore{Store: inner}, config.MigratorConfig{DefaultRetentionDays: 7})
	report, err := m.RunTable(ctx, "klines")
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("err = %v, want ErrVerifyMismatch", err)
	}
	if report.FinalState != StateVerifying {
		t.Fatalf("final state = %s, want verifying", report.FinalState)
	}
	// Nothing deleted from hot.
	hot, _ := inner.Count(ctx, storage.TierHot, "klines", storage.Predicate{})
	if hot != 8 {
		t.Fatalf("hot = %d, want 8", hot)
	}
	if report.Deleted != 0 {
		t.Fatalf("deleted = %d, want 0", report.Deleted)
	}
}

// lateArrivalStore slips one more expired row into hot the first time the
// verify phase reads the hot count, mimicking an insert racing the cycle
// between copy and delete.
type lateArrivalStore struct {
	storage.Store
	table    string
	row      storage.Row
	injected bool
}

func (l *lateArrivalStore) DistinctCount(ctx context.Context, tier storage.Tier, table string, p storage.Predicate) (int64, error) {
	if tier == storage.TierHot && table == l.table && !l.injected {
		l.injected = true
		if _, err := l.Store.Insert(ctx, storage.TierHot, table, l.row); err != nil {
			return 0, err
		}
	}
	return l.Store.DistinctCount(ctx, tier, table, p)
}

func TestLateRowDuringVerifyNotLost(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemory()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	seedHot(t, inner, "trades", 10, old)

	late := storage.Row{
		NaturalKey: "binance|BTCUSDT|late-1",
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Timestamp:  old.Add(30 * time.Minute),
		Payload:    []byte(`{}`),
	}
	s := &lateArrivalStore{Store: inner, table: "trades", row: late}

	m := New(s, config.MigratorConfig{DefaultRetentionDays: 7, CopyBatchSize: 4})
	report, err := m.RunTable(ctx, "trades")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	// The late row must be copied by the follow-up pass, not deleted uncopied.
	if report.Copied != 11 || report.Deleted != 11 {
		t.Fatalf("report = %+v", report)
	}
	cold, _ := inner.Count(ctx, storage.TierCold, "trades", storage.Predicate{})
	hot, _ := inner.Count(ctx, storage.TierHot, "trades", storage.Predicate{})
	if cold != 11 || hot != 0 {
		t.Fatalf("cold=%d hot=%d, want 11/0", cold, hot)
	}
}

func TestInterruptedCopyResumes(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	seedHot(t, s, "tickers", 20, old)

	// Simulate a cycle killed mid-copy: one partial batch already landed in
	// cold, hot untouched.
	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	written, _, err := s.CopyRange(ctx, "tickers", storage.Predicate{To: cutoff}, 7)
	if err != nil || written != 7 {
		t.Fatalf("partial copy = %d/%v", written, err)
	}

	m := New(s, config.MigratorConfig{DefaultRetentionDays: 7, CopyBatchSize: 6})
	report, err := m.RunTable(ctx, "tickers")
	if err != nil {
		t.Fatalf("resume cycle: %v", err)
	}
	if report.Deleted != 20 {
		t.Fatalf("deleted = %d, want 20", report.Deleted)
	}
	cold, _ := s.Count(ctx, storage.TierCold, "tickers", storage.Predicate{})
	if cold != 20 {
		t.Fatalf("cold = %d, want 20", cold)
	}
	hot, _ := s.Count(ctx, storage.TierHot, "tickers", storage.Predicate{})
	if hot != 0 {
		t.Fatalf("hot = %d, want 0", hot)
	}
}

func TestLockHeldSkipsCycle(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()
	if err := s.AcquireTableLock(ctx, "trades"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m := New(s, config.MigratorConfig{DefaultRetentionDays: 7})
	_, err := m.RunTable(ctx, "trades")
	if !errors.Is(err, storage.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}
