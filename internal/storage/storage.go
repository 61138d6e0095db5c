// Package storage persists canonical events across a hot tier and a cold
// tier. Both tiers share the same per-kind table layout so rows move between
// them without transformation; the natural key is the primary key in both,
// which makes every write and copy idempotent.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketpipe/config"
)

// Tier selects the hot or cold side of the store.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

var (
	// ErrLockHeld is returned when a per-table migration lock is already
	// held by another cycle or process.
	ErrLockHeld = errors.New("table lock held")
	// ErrUnknownDriver is returned by New for unsupported storage drivers.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Row is one persisted event. Payload carries the full envelope JSON so the
// cold tier and the archiver can reconstruct the original message.
type Row struct {
	NaturalKey string
	Exchange   string
	Symbol     string
	Timestamp  time.Time
	Flags      []string
	Payload    []byte
}

// Predicate narrows an operation to a time range and, optionally, one
// exchange or symbol. The range is half-open [From, To); a zero bound is
// unbounded on that side. AfterTime/AfterKey form a keyset cursor: when set,
// only rows strictly after (AfterTime, AfterKey) in (ts, natural_key) order
// match, which lets batched scans resume without offsets.
type Predicate struct {
	From     time.Time
	To       time.Time
	Exchange string
	Symbol   string

	AfterTime time.Time
	AfterKey  string
}

func (p Predicate) matches(r Row) bool {
	if !p.From.IsZero() && r.Timestamp.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && !r.Timestamp.Before(p.To) {
		return false
	}
	if p.Exchange != "" && r.Exchange != p.Exchange {
		return false
	}
	if p.Symbol != "" && r.Symbol != p.Symbol {
		return false
	}
	if !p.AfterTime.IsZero() {
		if r.Timestamp.Before(p.AfterTime) {
			return false
		}
		if r.Timestamp.Equal(p.AfterTime) && r.NaturalKey <= p.AfterKey {
			return false
		}
	}
	return true
}

// Store is the persistence contract shared by the consumer, migrator,
// monitor and archiver. Insert reports whether a row was actually written;
// a false result with nil error means the natural key already existed.
type Store interface {
	Init(ctx context.Context) error

	Insert(ctx context.Context, tier Tier, table string, row Row) (bool, error)
	InsertFlagged(ctx context.Context, tier Tier, table string, row Row, flags ...string) (bool, error)

	Count(ctx context.Context, tier Tier, table string, p Predicate) (int64, error)
	DistinctCount(ctx context.Context, tier Tier, table string, p Predicate) (int64, error)
	MaxTimestamp(ctx context.Context, tier Tier, table string, p Predicate) (time.Time, error)
	SelectRange(ctx context.Context, tier Tier, table string, p Predicate, limit int) ([]Row, error)

	// CopyRange moves up to batch rows matching p from hot to cold, in
	// (ts, natural_key) order, returning the number written and the cursor
	// for the next batch. A nil cursor means the range is exhausted. Rows
	// already present in cold are skipped, so repeating a batch is safe.
	CopyRange(ctx context.Context, table string, p Predicate, batch int) (int64, *Predicate, error)
	DeleteRange(ctx context.Context, tier Tier, table string, p Predicate) (int64, error)

	// AcquireTableLock takes the per-table migration lock without blocking.
	AcquireTableLock(ctx context.Context, table string) error
	ReleaseTableLock(ctx context.Context, table string) error

	Close()
}

// New builds the store selected by configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.Hot, cfg.Cold)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}
