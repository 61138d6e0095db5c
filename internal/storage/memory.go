package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a map-backed Store used by tests and the embedded single-binary
// mode. It honors the same idempotency contract as the Postgres store.
type Memory struct {
	mu     sync.Mutex
	tiers  map[Tier]map[string]map[string]Row
	locked map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		tiers: map[Tier]map[string]map[string]Row{
			TierHot:  make(map[string]map[string]Row),
			TierCold: make(map[string]map[string]Row),
		},
		locked: make(map[string]bool),
	}
}

func (m *Memory) Init(ctx context.Context) error { return nil }

func (m *Memory) table(tier Tier, table string) map[string]Row {
	t, ok := m.tiers[tier][table]
	if !ok {
		t = make(map[string]Row)
		m.tiers[tier][table] = t
	}
	return t
}

func (m *Memory) Insert(ctx context.Context, tier Tier, table string, row Row) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(tier, table)
	if _, exists := t[row.NaturalKey]; exists {
		return false, nil
	}
	t[row.NaturalKey] = row
	return true, nil
}

func (m *Memory) InsertFlagged(ctx context.Context, tier Tier, table string, row Row, flags ...string) (bool, error) {
	row.Flags = append(append([]string(nil), row.Flags...), flags...)
	return m.Insert(ctx, tier, table, row)
}

func (m *Memory) Count(ctx context.Context, tier Tier, table string, p Predicate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.table(tier, table) {
		if p.matches(r) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DistinctCount(ctx context.Context, tier Tier, table string, p Predicate) (int64, error) {
	// Rows are keyed by natural key, so count and distinct count coincide.
	return m.Count(ctx, tier, table, p)
}

func (m *Memory) MaxTimestamp(ctx context.Context, tier Tier, table string, p Predicate) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max time.Time
	for _, r := range m.table(tier, table) {
		if p.matches(r) && r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return max, nil
}

func (m *Memory) SelectRange(ctx context.Context, tier Tier, table string, p Predicate, limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []Row
	for _, r := range m.table(tier, table) {
		if p.matches(r) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].NaturalKey < rows[j].NaturalKey
		}
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) CopyRange(ctx context.Context, table string, p Predicate, batch int) (int64, *Predicate, error) {
	rows, err := m.SelectRange(ctx, TierHot, table, p, batch)
	if err != nil {
		return 0, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cold := m.table(TierCold, table)
	var written int64
	for _, r := range rows {
		if _, exists := cold[r.NaturalKey]; exists {
			continue
		}
		cold[r.NaturalKey] = r
		written++
	}
	if batch <= 0 || len(rows) < batch {
		return written, nil, nil
	}
	last := rows[len(rows)-1]
	next := p
	next.AfterTime, next.AfterKey = last.Timestamp, last.NaturalKey
	return written, &next, nil
}

func (m *Memory) DeleteRange(ctx context.Context, tier Tier, table string, p Predicate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(tier, table)
	var deleted int64
	for key, r := range t {
		if p.matches(r) {
			delete(t, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) AcquireTableLock(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[table] {
		return ErrLockHeld
	}
	m.locked[table] = true
	return nil
}

func (m *Memory) ReleaseTableLock(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, table)
	return nil
}

func (m *Memory) Close() {}
