package consumer

import (
	"sync"

	"marketpipe/internal/model"
)

// FlagSequenceAnomaly marks a stored orderbook row whose update id did not
// advance past the previous one for the same (exchange, symbol).
const FlagSequenceAnomaly = "sequence_anomaly"

// sequenceTracker keeps the last orderbook update id per (exchange, symbol).
// Deltas must carry a strictly greater id than the previous event; snapshots
// reset the baseline instead of being checked against it.
type sequenceTracker struct {
	mu   sync.Mutex
	last map[string]int64
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{last: make(map[string]int64)}
}

// Check records the event and reports whether it is a sequence anomaly.
// Anomalous events leave the baseline untouched, so one out-of-order message
// does not mask the next regression.
func (t *sequenceTracker) Check(exchange, symbol string, ob *model.OrderBookEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := exchange + "|" + symbol
	if ob.IsSnapshot {
		t.last[key] = ob.LastUpdateID
		return false
	}
	last, ok := t.last[key]
	if ok && ob.LastUpdateID <= last {
		return true
	}
	t.last[key] = ob.LastUpdateID
	return false
}
