// Package monitor runs read-only data-quality checks over the hot tier and
// reports findings to pluggable sinks. It never mutates storage; repairs are
// the operator's call.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketpipe/config"
	"marketpipe/internal/model"
	"marketpipe/internal/storage"
	"marketpipe/logger"
)

// Severity classifies a finding. Ordering: ok < warning < critical.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Finding is one detected data-quality issue.
type Finding struct {
	Severity Severity  `json:"severity"`
	Check    string    `json:"check"`
	Table    string    `json:"table"`
	Exchange string    `json:"exchange,omitempty"`
	Symbol   string    `json:"symbol,omitempty"`
	Detail   string    `json:"detail"`
	At       time.Time `json:"at"`
}

// Sink receives findings as they are detected.
type Sink interface {
	Emit(ctx context.Context, f Finding) error
}

const findingHistory = 256

// feedPair is one configured (exchange, canonical symbol) feed.
type feedPair struct {
	exchange string
	symbol   string
}

// Monitor periodically checks for duplicates, staleness and throughput
// floors.
type Monitor struct {
	store storage.Store
	cfg   config.MonitorConfig
	pairs []feedPair
	sinks []Sink
	log   *logger.Entry

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	worst    Severity
	findings []Finding
}

func New(store storage.Store, cfg config.MonitorConfig, exchanges []config.ExchangeConfig, sinks ...Sink) *Monitor {
	return &Monitor{
		store: store,
		cfg:   cfg,
		pairs: feedPairs(exchanges),
		sinks: sinks,
		log:   logger.GetLogger().WithComponent("monitor"),
		worst: SeverityOK,
	}
}

// feedPairs flattens the exchange configuration into the distinct
// (exchange, canonical symbol) feeds the staleness check watches.
func feedPairs(exchanges []config.ExchangeConfig) []feedPair {
	seen := make(map[feedPair]bool)
	var out []feedPair
	for _, ex := range exchanges {
		for _, sym := range ex.Symbols {
			p := feedPair{exchange: ex.Name, symbol: model.CanonicalSymbol(ex.Name, sym)}
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.RunChecks(runCtx)
			}
		}
	}()
	m.log.WithFields(logger.Fields{"interval": m.cfg.Interval().String()}).Info("monitor started")
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.log.Info("monitor stopped")
}

// RunChecks executes one full check pass and updates the worst severity.
func (m *Monitor) RunChecks(ctx context.Context) {
	now := time.Now().UTC()
	worst := SeverityOK

	for _, kind := range model.Kinds() {
		if f := m.checkDuplicates(ctx, kind.Table()); f != nil {
			worst = maxSeverity(worst, f.Severity)
			m.emit(ctx, *f)
		}
	}
	for _, f := range m.checkStaleness(ctx, now) {
		worst = maxSeverity(worst, f.Severity)
		m.emit(ctx, f)
	}
	for _, f := range m.checkThroughput(ctx, now) {
		worst = maxSeverity(worst, f.Severity)
		m.emit(ctx, f)
	}

	m.mu.Lock()
	m.worst = worst
	m.mu.Unlock()
}

// checkDuplicates compares row count against distinct natural keys. The hot
// schema enforces the key, so any divergence means the store contract broke.
func (m *Monitor) checkDuplicates(ctx context.Context, table string) *Finding {
	count, err := m.store.Count(ctx, storage.TierHot, table, storage.Predicate{})
	if err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"table": table}).Warn("duplicate check failed")
		return nil
	}
	distinct, err := m.store.DistinctCount(ctx, storage.TierHot, table, storage.Predicate{})
	if err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"table": table}).Warn("duplicate check failed")
		return nil
	}
	if count == distinct {
		return nil
	}
	return &Finding{
		Severity: SeverityCritical,
		Check:    "duplicate",
		Table:    table,
		Detail:   fmt.Sprintf("%d rows but %d distinct keys", count, distinct),
		At:       time.Now().UTC(),
	}
}

// checkStaleness flags stalled feeds by newest-row age. With a configured
// feed set the check runs per (exchange, symbol), so one stalled exchange is
// visible even while others keep the table fresh; without one it degrades to
// table granularity. Feeds and tables that never received data are skipped;
// an empty table is a provisioning question, not a pipeline stall.
func (m *Monitor) checkStaleness(ctx context.Context, now time.Time) []Finding {
	var findings []Finding
	if len(m.pairs) == 0 {
		for _, kind := range model.Kinds() {
			table := kind.Table()
			max, err := m.store.MaxTimestamp(ctx, storage.TierHot, table, storage.Predicate{})
			if err != nil {
				m.log.WithError(err).WithFields(logger.Fields{"table": table}).Warn("staleness check failed")
				continue
			}
			if f := m.staleFinding(max, now, Finding{Table: table}); f != nil {
				findings = append(findings, *f)
			}
		}
		return findings
	}

	for _, pair := range m.pairs {
		p := storage.Predicate{Exchange: pair.exchange, Symbol: pair.symbol}
		var max time.Time
		for _, kind := range model.Kinds() {
			ts, err := m.store.MaxTimestamp(ctx, storage.TierHot, kind.Table(), p)
			if err != nil {
				m.log.WithError(err).WithFields(logger.Fields{
					"exchange": pair.exchange,
					"symbol":   pair.symbol,
				}).Warn("staleness check failed")
				continue
			}
			if ts.After(max) {
				max = ts
			}
		}
		if f := m.staleFinding(max, now, Finding{Exchange: pair.exchange, Symbol: pair.symbol}); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

// staleFinding fills in the common staleness fields; base carries the scope
// (table or exchange/symbol).
func (m *Monitor) staleFinding(max, now time.Time, base Finding) *Finding {
	if max.IsZero() {
		return nil
	}
	age := now.Sub(max)
	if age <= m.cfg.StalenessThreshold() {
		return nil
	}
	base.Severity = SeverityWarning
	base.Check = "staleness"
	base.Detail = fmt.Sprintf("newest row is %s old", age.Round(time.Second))
	base.At = now
	return &base
}

// checkThroughput verifies each configured exchange wrote at least its floor
// of rows in the last minute.
func (m *Monitor) checkThroughput(ctx context.Context, now time.Time) []Finding {
	if len(m.cfg.MinMessagesPerMinute) == 0 {
		return nil
	}
	var findings []Finding
	for exchange, min := range m.cfg.MinMessagesPerMinute {
		if min <= 0 {
			continue
		}
		var total int64
		p := storage.Predicate{Exchange: exchange, From: now.Add(-time.Minute)}
		for _, kind := range model.Kinds() {
			n, err := m.store.Count(ctx, storage.TierHot, kind.Table(), p)
			if err != nil {
				m.log.WithError(err).WithFields(logger.Fields{"exchange": exchange}).Warn("throughput check failed")
				continue
			}
			total += n
		}
		if total >= int64(min) {
			continue
		}
		findings = append(findings, Finding{
			Severity: SeverityCritical,
			Check:    "throughput",
			Exchange: exchange,
			Detail:   fmt.Sprintf("%d rows in the last minute, floor is %d", total, min),
			At:       now,
		})
	}
	return findings
}

func maxSeverity(a, b Severity) Severity {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}

func (m *Monitor) emit(ctx context.Context, f Finding) {
	m.mu.Lock()
	m.findings = append(m.findings, f)
	if len(m.findings) > findingHistory {
		m.findings = m.findings[len(m.findings)-findingHistory:]
	}
	m.mu.Unlock()

	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, f); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"check": f.Check}).Warn("finding sink failed")
		}
	}
}

// WorstSeverity reports the worst severity found by the latest check pass.
func (m *Monitor) WorstSeverity() Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worst
}

// Findings returns the recent finding history, newest last.
func (m *Monitor) Findings() []Finding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Finding, len(m.findings))
	copy(out, m.findings)
	return out
}
