// Package migrator moves aged rows from the hot tier to the cold tier. Each
// table runs an independent cycle: select the expired range, copy it in
// throttled batches, verify the copy at natural-key granularity, and only
// then delete from hot. A cycle that dies at any point resumes safely
// because copy and delete are idempotent by natural key.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"marketpipe/config"
	"marketpipe/internal/model"
	"marketpipe/internal/storage"
	"marketpipe/logger"
)

// ErrVerifyMismatch means the cold tier holds fewer distinct keys than the
// hot tier over the migrated range. The cycle aborts before deleting.
var ErrVerifyMismatch = errors.New("migration verify mismatch")

// maxCopyPasses bounds the copy-verify loop. Rows that slip into the window
// while a pass runs are caught by the next one; a shortfall that persists
// this long is a real mismatch.
const maxCopyPasses = 3

// State names the phases of one migration cycle.
type State string

const (
	StateIdle      State = "idle"
	StateSelecting State = "selecting"
	StateCopying   State = "copying"
	StateVerifying State = "verifying"
	StateDeleting  State = "deleting"
)

// CycleReport summarizes one completed (or aborted) cycle for a table.
type CycleReport struct {
	ID         string        `json:"id"`
	Table      string        `json:"table"`
	Cutoff     time.Time     `json:"cutoff"`
	Selected   int64         `json:"selected"`
	Copied     int64         `json:"copied"`
	Deleted    int64         `json:"deleted"`
	Duration   time.Duration `json:"duration"`
	FinalState State         `json:"final_state"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
}

// Migrator runs the tiering cycles on a fixed cadence.
type Migrator struct {
	store   storage.Store
	cfg     config.MigratorConfig
	limiter *rate.Limiter
	log     *logger.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	reports map[string]CycleReport
}

func New(store storage.Store, cfg config.MigratorConfig) *Migrator {
	rps := cfg.CopyRowsPerSecond
	if rps <= 0 {
		rps = 10000
	}
	burst := rps
	if cfg.CopyBatchSize > burst {
		burst = cfg.CopyBatchSize
	}
	return &Migrator{
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithComponent("migrator"),
		reports: make(map[string]CycleReport),
	}
}

// Start launches the cycle loop.
func (m *Migrator) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("migrator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Cadence())
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.runAll(runCtx)
			}
		}
	}()
	m.log.WithFields(logger.Fields{"cadence": m.cfg.Cadence().String()}).Info("migrator started")
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to finish its
// current phase. Verify-before-delete means stopping mid-cycle loses no data.
func (m *Migrator) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.log.Info("migrator stopped")
}

func (m *Migrator) runAll(ctx context.Context) {
	for _, kind := range model.Kinds() {
		if ctx.Err() != nil {
			return
		}
		report, err := m.RunTable(ctx, kind.Table())
		if err != nil && !errors.Is(err, storage.ErrLockHeld) {
			m.log.WithError(err).WithFields(logger.Fields{
				"table": report.Table,
				"cycle": report.ID,
			}).Error("migration cycle failed")
		}
	}
}

// RunTable executes one full cycle for a table and records its report.
func (m *Migrator) RunTable(ctx context.Context, table string) (CycleReport, error) {
	report := CycleReport{
		ID:         uuid.NewString(),
		Table:      table,
		StartedAt:  time.Now().UTC(),
		FinalState: StateIdle,
	}

	if err := m.store.AcquireTableLock(ctx, table); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			m.log.WithFields(logger.Fields{"table": table}).Debug("table lock held, skipping cycle")
		}
		return report, err
	}
	defer func() {
		if err := m.store.ReleaseTableLock(ctx, table); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"table": table}).Warn("release table lock")
		}
	}()

	err := m.cycle(ctx, table, &report)
	report.Duration = time.Since(report.StartedAt)
	if err != nil {
		report.Error = err.Error()
	}

	m.mu.Lock()
	m.reports[table] = report
	m.mu.Unlock()

	if err == nil && report.Selected > 0 {
		m.log.WithFields(logger.Fields{
			"table":    table,
			"cycle":    report.ID,
			"selected": report.Selected,
			"copied":   report.Copied,
			"deleted":  report.Deleted,
			"duration": report.Duration.String(),
		}).Info("migration cycle complete")
	}
	return report, err
}

func (m *Migrator) cycle(ctx context.Context, table string, report *CycleReport) error {
	report.FinalState = StateSelecting
	report.Cutoff = time.Now().UTC().Add(-m.cfg.Retention(table))
	window := storage.Predicate{To: report.Cutoff}

	selected, err := m.store.Count(ctx, storage.TierHot, table, window)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	report.Selected = selected
	if selected == 0 {
		report.FinalState = StateIdle
		return nil
	}

	batch := m.cfg.CopyBatchSize
	if batch <= 0 {
		batch = 1000
	}

	// Copy and verify run as a loop: the hot count is re-taken after each
	// copy pass, so a row that lands inside the window between copy and
	// delete is picked up by the next pass instead of being deleted
	// uncopied. A shortfall that survives every pass aborts the cycle.
	for pass := 0; pass < maxCopyPasses; pass++ {
		report.FinalState = StateCopying
		cursor := &window
		for cursor != nil {
			if err := m.limiter.WaitN(ctx, batch); err != nil {
				return err
			}
			var written int64
			written, cursor, err = m.store.CopyRange(ctx, table, *cursor, batch)
			if err != nil {
				return fmt.Errorf("copy %s: %w", table, err)
			}
			report.Copied += written
		}

		report.FinalState = StateVerifying
		hotDistinct, err := m.store.DistinctCount(ctx, storage.TierHot, table, window)
		if err != nil {
			return fmt.Errorf("verify %s: %w", table, err)
		}
		coldCount, err := m.store.Count(ctx, storage.TierCold, table, window)
		if err != nil {
			return fmt.Errorf("verify %s: %w", table, err)
		}
		// Cold may legitimately exceed hot when a previous cycle already
		// deleted part of the range; only a shortfall blocks deletion.
		if coldCount >= hotDistinct {
			break
		}
		if pass == maxCopyPasses-1 {
			return fmt.Errorf("%w: table %s hot=%d cold=%d", ErrVerifyMismatch, table, hotDistinct, coldCount)
		}
	}

	report.FinalState = StateDeleting
	deleted, err := m.store.DeleteRange(ctx, storage.TierHot, table, window)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	report.Deleted = deleted
	logger.IncrementMigrated(deleted)

	report.FinalState = StateIdle
	return nil
}

// LastReports returns the most recent cycle report per table.
func (m *Migrator) LastReports() map[string]CycleReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CycleReport, len(m.reports))
	for k, v := range m.reports {
		out[k] = v
	}
	return out
}
