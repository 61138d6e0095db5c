package logger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsPublish  int64
	errorsConsume  int64
	errorsMigrate  int64
	warnsPublish   int64
	warnsConsume   int64
	warnsMigrate   int64
	publishedTotal int64
	consumedTotal  int64
	migratedTotal  int64
	flows          sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "publisher"):
		atomic.AddInt64(&warnsPublish, 1)
	case strings.Contains(component, "consumer"):
		atomic.AddInt64(&warnsConsume, 1)
	case strings.Contains(component, "migrator"):
		atomic.AddInt64(&warnsMigrate, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "publisher"):
		atomic.AddInt64(&errorsPublish, 1)
	case strings.Contains(component, "consumer"):
		atomic.AddInt64(&errorsConsume, 1)
	case strings.Contains(component, "migrator"):
		atomic.AddInt64(&errorsMigrate, 1)
	}
}

// IncrementPublished records one message accepted by the bus.
func IncrementPublished(size int) {
	atomic.AddInt64(&publishedTotal, 1)
	recordFlow("bus_publish", size)
}

// IncrementConsumed records one message persisted by a storage consumer.
func IncrementConsumed(size int) {
	atomic.AddInt64(&consumedTotal, 1)
	recordFlow("hot_write", size)
}

// IncrementMigrated records rows moved by one migration cycle.
func IncrementMigrated(rows int64) {
	atomic.AddInt64(&migratedTotal, rows)
	recordFlow("tier_migrate", int(rows))
}

// RecordFlowMessage lets components outside this package feed the report.
func RecordFlowMessage(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// StartReport launches a goroutine that logs aggregate pipeline counters on
// the given interval until the context is cancelled. The counters are deltas
// since the previous report.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastPublished, lastConsumed, lastMigrated int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				published := atomic.LoadInt64(&publishedTotal)
				consumed := atomic.LoadInt64(&consumedTotal)
				migrated := atomic.LoadInt64(&migratedTotal)

				fields := Fields{
					"published": published - lastPublished,
					"consumed":  consumed - lastConsumed,
					"migrated":  migrated - lastMigrated,
					"errors_publish": atomic.LoadInt64(&errorsPublish),
					"errors_consume": atomic.LoadInt64(&errorsConsume),
					"errors_migrate": atomic.LoadInt64(&errorsMigrate),
					"warns_publish":  atomic.LoadInt64(&warnsPublish),
					"warns_consume":  atomic.LoadInt64(&warnsConsume),
					"warns_migrate":  atomic.LoadInt64(&warnsMigrate),
				}
				flows.Range(func(k, v interface{}) bool {
					fs := v.(*flowStat)
					fields[k.(string)+"_msgs"] = atomic.LoadInt64(&fs.messages)
					fields[k.(string)+"_bytes"] = atomic.LoadInt64(&fs.bytes)
					return true
				})
				log.WithComponent("report").WithFields(fields).Info("pipeline report")

				lastPublished, lastConsumed, lastMigrated = published, consumed, migrated
			}
		}
	}()
}
