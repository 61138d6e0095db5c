// Package consumer subscribes to the bus and persists envelopes into the hot
// storage tier. One message error never stops the consumer; poison messages
// are parked on the dead-letter subject after the retry budget runs out.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketpipe/config"
	"marketpipe/internal/bus"
	"marketpipe/internal/model"
	"marketpipe/internal/storage"
	"marketpipe/internal/subject"
	"marketpipe/logger"
)

// Stats is a snapshot of the consumer counters.
type Stats struct {
	Consumed     int64
	Duplicates   int64
	Anomalies    int64
	DeadLettered int64
}

// Consumer writes bus envelopes into hot tables.
type Consumer struct {
	bus   bus.Bus
	store storage.Store
	cfg   config.ConsumerConfig
	dedup *dedup
	seq   *sequenceTracker
	log   *logger.Entry

	mu      sync.Mutex
	running bool
	subs    []bus.Subscription

	consumed     int64
	duplicates   int64
	anomalies    int64
	deadLettered int64
}

func New(b bus.Bus, store storage.Store, cfg config.ConsumerConfig) *Consumer {
	return &Consumer{
		bus:   b,
		store: store,
		cfg:   cfg,
		dedup: newDedup(cfg.Dedup),
		seq:   newSequenceTracker(),
		log:   logger.GetLogger().WithComponent("consumer"),
	}
}

// Start subscribes to the configured subject patterns. Defaults to the whole
// market space under one durable group.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("consumer already running")
	}

	patterns := c.cfg.Subjects
	if len(patterns) == 0 {
		patterns = []string{subject.Root + ".>"}
	}
	durable := c.cfg.Durable
	if durable == "" {
		durable = "hot-storage"
	}

	for _, pattern := range patterns {
		sub, err := c.bus.Subscribe(ctx, pattern, durable, c.handle)
		if err != nil {
			for _, s := range c.subs {
				_ = s.Drain()
			}
			c.subs = nil
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		c.subs = append(c.subs, sub)
		c.log.WithFields(logger.Fields{"pattern": pattern, "durable": durable}).Info("subscribed")
	}
	c.running = true
	return nil
}

// Stop drains the subscriptions, letting in-flight handlers finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	for _, s := range c.subs {
		_ = s.Drain()
	}
	c.subs = nil
	c.running = false
	c.log.Info("consumer stopped")
}

// handle is the per-message path. A nil return acknowledges the message.
func (c *Consumer) handle(ctx context.Context, msg *bus.Message) error {
	env, err := model.DecodeEnvelope(msg.Data)
	if err != nil {
		// Undecodable messages can never succeed on redelivery; park them
		// immediately.
		c.log.WithError(err).WithFields(logger.Fields{"subject": msg.Subject}).Warn("undecodable envelope")
		return c.deadLetter(ctx, msg)
	}

	if c.dedup.Seen(env.NaturalKey, time.Now()) {
		atomic.AddInt64(&c.duplicates, 1)
		return nil
	}

	var flags []string
	if env.Kind == model.KindOrderBook {
		event, err := env.Event()
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"subject": msg.Subject}).Warn("undecodable orderbook payload")
			c.dedup.Forget(env.NaturalKey)
			return c.deadLetter(ctx, msg)
		}
		if c.seq.Check(env.Exchange, env.Symbol, event.OrderBook) {
			atomic.AddInt64(&c.anomalies, 1)
			flags = append(flags, FlagSequenceAnomaly)
			c.log.WithFields(logger.Fields{
				"exchange":       env.Exchange,
				"symbol":         env.Symbol,
				"last_update_id": event.OrderBook.LastUpdateID,
			}).Warn("orderbook sequence anomaly")
		}
	}

	row := storage.Row{
		NaturalKey: env.NaturalKey,
		Exchange:   env.Exchange,
		Symbol:     env.Symbol,
		Timestamp:  env.Timestamp(),
		Payload:    msg.Data,
	}

	inserted, err := c.insertWithRetry(ctx, env.Kind.Table(), row, flags)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"subject": msg.Subject}).Error("insert exhausted retry budget")
		// The row was never persisted; unmark the key so a redelivery is
		// retried instead of acked as a duplicate.
		c.dedup.Forget(env.NaturalKey)
		return c.deadLetter(ctx, msg)
	}
	if !inserted {
		// Aged out of the dedup window but caught by the natural-key
		// constraint.
		atomic.AddInt64(&c.duplicates, 1)
		return nil
	}

	atomic.AddInt64(&c.consumed, 1)
	logger.IncrementConsumed(len(msg.Data))
	return nil
}

func (c *Consumer) insertWithRetry(ctx context.Context, table string, row storage.Row, flags []string) (bool, error) {
	attempts := c.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	multiplier := c.cfg.Retry.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	delay := c.cfg.Retry.BaseDelay()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		inserted, err := c.store.InsertFlagged(ctx, storage.TierHot, table, row, flags...)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return false, err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= time.Duration(multiplier)
		if max := c.cfg.Retry.MaxDelay(); delay > max {
			delay = max
		}
	}
	return false, lastErr
}

// deadLetter republishes the message under the dlq prefix and acknowledges
// the original. If even the dead-letter publish fails the message stays
// unacked for redelivery.
func (c *Consumer) deadLetter(ctx context.Context, msg *bus.Message) error {
	if err := c.bus.Publish(ctx, subject.DeadLetter(msg.Subject), msg.Data); err != nil {
		if errors.Is(err, bus.ErrClosed) {
			return nil
		}
		return fmt.Errorf("dead letter %s: %w", msg.Subject, err)
	}
	atomic.AddInt64(&c.deadLettered, 1)
	return nil
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Consumed:     atomic.LoadInt64(&c.consumed),
		Duplicates:   atomic.LoadInt64(&c.duplicates),
		Anomalies:    atomic.LoadInt64(&c.anomalies),
		DeadLettered: atomic.LoadInt64(&c.deadLettered),
	}
}
