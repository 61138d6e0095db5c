// Package publisher runs the normalize-and-publish half of the pipeline:
// raw exchange payloads in, versioned envelopes on the bus out.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"marketpipe/config"
	"marketpipe/internal/bus"
	"marketpipe/internal/model"
	"marketpipe/internal/normalizer"
	"marketpipe/internal/subject"
	"marketpipe/logger"
)

var (
	// ErrNormalization marks a message rejected before publication. These
	// are never retried; the single payload is dropped and counted.
	ErrNormalization = errors.New("normalization failed")
	// ErrPublish marks a transport failure that survived the retry budget.
	ErrPublish = errors.New("publish failed")
)

// Stats is a snapshot of the publisher counters.
type Stats struct {
	Published int64
	Dropped   int64
	Retried   int64
}

// Publisher normalizes raw payloads and publishes the resulting envelopes.
// Safe for concurrent use by many ingest goroutines.
type Publisher struct {
	bus      bus.Bus
	registry *normalizer.Registry
	cfg      config.PublisherConfig
	limiter  *rate.Limiter
	log      *logger.Entry

	published int64
	dropped   int64
	retried   int64
}

func New(b bus.Bus, reg *normalizer.Registry, cfg config.PublisherConfig) *Publisher {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5000
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Publisher{
		bus:      b,
		registry: reg,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      logger.GetLogger().WithComponent("publisher"),
	}
}

// EnsureRequiredStreams creates one durable stream per kind family plus the
// dead-letter stream. Idempotent; called once at startup before any publish.
func (p *Publisher) EnsureRequiredStreams(ctx context.Context) error {
	for _, kind := range model.Kinds() {
		name := streamName(kind)
		if err := p.bus.EnsureStream(ctx, name, []string{subject.ForKind(kind)}); err != nil {
			return fmt.Errorf("ensure stream %s: %w", name, err)
		}
	}
	if err := p.bus.EnsureStream(ctx, "DLQ", []string{subject.DeadLetterRoot + ".>"}); err != nil {
		return fmt.Errorf("ensure stream DLQ: %w", err)
	}
	return nil
}

func streamName(kind model.Kind) string {
	return "MARKET_" + strings.ToUpper(string(kind))
}

// Publish normalizes one raw payload and publishes its envelope. Malformed
// payloads fail fast with ErrNormalization; transport failures are retried
// with capped exponential backoff before surfacing as ErrPublish.
func (p *Publisher) Publish(ctx context.Context, exchange string, mt model.MarketType, kind model.Kind, symbol string, raw []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	n, err := p.registry.Get(exchange, mt)
	if err != nil {
		atomic.AddInt64(&p.dropped, 1)
		return fmt.Errorf("%w: %v", ErrNormalization, err)
	}
	event, err := n.Normalize(kind, symbol, raw)
	if err != nil {
		atomic.AddInt64(&p.dropped, 1)
		p.log.WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"kind":     kind,
			"symbol":   symbol,
		}).Warn("payload rejected")
		return fmt.Errorf("%w: %v", ErrNormalization, err)
	}
	if err := event.Validate(); err != nil {
		atomic.AddInt64(&p.dropped, 1)
		return fmt.Errorf("%w: %v", ErrNormalization, err)
	}

	env, err := model.NewEnvelope(event)
	if err != nil {
		atomic.AddInt64(&p.dropped, 1)
		return fmt.Errorf("%w: %v", ErrNormalization, err)
	}
	data, err := env.Marshal()
	if err != nil {
		atomic.AddInt64(&p.dropped, 1)
		return fmt.Errorf("%w: %v", ErrNormalization, err)
	}

	subj := subject.ForEvent(event)
	if err := p.publishWithRetry(ctx, subj, data); err != nil {
		atomic.AddInt64(&p.dropped, 1)
		p.log.WithError(err).WithFields(logger.Fields{"subject": subj}).Error("publish exhausted retry budget")
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	atomic.AddInt64(&p.published, 1)
	return nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, subj string, data []byte) error {
	attempts := p.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	multiplier := p.cfg.Retry.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	delay := p.cfg.Retry.BaseDelay()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.bus.Publish(ctx, subj, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}
		atomic.AddInt64(&p.retried, 1)
		p.log.WithError(err).WithFields(logger.Fields{
			"subject": subj,
			"attempt": attempt,
			"backoff": delay.String(),
		}).Warn("publish retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= time.Duration(multiplier)
		if max := p.cfg.Retry.MaxDelay(); delay > max {
			delay = max
		}
	}
	return err
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&p.published),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Retried:   atomic.LoadInt64(&p.retried),
	}
}
