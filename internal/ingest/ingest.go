// Package ingest bridges raw exchange payloads into the pipeline. Collector
// processes publish untouched exchange frames under
//
//	raw.<exchange>.<market_type>.<kind>.<symbol>
//
// and the bridge feeds each one to the publisher, which normalizes it and
// re-publishes the canonical envelope under the market subject grammar.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"marketpipe/config"
	"marketpipe/internal/bus"
	"marketpipe/internal/model"
	"marketpipe/internal/publisher"
	"marketpipe/logger"
)

// Root is the first token of every raw-ingest subject.
const Root = "raw"

// Stats is a snapshot of the bridge counters.
type Stats struct {
	Bridged int64
	Dropped int64
}

// frame holds the routing tokens of one raw subject.
type frame struct {
	Exchange   string
	MarketType model.MarketType
	Kind       model.Kind
	Symbol     string
}

// parseSubject splits a raw subject into its routing tokens.
func parseSubject(subj string) (*frame, error) {
	tokens := strings.Split(subj, ".")
	if len(tokens) != 5 || tokens[0] != Root {
		return nil, fmt.Errorf("malformed raw subject %q", subj)
	}
	mt, err := model.ParseMarketType(tokens[2])
	if err != nil {
		return nil, fmt.Errorf("malformed raw subject %q: %w", subj, err)
	}
	kind, err := model.ParseKind(tokens[3])
	if err != nil {
		return nil, fmt.Errorf("malformed raw subject %q: %w", subj, err)
	}
	return &frame{
		Exchange:   tokens[1],
		MarketType: mt,
		Kind:       kind,
		Symbol:     tokens[4],
	}, nil
}

// Bridge subscribes to the raw subject space and pushes every payload through
// the publisher.
type Bridge struct {
	bus bus.Bus
	pub *publisher.Publisher
	cfg config.IngestConfig
	log *logger.Entry

	mu      sync.Mutex
	running bool
	subs    []bus.Subscription

	bridged int64
	dropped int64
}

func New(b bus.Bus, pub *publisher.Publisher, cfg config.IngestConfig) *Bridge {
	return &Bridge{
		bus: b,
		pub: pub,
		cfg: cfg,
		log: logger.GetLogger().WithComponent("ingest"),
	}
}

// Start ensures the raw stream exists and subscribes to the configured
// patterns. Defaults to the whole raw space under one durable group.
func (br *Bridge) Start(ctx context.Context) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.running {
		return fmt.Errorf("ingest bridge already running")
	}

	if err := br.bus.EnsureStream(ctx, "RAW", []string{Root + ".>"}); err != nil {
		return fmt.Errorf("ensure stream RAW: %w", err)
	}

	patterns := br.cfg.Subjects
	if len(patterns) == 0 {
		patterns = []string{Root + ".>"}
	}
	durable := br.cfg.Durable
	if durable == "" {
		durable = "ingest"
	}

	for _, pattern := range patterns {
		sub, err := br.bus.Subscribe(ctx, pattern, durable, br.handle)
		if err != nil {
			for _, s := range br.subs {
				_ = s.Drain()
			}
			br.subs = nil
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		br.subs = append(br.subs, sub)
		br.log.WithFields(logger.Fields{"pattern": pattern, "durable": durable}).Info("subscribed")
	}
	br.running = true
	return nil
}

// Stop drains the subscriptions, letting in-flight handlers finish.
func (br *Bridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if !br.running {
		return
	}
	for _, s := range br.subs {
		_ = s.Drain()
	}
	br.subs = nil
	br.running = false
	br.log.Info("ingest bridge stopped")
}

// handle is the per-message path. Payloads that can never normalize are
// acked and counted; transport failures stay unacked for redelivery.
func (br *Bridge) handle(ctx context.Context, msg *bus.Message) error {
	f, err := parseSubject(msg.Subject)
	if err != nil {
		atomic.AddInt64(&br.dropped, 1)
		br.log.WithError(err).WithFields(logger.Fields{"subject": msg.Subject}).Warn("unroutable raw message")
		return nil
	}

	err = br.pub.Publish(ctx, f.Exchange, f.MarketType, f.Kind, f.Symbol, msg.Data)
	if err != nil {
		if errors.Is(err, publisher.ErrNormalization) {
			// Rejected payloads never succeed on redelivery; the publisher
			// already counted and logged the drop.
			atomic.AddInt64(&br.dropped, 1)
			return nil
		}
		return err
	}
	atomic.AddInt64(&br.bridged, 1)
	return nil
}

// Stats returns a snapshot of the bridge counters.
func (br *Bridge) Stats() Stats {
	return Stats{
		Bridged: atomic.LoadInt64(&br.bridged),
		Dropped: atomic.LoadInt64(&br.dropped),
	}
}
