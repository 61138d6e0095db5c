package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketpipe/config"
	"marketpipe/internal/bus"
	"marketpipe/internal/model"
	"marketpipe/internal/normalizer"
	"marketpipe/internal/publisher"
	"marketpipe/internal/subject"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startBridge(t *testing.T, ctx context.Context, b bus.Bus) *Bridge {
	t.Helper()
	reg, err := normalizer.NewRegistry([]config.ExchangeConfig{{Name: "binance", MarketType: "spot"}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pub := publisher.New(b, reg, config.PublisherConfig{})
	br := New(b, pub, config.IngestConfig{})
	if err := br.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(br.Stop)
	return br
}

func TestRawFrameBridgedToMarketSubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()
	defer b.Close()

	var mu sync.Mutex
	var published []*bus.Message
	_, err := b.Subscribe(ctx, subject.Root+".>", "capture", func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		published = append(published, msg)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	br := startBridge(t, ctx, b)

	raw := []byte(`{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":100,"p":"65000.5","q":"0.01","T":1700000000123,"m":false}`)
	if err := b.Publish(ctx, "raw.binance.spot.trade.btcusdt", raw); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return br.Stats().Bridged == 1 })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if published[0].Subject != "market.binance.btcusdt.trade" {
		t.Fatalf("subject = %q", published[0].Subject)
	}
	env, err := model.DecodeEnvelope(published[0].Data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.NaturalKey != "binance|BTCUSDT|100" {
		t.Fatalf("natural key = %q", env.NaturalKey)
	}
}

func TestRejectedPayloadAckedNotRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()
	defer b.Close()
	br := startBridge(t, ctx, b)

	if err := b.Publish(ctx, "raw.binance.spot.trade.btcusdt", []byte(`not json`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return br.Stats().Dropped == 1 })
	// A nil handler return acks the message; a redelivery loop would keep
	// incrementing the counter.
	time.Sleep(50 * time.Millisecond)
	if s := br.Stats(); s.Dropped != 1 || s.Bridged != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestUnroutableSubjectDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()
	defer b.Close()
	br := startBridge(t, ctx, b)

	if err := b.Publish(ctx, "raw.binance.spot.bogus.btcusdt", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return br.Stats().Dropped == 1 })
}

func TestParseSubject(t *testing.T) {
	cases := []struct {
		subj string
		ok   bool
		want frame
	}{
		{"raw.binance.spot.trade.btcusdt", true, frame{"binance", model.MarketSpot, model.KindTrade, "btcusdt"}},
		{"raw.bybit.derivatives.funding.ethusdt", true, frame{"bybit", model.MarketDerivatives, model.KindFundingRate, "ethusdt"}},
		{"raw.okx.swap.orderbook.btcusdt", true, frame{"okx", model.MarketDerivatives, model.KindOrderBook, "btcusdt"}},
		{"market.binance.btcusdt.trade", false, frame{}},
		{"raw.binance.spot.trade", false, frame{}},
		{"raw.binance.spot.trade.btcusdt.extra", false, frame{}},
		{"raw.binance.margin.trade.btcusdt", false, frame{}},
	}
	for _, c := range cases {
		f, err := parseSubject(c.subj)
		if c.ok != (err == nil) {
			t.Errorf("parseSubject(%s) err = %v, want ok=%v", c.subj, err, c.ok)
			continue
		}
		if c.ok && *f != c.want {
			t.Errorf("parseSubject(%s) = %+v, want %+v", c.subj, *f, c.want)
		}
	}
}
