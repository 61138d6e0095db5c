package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sampleTrade() *Event {
	return &Event{
		Exchange:   "binance",
		MarketType: MarketSpot,
		Symbol:     "BTCUSDT",
		Kind:       KindTrade,
		Timestamp:  time.UnixMilli(1700000000123).UTC(),
		Trade: &Trade{
			TradeID:  "100",
			Price:    decimal.RequireFromString("65000.5"),
			Quantity: decimal.RequireFromString("0.01"),
			Side:     SideBuy,
		},
	}
}

func TestNaturalKeys(t *testing.T) {
	trade := sampleTrade()
	if got, want := trade.NaturalKey(), "binance|BTCUSDT|100"; got != want {
		t.Fatalf("trade key = %q, want %q", got, want)
	}

	ob := &Event{
		Exchange:  "bybit",
		Symbol:    "ETHUSDT",
		Kind:      KindOrderBook,
		Timestamp: time.UnixMilli(1700000000500).UTC(),
		OrderBook: &OrderBookEvent{LastUpdateID: 42},
	}
	if got, want := ob.NaturalKey(), "bybit|ETHUSDT|1700000000500|42"; got != want {
		t.Fatalf("orderbook key = %q, want %q", got, want)
	}

	kl := &Event{
		Exchange:  "okx",
		Symbol:    "BTCUSDT",
		Kind:      KindKline,
		Timestamp: time.UnixMilli(1700000060000).UTC(),
		Kline:     &Kline{Interval: "1m", OpenTime: time.UnixMilli(1700000000000).UTC()},
	}
	if got, want := kl.NaturalKey(), "okx|BTCUSDT|1m|1700000000000"; got != want {
		t.Fatalf("kline key = %q, want %q", got, want)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	trade := sampleTrade()
	env, err := NewEnvelope(trade)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.NaturalKey != trade.NaturalKey() {
		t.Fatalf("envelope key %q != event key %q", env.NaturalKey, trade.NaturalKey())
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	got, err := decoded.Event()
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Trade == nil || !got.Trade.Price.Equal(trade.Trade.Price) {
		t.Fatalf("price lost in round trip: %+v", got.Trade)
	}
	if !got.Timestamp.Equal(trade.Timestamp) {
		t.Fatalf("timestamp %v != %v", got.Timestamp, trade.Timestamp)
	}
}

func TestDecodeEnvelopeRejectsBadVersion(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"schema_version":99,"natural_key":"x"}`)); err == nil {
		t.Fatalf("expected schema version error")
	}
}

func TestCanonicalSymbol(t *testing.T) {
	cases := []struct {
		exchange, in, want string
	}{
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"kucoin", "ETH-USDT", "ETHUSDT"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"bybit", "SHIB1000USDT", "SHIBUSDT"},
		{"kraken", "BTC/USDT", "BTCUSDT"},
	}
	for _, c := range cases {
		if got := CanonicalSymbol(c.exchange, c.in); got != c.want {
			t.Errorf("CanonicalSymbol(%s, %s) = %s, want %s", c.exchange, c.in, got, c.want)
		}
	}
}

func TestFromUnixMilliPromotesSeconds(t *testing.T) {
	sec := FromUnixMilli(1700000000)
	ms := FromUnixMilli(1700000000000)
	if !sec.Equal(ms) {
		t.Fatalf("second-resolution input not promoted: %v vs %v", sec, ms)
	}
}

func TestEventTimeSubstitutesReceiveTime(t *testing.T) {
	ts := EventTime(0)
	if age := time.Since(ts); age < 0 || age > time.Minute {
		t.Fatalf("EventTime(0) = %v, want close to now", ts)
	}
	if got := EventTime(1700000000123); got.UnixMilli() != 1700000000123 {
		t.Fatalf("EventTime passthrough = %d", got.UnixMilli())
	}
}

func TestValidateRejectsImplausibleTimestamp(t *testing.T) {
	trade := sampleTrade()
	trade.Timestamp = time.UnixMilli(0).UTC()
	if err := trade.Validate(); err == nil {
		t.Fatalf("expected validation error for epoch timestamp")
	}
	trade.Timestamp = time.Now().UTC().Add(48 * time.Hour)
	if err := trade.Validate(); err == nil {
		t.Fatalf("expected validation error for future timestamp")
	}
}

func TestValidateRejectsNegativePrice(t *testing.T) {
	trade := sampleTrade()
	trade.Trade.Price = decimal.RequireFromString("-1")
	if err := trade.Validate(); err == nil {
		t.Fatalf("expected validation error for negative price")
	}
}
