package subject

import (
	"testing"

	"marketpipe/internal/model"
)

func TestBuild(t *testing.T) {
	cases := []struct {
		exchange, symbol string
		kind             model.Kind
		interval         string
		want             string
	}{
		{"binance", "BTCUSDT", model.KindTrade, "", "market.binance.btcusdt.trade"},
		{"Bybit", "ETHUSDT", model.KindOrderBook, "", "market.bybit.ethusdt.orderbook"},
		{"okx", "BTCUSDT", model.KindKline, "1m", "market.okx.btcusdt.kline.1m"},
		{"kucoin", "BTC USDT", model.KindFundingRate, "", "market.kucoin.btcusdt.funding"},
	}
	for _, c := range cases {
		if got := Build(c.exchange, c.symbol, c.kind, c.interval); got != c.want {
			t.Errorf("Build(%s, %s, %s, %s) = %q, want %q", c.exchange, c.symbol, c.kind, c.interval, got, c.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	subj := Build("binance", "BTCUSDT", model.KindKline, "1h")
	p, err := Parse(subj)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Exchange != "binance" || p.Symbol != "btcusdt" || p.Kind != model.KindKline || p.Interval != "1h" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, subj := range []string{
		"market.binance.btcusdt",
		"other.binance.btcusdt.trade",
		"market.binance.btcusdt.trade.1m", // interval on non-kline
		"market.binance.btcusdt.nosuchkind",
	} {
		if _, err := Parse(subj); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", subj)
		}
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, subj string
		want          bool
	}{
		{"market.*.*.trade", "market.binance.btcusdt.trade", true},
		{"market.*.*.trade", "market.okx.ethusdt.trade", true},
		{"market.*.*.trade", "market.binance.btcusdt.orderbook", false},
		{"market.binance.>", "market.binance.btcusdt.kline.1m", true},
		{"market.binance.>", "market.bybit.btcusdt.trade", false},
		{"market.*.*.kline.>", "market.okx.btcusdt.kline.1m", true},
		{"market.*.*.kline.>", "market.okx.btcusdt.kline", false},
		{"market.binance.btcusdt.trade", "market.binance.btcusdt.trade", true},
		{"market.binance.btcusdt.trade", "market.binance.btcusdt.trade.x", false},
		{">", "market.binance.btcusdt.trade", true},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.subj); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.subj, got, c.want)
		}
	}
}

func TestDeadLetter(t *testing.T) {
	if got := DeadLetter("market.binance.btcusdt.trade"); got != "dlq.market.binance.btcusdt.trade" {
		t.Fatalf("unexpected dead-letter subject %q", got)
	}
}
