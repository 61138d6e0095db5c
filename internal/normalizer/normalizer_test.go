package normalizer

import (
	"errors"
	"testing"
	"time"

	"marketpipe/config"
	"marketpipe/internal/model"
)

func TestBinanceSpotTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":100,"p":"65000.5","q":"0.01","T":1700000000123,"m":false}`)
	n := newBinance(model.MarketSpot)
	e, err := n.Normalize(model.KindTrade, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Trade == nil {
		t.Fatal("trade payload not set")
	}
	if e.Trade.TradeID != "100" {
		t.Fatalf("trade id = %q, want 100", e.Trade.TradeID)
	}
	if e.Trade.Price.String() != "65000.5" || e.Trade.Quantity.String() != "0.01" {
		t.Fatalf("price/qty = %s/%s", e.Trade.Price, e.Trade.Quantity)
	}
	if e.Trade.Side != model.SideBuy {
		t.Fatalf("side = %s, want buy", e.Trade.Side)
	}
	if got := e.NaturalKey(); got != "binance|BTCUSDT|100" {
		t.Fatalf("natural key = %q", got)
	}
}

func TestBinanceDepthDelta(t *testing.T) {
	raw := []byte(`{"e":"depthUpdate","E":1700000001000,"s":"BTCUSDT","U":10,"u":12,"b":[["64999.9","1.5"]],"a":[["65000.1","0.7"]]}`)
	n := newBinance(model.MarketSpot)
	e, err := n.Normalize(model.KindOrderBook, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	ob := e.OrderBook
	if ob.LastUpdateID != 12 || ob.FirstUpdateID != 10 {
		t.Fatalf("update ids = %d..%d", ob.FirstUpdateID, ob.LastUpdateID)
	}
	if ob.IsSnapshot {
		t.Fatal("delta marked as snapshot")
	}
	if len(ob.Bids) != 1 || ob.Bids[0].Price.String() != "64999.9" {
		t.Fatalf("bids = %+v", ob.Bids)
	}
}

func TestBinanceDepthSnapshot(t *testing.T) {
	raw := []byte(`{"lastUpdateId":500,"E":1700000002000,"bids":[["64000","2"]],"asks":[["64001","3"]]}`)
	n := newBinance(model.MarketSpot)
	e, err := n.Normalize(model.KindOrderBook, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !e.OrderBook.IsSnapshot {
		t.Fatal("snapshot not marked")
	}
	if e.OrderBook.LastUpdateID != 500 {
		t.Fatalf("last update id = %d", e.OrderBook.LastUpdateID)
	}
}

func TestBinanceRESTSnapshotWithoutEventTime(t *testing.T) {
	// REST depth snapshots carry no E field; the event must get receive
	// time, not the epoch.
	raw := []byte(`{"lastUpdateId":600,"bids":[["64000","2"]],"asks":[["64001","3"]]}`)
	n := newBinance(model.MarketSpot)
	e, err := n.Normalize(model.KindOrderBook, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if age := time.Since(e.Timestamp); age < 0 || age > time.Minute {
		t.Fatalf("timestamp = %s, want close to now", e.Timestamp)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBinanceKline(t *testing.T) {
	raw := []byte(`{"e":"kline","E":1700000003000,"s":"ETHUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"ETHUSDT","i":"1m","o":"3000","c":"3010","h":"3012","l":"2999","v":"150.5","x":true}}`)
	n := newBinance(model.MarketSpot)
	e, err := n.Normalize(model.KindKline, "ETHUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	k := e.Kline
	if k.Interval != "1m" || !k.Closed {
		t.Fatalf("interval/closed = %s/%v", k.Interval, k.Closed)
	}
	if k.OpenTime.UnixMilli() != 1700000000000 {
		t.Fatalf("open time = %d", k.OpenTime.UnixMilli())
	}
	if got := e.NaturalKey(); got != "binance|ETHUSDT|1m|1700000000000" {
		t.Fatalf("natural key = %q", got)
	}
}

func TestBinanceDerivativesFunding(t *testing.T) {
	raw := []byte(`{"e":"markPriceUpdate","E":1700000004000,"s":"BTCUSDT","p":"65010.2","r":"0.0001","T":1700028800000}`)
	n := newBinance(model.MarketDerivatives)
	e, err := n.Normalize(model.KindFundingRate, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.FundingRate.Rate.String() != "0.0001" {
		t.Fatalf("rate = %s", e.FundingRate.Rate)
	}
	if e.FundingRate.FundingTime.UnixMilli() != 1700028800000 {
		t.Fatalf("funding time = %d", e.FundingRate.FundingTime.UnixMilli())
	}
}

func TestBybitTrade(t *testing.T) {
	raw := []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000005000,"data":[{"T":1700000005000,"s":"BTCUSDT","S":"Sell","v":"0.25","p":"64990","i":"abc-123"}]}`)
	n := newBybit(model.MarketSpot)
	e, err := n.Normalize(model.KindTrade, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Trade.TradeID != "abc-123" || e.Trade.Side != model.SideSell {
		t.Fatalf("trade = %+v", e.Trade)
	}
}

func TestBybitBatchedTradeRejected(t *testing.T) {
	raw := []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1,"data":[{"i":"1","p":"1","v":"1","S":"Buy"},{"i":"2","p":"1","v":"1","S":"Buy"}]}`)
	n := newBybit(model.MarketSpot)
	if _, err := n.Normalize(model.KindTrade, "BTCUSDT", raw); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want malformed", err)
	}
}

func TestBybitKlineInterval(t *testing.T) {
	raw := []byte(`{"topic":"kline.60.BTCUSDT","type":"delta","ts":1700000006000,"data":[{"start":1700000000000,"end":1700003599999,"interval":"60","open":"64000","close":"64100","high":"64200","low":"63900","volume":"12.3","confirm":false}]}`)
	n := newBybit(model.MarketSpot)
	e, err := n.Normalize(model.KindKline, "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Kline.Interval != "1h" {
		t.Fatalf("interval = %q, want 1h", e.Kline.Interval)
	}
}

func TestKucoinTradeAndSymbol(t *testing.T) {
	raw := []byte(`{"symbol":"XBT-USDT","side":"buy","size":"0.5","price":"64800","tradeId":"t-77","sequence":"1545896669","ts":1700000007000000000}`)
	n := newKucoin(model.MarketSpot)
	e, err := n.Normalize(model.KindTrade, "XBT-USDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", e.Symbol)
	}
	if e.Timestamp.UnixMilli() != 1700000007000 {
		t.Fatalf("timestamp = %d, want nanoseconds reduced", e.Timestamp.UnixMilli())
	}
}

func TestKucoinCandles(t *testing.T) {
	raw := []byte(`{"symbol":"BTC-USDT","candles":["1700000000","64000","64100","64150","63950","10.5","680000"],"time":1700000060000}`)
	n := newKucoin(model.MarketSpot)
	e, err := n.Normalize(model.KindKline, "BTC-USDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Kline.Open.String() != "64000" || e.Kline.Close.String() != "64100" {
		t.Fatalf("ohlc = %+v", e.Kline)
	}
}

func TestOKXOrderBookSnapshot(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"bids":[["64500","1","0","2"]],"asks":[["64501","2","0","1"]],"ts":"1700000008000","seqId":900,"prevSeqId":-1}]}`)
	n := newOKX(model.MarketSpot)
	e, err := n.Normalize(model.KindOrderBook, "BTC-USDT", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !e.OrderBook.IsSnapshot {
		t.Fatal("snapshot not marked")
	}
	if e.OrderBook.LastUpdateID != 900 {
		t.Fatalf("seq id = %d", e.OrderBook.LastUpdateID)
	}
	if e.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q", e.Symbol)
	}
}

func TestOKXCandleChannelInterval(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"candle1H","instId":"BTC-USDT-SWAP"},"data":[["1700000000000","64000","64200","63900","64100","55"]]}`)
	n := newOKX(model.MarketDerivatives)
	e, err := n.Normalize(model.KindKline, "BTC-USDT-SWAP", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Kline.Interval != "1h" {
		t.Fatalf("interval = %q, want 1h", e.Kline.Interval)
	}
	if e.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q", e.Symbol)
	}
}

func TestDeribitVolatilityIndex(t *testing.T) {
	raw := []byte(`{"index_name":"btc_usd","volatility":58.4,"timestamp":1700000009000}`)
	n := newDeribit(model.MarketDerivatives)
	e, err := n.Normalize(model.KindVolatilityIndex, "btc_usd", raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.VolatilityIndex == nil || e.VolatilityIndex.Value.String() != "58.4" {
		t.Fatalf("vix = %+v", e.VolatilityIndex)
	}
}

func TestUnsupportedKind(t *testing.T) {
	n := newKucoin(model.MarketSpot)
	if _, err := n.Normalize(model.KindFundingRate, "BTC-USDT", []byte(`{}`)); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want unsupported", err)
	}
}

func TestMalformedPayload(t *testing.T) {
	n := newBinance(model.MarketSpot)
	if _, err := n.Normalize(model.KindTrade, "BTCUSDT", []byte(`not json`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want malformed", err)
	}
	if _, err := n.Normalize(model.KindTrade, "BTCUSDT", []byte(`{"e":"trade"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want malformed for missing fields", err)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry([]config.ExchangeConfig{
		{Name: "binance", MarketType: "spot"},
		{Name: "okx", MarketType: "swap"},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := r.Get("binance", model.MarketSpot); err != nil {
		t.Fatalf("get binance: %v", err)
	}
	if _, err := r.Get("okx", model.MarketDerivatives); err != nil {
		t.Fatalf("get okx derivatives: %v", err)
	}
	if _, err := r.Get("binance", model.MarketDerivatives); !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("err = %v, want unknown exchange", err)
	}
}

func TestRegistryUnknownExchange(t *testing.T) {
	_, err := NewRegistry([]config.ExchangeConfig{{Name: "ftx", MarketType: "spot"}})
	if !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("err = %v, want unknown exchange", err)
	}
}
