package normalizer

import (
	"encoding/json"

	"marketpipe/internal/model"
)

// bybitNormalizer handles Bybit v5 public topic payloads. The v5 API is
// unified across spot and linear markets, so one implementation covers both;
// derivative-only kinds are gated by market type.
type bybitNormalizer struct {
	market model.MarketType
	kinds  []model.Kind
}

func newBybit(mt model.MarketType) *bybitNormalizer {
	kinds := []model.Kind{model.KindTrade, model.KindOrderBook, model.KindKline, model.KindTicker}
	if mt == model.MarketDerivatives {
		kinds = append(kinds, model.KindFundingRate, model.KindOpenInterest, model.KindLiquidation)
	}
	return &bybitNormalizer{market: mt, kinds: kinds}
}

func (n *bybitNormalizer) Exchange() string             { return "bybit" }
func (n *bybitNormalizer) MarketType() model.MarketType { return n.market }
func (n *bybitNormalizer) Kinds() []model.Kind          { return n.kinds }

// bybitFrame is the v5 public topic envelope.
type bybitFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTrade struct {
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Size      string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

type bybitOrderbook struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

type bybitKline struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

type bybitTicker struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	HighPrice24h    string `json:"highPrice24h"`
	LowPrice24h     string `json:"lowPrice24h"`
	Volume24h       string `json:"volume24h"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	FundingRate     string `json:"fundingRate"`
	MarkPrice       string `json:"markPrice"`
	OpenInterest    string `json:"openInterest"`
	NextFundingTime string `json:"nextFundingTime"`
}

type bybitLiquidation struct {
	UpdatedTime int64  `json:"updatedTime"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
}

// bybit kline interval spellings are bare minute counts plus D/W.
var bybitIntervals = map[string]string{
	"1": "1m", "3": "3m", "5": "5m", "15": "15m", "30": "30m",
	"60": "1h", "120": "2h", "240": "4h", "360": "6h", "720": "12h",
	"D": "1d", "W": "1w",
}

func (n *bybitNormalizer) header(symbol string, kind model.Kind, ms int64) *model.Event {
	return &model.Event{
		Exchange:   n.Exchange(),
		MarketType: n.market,
		Symbol:     model.CanonicalSymbol("bybit", symbol),
		Kind:       kind,
		Timestamp:  model.EventTime(ms),
	}
}

func (n *bybitNormalizer) Normalize(kind model.Kind, symbol string, raw []byte) (*model.Event, error) {
	if !supportsKind(n.kinds, kind) {
		return nil, unsupported(n.Exchange(), kind)
	}

	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, malformed("frame: %v", err)
	}
	if len(frame.Data) == 0 {
		return nil, malformed("frame: missing data")
	}

	switch kind {
	case model.KindTrade:
		return n.trade(symbol, &frame)
	case model.KindOrderBook:
		return n.orderBook(symbol, &frame)
	case model.KindKline:
		return n.kline(symbol, &frame)
	case model.KindTicker:
		return n.ticker(symbol, &frame)
	case model.KindFundingRate:
		return n.fundingRate(symbol, &frame)
	case model.KindOpenInterest:
		return n.openInterest(symbol, &frame)
	case model.KindLiquidation:
		return n.liquidation(symbol, &frame)
	}
	return nil, unsupported(n.Exchange(), kind)
}

// singleEntry decodes a data array that must hold exactly one element.
// Batched frames are split by the data source before they reach the
// normalizer.
func singleEntry(data json.RawMessage, out interface{}) error {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		// Some topics carry a bare object instead of an array.
		return json.Unmarshal(data, out)
	}
	if len(entries) != 1 {
		return malformed("expected one entry, got %d", len(entries))
	}
	return json.Unmarshal(entries[0], out)
}

func (n *bybitNormalizer) trade(symbol string, frame *bybitFrame) (*model.Event, error) {
	var t bybitTrade
	if err := singleEntry(frame.Data, &t); err != nil {
		return nil, malformed("trade: %v", err)
	}
	if t.TradeID == "" {
		return nil, malformed("trade: missing trade id")
	}
	price, err := parseDecimal(t.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(t.Size)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(t.Side)
	if err != nil {
		return nil, malformed("trade: %v", err)
	}
	ts := t.TradeTime
	if ts == 0 {
		ts = frame.TS
	}
	e := n.header(firstNonEmpty(t.Symbol, symbol), model.KindTrade, ts)
	e.Trade = &model.Trade{TradeID: t.TradeID, Price: price, Quantity: qty, Side: side}
	return e, nil
}

func (n *bybitNormalizer) orderBook(symbol string, frame *bybitFrame) (*model.Event, error) {
	var ob bybitOrderbook
	if err := json.Unmarshal(frame.Data, &ob); err != nil {
		return nil, malformed("orderbook: %v", err)
	}
	if ob.UpdateID == 0 {
		return nil, malformed("orderbook: missing update id")
	}
	bids, err := parseLevels(ob.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(ob.Asks)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(ob.Symbol, symbol), model.KindOrderBook, frame.TS)
	e.OrderBook = &model.OrderBookEvent{
		LastUpdateID: ob.UpdateID,
		Bids:         bids,
		Asks:         asks,
		IsSnapshot:   frame.Type == "snapshot",
	}
	return e, nil
}

func (n *bybitNormalizer) kline(symbol string, frame *bybitFrame) (*model.Event, error) {
	var k bybitKline
	if err := singleEntry(frame.Data, &k); err != nil {
		return nil, malformed("kline: %v", err)
	}
	if k.Start == 0 {
		return nil, malformed("kline: missing start")
	}
	interval, ok := bybitIntervals[k.Interval]
	if !ok {
		return nil, malformed("kline: unknown interval %q", k.Interval)
	}
	open, err := parseDecimal(k.Open)
	if err != nil {
		return nil, err
	}
	high, err := parseDecimal(k.High)
	if err != nil {
		return nil, err
	}
	low, err := parseDecimal(k.Low)
	if err != nil {
		return nil, err
	}
	closePx, err := parseDecimal(k.Close)
	if err != nil {
		return nil, err
	}
	volume, err := parseDecimal(k.Volume)
	if err != nil {
		return nil, err
	}
	e := n.header(symbol, model.KindKline, frame.TS)
	e.Kline = &model.Kline{
		Interval: interval,
		OpenTime: model.FromUnixMilli(k.Start),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   volume,
		Closed:   k.Confirm,
	}
	return e, nil
}

func (n *bybitNormalizer) ticker(symbol string, frame *bybitFrame) (*model.Event, error) {
	var t bybitTicker
	if err := json.Unmarshal(frame.Data, &t); err != nil {
		return nil, malformed("ticker: %v", err)
	}
	if t.LastPrice == "" {
		return nil, malformed("ticker: missing last price")
	}
	last, err := parseDecimal(t.LastPrice)
	if err != nil {
		return nil, err
	}
	bid, err := parseDecimal(t.Bid1Price)
	if err != nil {
		return nil, err
	}
	ask, err := parseDecimal(t.Ask1Price)
	if err != nil {
		return nil, err
	}
	high, err := parseDecimal(t.HighPrice24h)
	if err != nil {
		return nil, err
	}
	low, err := parseDecimal(t.LowPrice24h)
	if err != nil {
		return nil, err
	}
	vol, err := parseDecimal(t.Volume24h)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(t.Symbol, symbol), model.KindTicker, frame.TS)
	e.Ticker = &model.Ticker{
		LastPrice: last,
		BidPrice:  bid,
		AskPrice:  ask,
		High24h:   high,
		Low24h:    low,
		Volume24h: vol,
	}
	return e, nil
}

// fundingRate and openInterest both ride the tickers topic on bybit.
func (n *bybitNormalizer) fundingRate(symbol string, frame *bybitFrame) (*model.Event, error) {
	var t bybitTicker
	if err := json.Unmarshal(frame.Data, &t); err != nil {
		return nil, malformed("funding: %v", err)
	}
	if t.FundingRate == "" {
		return nil, malformed("funding: missing rate")
	}
	rate, err := parseDecimal(t.FundingRate)
	if err != nil {
		return nil, err
	}
	mark, err := parseDecimal(t.MarkPrice)
	if err != nil {
		return nil, err
	}
	next, err := parseDecimal(t.NextFundingTime)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(t.Symbol, symbol), model.KindFundingRate, frame.TS)
	e.FundingRate = &model.FundingRate{
		Rate:        rate,
		FundingTime: model.FromUnixMilli(next.IntPart()),
		MarkPrice:   mark,
	}
	return e, nil
}

func (n *bybitNormalizer) openInterest(symbol string, frame *bybitFrame) (*model.Event, error) {
	var t bybitTicker
	if err := json.Unmarshal(frame.Data, &t); err != nil {
		return nil, malformed("open interest: %v", err)
	}
	if t.OpenInterest == "" {
		return nil, malformed("open interest: missing value")
	}
	oi, err := parseDecimal(t.OpenInterest)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(t.Symbol, symbol), model.KindOpenInterest, frame.TS)
	e.OpenInterest = &model.OpenInterest{OpenInterest: oi}
	return e, nil
}

func (n *bybitNormalizer) liquidation(symbol string, frame *bybitFrame) (*model.Event, error) {
	var l bybitLiquidation
	if err := json.Unmarshal(frame.Data, &l); err != nil {
		return nil, malformed("liquidation: %v", err)
	}
	if l.Price == "" {
		return nil, malformed("liquidation: missing price")
	}
	price, err := parseDecimal(l.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(l.Size)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(l.Side)
	if err != nil {
		return nil, malformed("liquidation: %v", err)
	}
	ts := l.UpdatedTime
	if ts == 0 {
		ts = frame.TS
	}
	e := n.header(firstNonEmpty(l.Symbol, symbol), model.KindLiquidation, ts)
	e.Liquidation = &model.Liquidation{Side: side, Price: price, Quantity: qty}
	return e, nil
}
