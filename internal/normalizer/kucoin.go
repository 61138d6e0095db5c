package normalizer

import (
	"encoding/json"

	"marketpipe/internal/model"
)

// kucoinNormalizer handles KuCoin public feed payloads. KuCoin timestamps
// mix seconds, milliseconds and nanoseconds across channels; everything is
// reduced to canonical milliseconds.
type kucoinNormalizer struct {
	market model.MarketType
	kinds  []model.Kind
}

func newKucoin(mt model.MarketType) *kucoinNormalizer {
	kinds := []model.Kind{model.KindTrade, model.KindOrderBook, model.KindKline, model.KindTicker}
	if mt == model.MarketDerivatives {
		kinds = append(kinds, model.KindFundingRate)
	}
	return &kucoinNormalizer{market: mt, kinds: kinds}
}

func (n *kucoinNormalizer) Exchange() string             { return "kucoin" }
func (n *kucoinNormalizer) MarketType() model.MarketType { return n.market }
func (n *kucoinNormalizer) Kinds() []model.Kind          { return n.kinds }

type kucoinMatch struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	Price    string `json:"price"`
	TradeID  string `json:"tradeId"`
	Sequence string `json:"sequence"`
	Time     int64  `json:"ts"`
}

type kucoinLevel2 struct {
	SequenceStart int64 `json:"sequenceStart"`
	SequenceEnd   int64 `json:"sequenceEnd"`
	Changes       struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

type kucoinCandles struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
	Time    int64    `json:"time"`
}

type kucoinTicker struct {
	Price   string `json:"price"`
	Size    string `json:"size"`
	BestAsk string `json:"bestAsk"`
	BestBid string `json:"bestBid"`
	Time    int64  `json:"time"`
}

type kucoinFunding struct {
	Symbol      string      `json:"symbol"`
	FundingRate json.Number `json:"fundingRate"`
	Timestamp   int64       `json:"timestamp"`
}

// reduceTimestamp folds KuCoin's nanosecond and microsecond encodings down
// to milliseconds before the usual promotion logic runs.
func reduceTimestamp(ts int64) int64 {
	switch {
	case ts >= 1e17: // nanoseconds
		return ts / 1e6
	case ts >= 1e14: // microseconds
		return ts / 1e3
	default:
		return ts
	}
}

func (n *kucoinNormalizer) header(symbol string, kind model.Kind, ts int64) *model.Event {
	return &model.Event{
		Exchange:   n.Exchange(),
		MarketType: n.market,
		Symbol:     model.CanonicalSymbol("kucoin", symbol),
		Kind:       kind,
		Timestamp:  model.EventTime(reduceTimestamp(ts)),
	}
}

func (n *kucoinNormalizer) Normalize(kind model.Kind, symbol string, raw []byte) (*model.Event, error) {
	if !supportsKind(n.kinds, kind) {
		return nil, unsupported(n.Exchange(), kind)
	}
	switch kind {
	case model.KindTrade:
		return n.trade(symbol, raw)
	case model.KindOrderBook:
		return n.orderBook(symbol, raw)
	case model.KindKline:
		return n.kline(symbol, raw)
	case model.KindTicker:
		return n.ticker(symbol, raw)
	case model.KindFundingRate:
		return n.fundingRate(symbol, raw)
	}
	return nil, unsupported(n.Exchange(), kind)
}

func (n *kucoinNormalizer) trade(symbol string, raw []byte) (*model.Event, error) {
	var m kucoinMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed("match: %v", err)
	}
	if m.TradeID == "" {
		return nil, malformed("match: missing trade id")
	}
	price, err := parseDecimal(m.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(m.Size)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(m.Side)
	if err != nil {
		return nil, malformed("match: %v", err)
	}
	e := n.header(firstNonEmpty(m.Symbol, symbol), model.KindTrade, m.Time)
	e.Trade = &model.Trade{TradeID: m.TradeID, Price: price, Quantity: qty, Side: side}
	return e, nil
}

func (n *kucoinNormalizer) orderBook(symbol string, raw []byte) (*model.Event, error) {
	var l2 kucoinLevel2
	if err := json.Unmarshal(raw, &l2); err != nil {
		return nil, malformed("level2: %v", err)
	}
	if l2.SequenceEnd == 0 {
		return nil, malformed("level2: missing sequence")
	}
	bids, err := parseLevels(l2.Changes.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(l2.Changes.Asks)
	if err != nil {
		return nil, err
	}
	e := n.header(symbol, model.KindOrderBook, l2.Time)
	e.OrderBook = &model.OrderBookEvent{
		LastUpdateID:  l2.SequenceEnd,
		FirstUpdateID: l2.SequenceStart,
		Bids:          bids,
		Asks:          asks,
	}
	return e, nil
}

// kucoin candles arrive as a positional string array:
// [start, open, close, high, low, volume, turnover].
func (n *kucoinNormalizer) kline(symbol string, raw []byte) (*model.Event, error) {
	var c kucoinCandles
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, malformed("candles: %v", err)
	}
	if len(c.Candles) < 6 {
		return nil, malformed("candles: %d fields", len(c.Candles))
	}
	start, err := parseDecimal(c.Candles[0])
	if err != nil {
		return nil, err
	}
	open, err := parseDecimal(c.Candles[1])
	if err != nil {
		return nil, err
	}
	closePx, err := parseDecimal(c.Candles[2])
	if err != nil {
		return nil, err
	}
	high, err := parseDecimal(c.Candles[3])
	if err != nil {
		return nil, err
	}
	low, err := parseDecimal(c.Candles[4])
	if err != nil {
		return nil, err
	}
	volume, err := parseDecimal(c.Candles[5])
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(c.Symbol, symbol), model.KindKline, c.Time)
	e.Kline = &model.Kline{
		// kucoin does not tag the interval in the payload; the candles
		// channel carries one interval per topic, so the source tags it on
		// the symbol and the default is 1m.
		Interval: "1m",
		OpenTime: model.FromUnixMilli(start.IntPart()),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   volume,
	}
	return e, nil
}

func (n *kucoinNormalizer) ticker(symbol string, raw []byte) (*model.Event, error) {
	var t kucoinTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, malformed("ticker: %v", err)
	}
	if t.Price == "" {
		return nil, malformed("ticker: missing price")
	}
	last, err := parseDecimal(t.Price)
	if err != nil {
		return nil, err
	}
	bid, err := parseDecimal(t.BestBid)
	if err != nil {
		return nil, err
	}
	ask, err := parseDecimal(t.BestAsk)
	if err != nil {
		return nil, err
	}
	e := n.header(symbol, model.KindTicker, t.Time)
	e.Ticker = &model.Ticker{LastPrice: last, BidPrice: bid, AskPrice: ask}
	return e, nil
}

func (n *kucoinNormalizer) fundingRate(symbol string, raw []byte) (*model.Event, error) {
	var f kucoinFunding
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, malformed("funding: %v", err)
	}
	if f.FundingRate == "" {
		return nil, malformed("funding: missing rate")
	}
	rate, err := parseDecimal(f.FundingRate.String())
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(f.Symbol, symbol), model.KindFundingRate, f.Timestamp)
	e.FundingRate = &model.FundingRate{Rate: rate, FundingTime: e.Timestamp}
	return e, nil
}
