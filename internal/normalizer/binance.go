package normalizer

import (
	"encoding/json"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"marketpipe/internal/model"
)

// binanceNormalizer handles Binance spot and USD-M futures wire formats.
// Event structs come from the exchange SDK where it exposes them; depth,
// open-interest and long/short payloads are declared locally because the SDK
// only carries them behind client calls.
type binanceNormalizer struct {
	market model.MarketType
	kinds  []model.Kind
}

func newBinance(mt model.MarketType) *binanceNormalizer {
	kinds := []model.Kind{model.KindTrade, model.KindOrderBook, model.KindKline, model.KindTicker}
	if mt == model.MarketDerivatives {
		kinds = append(kinds, model.KindFundingRate, model.KindOpenInterest, model.KindLiquidation, model.KindLongShortRatio)
	}
	return &binanceNormalizer{market: mt, kinds: kinds}
}

func (n *binanceNormalizer) Exchange() string             { return "binance" }
func (n *binanceNormalizer) MarketType() model.MarketType { return n.market }
func (n *binanceNormalizer) Kinds() []model.Kind          { return n.kinds }

// binanceDepthEvent mirrors the depth stream payload; bids/asks arrive as
// ["price", "qty"] string pairs.
type binanceDepthEvent struct {
	Event         string     `json:"e"`
	Time          int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// binanceDepthSnapshot mirrors the REST depth snapshot.
type binanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type binanceOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type binanceLongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	LongShortRatio string `json:"longShortRatio"`
	Timestamp      int64  `json:"timestamp"`
}

func (n *binanceNormalizer) header(symbol string, kind model.Kind, ms int64) *model.Event {
	return &model.Event{
		Exchange:   n.Exchange(),
		MarketType: n.market,
		Symbol:     model.CanonicalSymbol("binance", symbol),
		Kind:       kind,
		Timestamp:  model.EventTime(ms),
	}
}

func (n *binanceNormalizer) Normalize(kind model.Kind, symbol string, raw []byte) (*model.Event, error) {
	if !supportsKind(n.kinds, kind) {
		return nil, unsupported(n.Exchange(), kind)
	}
	switch kind {
	case model.KindTrade:
		if n.market == model.MarketDerivatives {
			return n.aggTrade(symbol, raw)
		}
		return n.trade(symbol, raw)
	case model.KindOrderBook:
		return n.orderBook(symbol, raw)
	case model.KindKline:
		return n.kline(symbol, raw)
	case model.KindTicker:
		return n.ticker(symbol, raw)
	case model.KindFundingRate:
		return n.fundingRate(symbol, raw)
	case model.KindOpenInterest:
		return n.openInterest(symbol, raw)
	case model.KindLiquidation:
		return n.liquidation(symbol, raw)
	case model.KindLongShortRatio:
		return n.longShortRatio(symbol, raw)
	}
	return nil, unsupported(n.Exchange(), kind)
}

func (n *binanceNormalizer) trade(symbol string, raw []byte) (*model.Event, error) {
	var ev binance.WsTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("trade: %v", err)
	}
	if ev.TradeID == 0 && ev.Price == "" {
		return nil, malformed("trade: missing trade id and price")
	}
	price, err := parseDecimal(ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(ev.Quantity)
	if err != nil {
		return nil, err
	}
	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.Time
	}
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindTrade, ts)
	e.Trade = &model.Trade{
		TradeID:  formatID(ev.TradeID),
		Price:    price,
		Quantity: qty,
		Side:     model.SideFromBuyerMaker(ev.IsBuyerMaker),
	}
	return e, nil
}

func (n *binanceNormalizer) aggTrade(symbol string, raw []byte) (*model.Event, error) {
	var ev futures.WsAggTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("agg trade: %v", err)
	}
	if ev.AggregateTradeID == 0 && ev.Price == "" {
		return nil, malformed("agg trade: missing trade id and price")
	}
	price, err := parseDecimal(ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(ev.Quantity)
	if err != nil {
		return nil, err
	}
	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.Time
	}
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindTrade, ts)
	e.Trade = &model.Trade{
		TradeID:  formatID(ev.AggregateTradeID),
		Price:    price,
		Quantity: qty,
		Side:     model.SideFromBuyerMaker(ev.Maker),
	}
	return e, nil
}

func (n *binanceNormalizer) orderBook(symbol string, raw []byte) (*model.Event, error) {
	var delta binanceDepthEvent
	if err := json.Unmarshal(raw, &delta); err != nil {
		return nil, malformed("depth: %v", err)
	}
	if delta.LastUpdateID != 0 {
		bids, err := parseLevels(delta.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseLevels(delta.Asks)
		if err != nil {
			return nil, err
		}
		e := n.header(firstNonEmpty(delta.Symbol, symbol), model.KindOrderBook, delta.Time)
		e.OrderBook = &model.OrderBookEvent{
			LastUpdateID:  delta.LastUpdateID,
			FirstUpdateID: delta.FirstUpdateID,
			Bids:          bids,
			Asks:          asks,
		}
		return e, nil
	}

	// REST-style snapshot
	var snap binanceDepthSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, malformed("depth snapshot: %v", err)
	}
	if snap.LastUpdateID == 0 {
		return nil, malformed("depth: missing update id")
	}
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return nil, err
	}
	e := n.header(symbol, model.KindOrderBook, snap.EventTime)
	e.OrderBook = &model.OrderBookEvent{
		LastUpdateID: snap.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		IsSnapshot:   true,
	}
	return e, nil
}

func (n *binanceNormalizer) kline(symbol string, raw []byte) (*model.Event, error) {
	var ev binance.WsKlineEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("kline: %v", err)
	}
	k := ev.Kline
	if k.StartTime == 0 {
		return nil, malformed("kline: missing start time")
	}
	interval, err := model.CanonicalInterval(k.Interval)
	if err != nil {
		return nil, malformed("kline: %v", err)
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
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindKline, ev.Time)
	e.Kline = &model.Kline{
		Interval: interval,
		OpenTime: model.FromUnixMilli(k.StartTime),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   volume,
		Closed:   k.IsFinal,
	}
	return e, nil
}

func (n *binanceNormalizer) ticker(symbol string, raw []byte) (*model.Event, error) {
	var ev binance.WsMarketStatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("ticker: %v", err)
	}
	if ev.LastPrice == "" {
		return nil, malformed("ticker: missing last price")
	}
	last, err := parseDecimal(ev.LastPrice)
	if err != nil {
		return nil, err
	}
	bid, err := parseDecimal(ev.BidPrice)
	if err != nil {
		return nil, err
	}
	ask, err := parseDecimal(ev.AskPrice)
	if err != nil {
		return nil, err
	}
	high, err := parseDecimal(ev.HighPrice)
	if err != nil {
		return nil, err
	}
	low, err := parseDecimal(ev.LowPrice)
	if err != nil {
		return nil, err
	}
	vol, err := parseDecimal(ev.BaseVolume)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindTicker, ev.Time)
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

func (n *binanceNormalizer) fundingRate(symbol string, raw []byte) (*model.Event, error) {
	var ev futures.WsMarkPriceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("mark price: %v", err)
	}
	if ev.FundingRate == "" {
		return nil, malformed("mark price: missing funding rate")
	}
	rate, err := parseDecimal(ev.FundingRate)
	if err != nil {
		return nil, err
	}
	mark, err := parseDecimal(ev.MarkPrice)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindFundingRate, ev.Time)
	e.FundingRate = &model.FundingRate{
		Rate:        rate,
		FundingTime: model.FromUnixMilli(ev.NextFundingTime),
		MarkPrice:   mark,
	}
	return e, nil
}

func (n *binanceNormalizer) openInterest(symbol string, raw []byte) (*model.Event, error) {
	var ev binanceOpenInterest
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("open interest: %v", err)
	}
	if ev.OpenInterest == "" {
		return nil, malformed("open interest: missing value")
	}
	oi, err := parseDecimal(ev.OpenInterest)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindOpenInterest, ev.Time)
	e.OpenInterest = &model.OpenInterest{OpenInterest: oi}
	return e, nil
}

func (n *binanceNormalizer) liquidation(symbol string, raw []byte) (*model.Event, error) {
	var ev futures.WsLiquidationOrderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("liquidation: %v", err)
	}
	o := ev.LiquidationOrder
	if o.Price == "" {
		return nil, malformed("liquidation: missing price")
	}
	price, err := parseDecimal(o.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(o.OrigQuantity)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(string(o.Side))
	if err != nil {
		return nil, malformed("liquidation: %v", err)
	}
	ts := o.TradeTime
	if ts == 0 {
		ts = ev.Time
	}
	e := n.header(firstNonEmpty(o.Symbol, symbol), model.KindLiquidation, ts)
	e.Liquidation = &model.Liquidation{Side: side, Price: price, Quantity: qty}
	return e, nil
}

func (n *binanceNormalizer) longShortRatio(symbol string, raw []byte) (*model.Event, error) {
	var ev binanceLongShortRatio
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed("long short ratio: %v", err)
	}
	if ev.LongShortRatio == "" {
		return nil, malformed("long short ratio: missing ratio")
	}
	long, err := parseDecimal(ev.LongAccount)
	if err != nil {
		return nil, err
	}
	short, err := parseDecimal(ev.ShortAccount)
	if err != nil {
		return nil, err
	}
	ratio, err := parseDecimal(ev.LongShortRatio)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(ev.Symbol, symbol), model.KindLongShortRatio, ev.Timestamp)
	e.LongShortRatio = &model.LongShortRatio{LongRatio: long, ShortRatio: short, Ratio: ratio}
	return e, nil
}
