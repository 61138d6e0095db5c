package normalizer

import (
	"encoding/json"

	"marketpipe/internal/model"
)

// okxNormalizer handles OKX v5 public channel payloads. OKX wraps every
// message in an {arg, action, data} envelope and encodes numbers and
// timestamps as strings.
type okxNormalizer struct {
	market model.MarketType
	kinds  []model.Kind
}

func newOKX(mt model.MarketType) *okxNormalizer {
	kinds := []model.Kind{model.KindTrade, model.KindOrderBook, model.KindKline, model.KindTicker}
	if mt == model.MarketDerivatives {
		kinds = append(kinds, model.KindFundingRate, model.KindOpenInterest, model.KindLiquidation, model.KindLongShortRatio)
	}
	return &okxNormalizer{market: mt, kinds: kinds}
}

func (n *okxNormalizer) Exchange() string             { return "okx" }
func (n *okxNormalizer) MarketType() model.MarketType { return n.market }
func (n *okxNormalizer) Kinds() []model.Kind          { return n.kinds }

type okxFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type okxTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

type okxBook struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	TS        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	TS      string `json:"ts"`
}

type okxFunding struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"`
	MarkPx      string `json:"markPx"`
	TS          string `json:"ts"`
}

type okxOpenInterest struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	OICcy  string `json:"oiCcy"`
	TS     string `json:"ts"`
}

type okxLiquidation struct {
	InstID string `json:"instId"`
	Side   string `json:"side"`
	Size   string `json:"sz"`
	BkPx   string `json:"bkPx"`
	TS     string `json:"ts"`
}

type okxLongShortRatio struct {
	InstID string `json:"instId"`
	Ratio  string `json:"ratio"`
	TS     string `json:"ts"`
}

func parseStringMillis(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

func (n *okxNormalizer) header(instID string, kind model.Kind, ms int64) *model.Event {
	return &model.Event{
		Exchange:   n.Exchange(),
		MarketType: n.market,
		Symbol:     model.CanonicalSymbol("okx", instID),
		Kind:       kind,
		Timestamp:  model.EventTime(ms),
	}
}

func (n *okxNormalizer) Normalize(kind model.Kind, symbol string, raw []byte) (*model.Event, error) {
	if !supportsKind(n.kinds, kind) {
		return nil, unsupported(n.Exchange(), kind)
	}

	var frame okxFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, malformed("frame: %v", err)
	}
	if len(frame.Data) == 0 {
		return nil, malformed("frame: missing data")
	}
	if frame.Arg.InstID != "" {
		symbol = frame.Arg.InstID
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
	case model.KindLongShortRatio:
		return n.longShortRatio(symbol, &frame)
	}
	return nil, unsupported(n.Exchange(), kind)
}

func (n *okxNormalizer) trade(symbol string, frame *okxFrame) (*model.Event, error) {
	var t okxTrade
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
	ts, err := parseStringMillis(t.TS)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(t.InstID, symbol), model.KindTrade, ts)
	e.Trade = &model.Trade{TradeID: t.TradeID, Price: price, Quantity: qty, Side: side}
	return e, nil
}

func (n *okxNormalizer) orderBook(symbol string, frame *okxFrame) (*model.Event, error) {
	var b okxBook
	if err := singleEntry(frame.Data, &b); err != nil {
		return nil, malformed("book: %v", err)
	}
	if b.SeqID == 0 {
		return nil, malformed("book: missing seq id")
	}
	// OKX levels are [price, qty, liquidated orders, order count]; only the
	// first two matter canonically.
	bids, err := parseLevels(b.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(b.Asks)
	if err != nil {
		return nil, err
	}
	ts, err := parseStringMillis(b.TS)
	if err != nil {
		return nil, err
	}
	e := n.header(symbol, model.KindOrderBook, ts)
	e.OrderBook = &model.OrderBookEvent{
		LastUpdateID:  b.SeqID,
		FirstUpdateID: b.PrevSeqID,
		Bids:          bids,
		Asks:          asks,
		IsSnapshot:    frame.Action == "snapshot",
	}
	return e, nil
}

// okx candles are positional string arrays: [ts, o, h, l, c, vol, ...].
// The interval is carried by the channel name, e.g. "candle1m".
func (n *okxNormalizer) kline(symbol string, frame *okxFrame) (*model.Event, error) {
	var rows [][]string
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return nil, malformed("candle: %v", err)
	}
	if len(rows) != 1 || len(rows[0]) < 6 {
		return nil, malformed("candle: unexpected shape")
	}
	row := rows[0]
	start, err := parseStringMillis(row[0])
	if err != nil {
		return nil, err
	}
	open, err := parseDecimal(row[1])
	if err != nil {
		return nil, err
	}
	high, err := parseDecimal(row[2])
	if err != nil {
		return nil, err
	}
	low, err := parseDecimal(row[3])
	if err != nil {
		return nil, err
	}
	closePx, err := parseDecimal(row[4])
	if err != nil {
		return nil, err
	}
	volume, err := parseDecimal(row[5])
	if err != nil {
		return nil, err
	}
	interval := "1m"
	if ch := frame.Arg.Channel; len(ch) > len("candle") {
		if iv, err := model.CanonicalInterval(ch[len("candle"):]); err == nil {
			interval = iv
		}
	}
	e := n.header(symbol, model.KindKline, start)
	e.Kline = &model.Kline{
		Interval: interval,
		OpenTime: model.FromUnixMilli(start),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   volume,
	}
	return e, nil
}

func (n *okxNormalizer) ticker(symbol string, frame *okxFrame) (*model.Event, error) {
	var t okxTicker
	if err := singleEntry(frame.Data, &t); err != nil {
		return nil, malformed("ticker: %v", err)
	}
	if t.Last == "" {
		return nil, malformed("ticker: missing last")
	}
	last, err := parseDecimal(t.Last)
	if err != nil {
		return nil, err
	}
	bid, err := parseDecimal(t.BidPx)
	if err != nil {
		return nil, err
	}
	ask, err := parseDecimal(t.AskPx)
	if err != nil {
		return nil, err
	}
	high, err := parseDecimal(t.High24h)
	if err != nil {
		return nil, err
	}
	low, err := parseDecimal(t.Low24h)
	if err != nil {
		return nil, err
	}
	vol, err := parseDecimal(t.Vol24h)
	if err != nil {
		return nil, err
	}
	ts, err := parseStringMillis(t.TS)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(t.InstID, symbol), model.KindTicker, ts)
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

func (n *okxNormalizer) fundingRate(symbol string, frame *okxFrame) (*model.Event, error) {
	var f okxFunding
	if err := singleEntry(frame.Data, &f); err != nil {
		return nil, malformed("funding: %v", err)
	}
	if f.FundingRate == "" {
		return nil, malformed("funding: missing rate")
	}
	rate, err := parseDecimal(f.FundingRate)
	if err != nil {
		return nil, err
	}
	mark, err := parseDecimal(f.MarkPx)
	if err != nil {
		return nil, err
	}
	fundingTime, err := parseStringMillis(f.FundingTime)
	if err != nil {
		return nil, err
	}
	ts, err := parseStringMillis(firstNonEmpty(f.TS, f.FundingTime))
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(f.InstID, symbol), model.KindFundingRate, ts)
	e.FundingRate = &model.FundingRate{
		Rate:        rate,
		FundingTime: model.FromUnixMilli(fundingTime),
		MarkPrice:   mark,
	}
	return e, nil
}

func (n *okxNormalizer) openInterest(symbol string, frame *okxFrame) (*model.Event, error) {
	var oi okxOpenInterest
	if err := singleEntry(frame.Data, &oi); err != nil {
		return nil, malformed("open interest: %v", err)
	}
	if oi.OI == "" {
		return nil, malformed("open interest: missing value")
	}
	val, err := parseDecimal(oi.OI)
	if err != nil {
		return nil, err
	}
	ccy, err := parseDecimal(oi.OICcy)
	if err != nil {
		return nil, err
	}
	ts, err := parseStringMillis(oi.TS)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(oi.InstID, symbol), model.KindOpenInterest, ts)
	e.OpenInterest = &model.OpenInterest{OpenInterest: val, OpenInterestValue: ccy}
	return e, nil
}

func (n *okxNormalizer) liquidation(symbol string, frame *okxFrame) (*model.Event, error) {
	var l okxLiquidation
	if err := singleEntry(frame.Data, &l); err != nil {
		return nil, malformed("liquidation: %v", err)
	}
	if l.BkPx == "" {
		return nil, malformed("liquidation: missing bankruptcy price")
	}
	price, err := parseDecimal(l.BkPx)
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
	ts, err := parseStringMillis(l.TS)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(l.InstID, symbol), model.KindLiquidation, ts)
	e.Liquidation = &model.Liquidation{Side: side, Price: price, Quantity: qty}
	return e, nil
}

func (n *okxNormalizer) longShortRatio(symbol string, frame *okxFrame) (*model.Event, error) {
	var r okxLongShortRatio
	if err := singleEntry(frame.Data, &r); err != nil {
		return nil, malformed("long short ratio: %v", err)
	}
	if r.Ratio == "" {
		return nil, malformed("long short ratio: missing ratio")
	}
	ratio, err := parseDecimal(r.Ratio)
	if err != nil {
		return nil, err
	}
	ts, err := parseStringMillis(r.TS)
	if err != nil {
		return nil, err
	}
	e := n.header(firstNonEmpty(r.InstID, symbol), model.KindLongShortRatio, ts)
	e.LongShortRatio = &model.LongShortRatio{Ratio: ratio}
	return e, nil
}
