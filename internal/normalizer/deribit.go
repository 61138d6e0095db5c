package normalizer

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"marketpipe/internal/model"
)

// deribitNormalizer covers the Deribit public channels we care about:
// trades, the ticker and the DVOL volatility index. Deribit is the only
// supported venue emitting a volatility index.
type deribitNormalizer struct {
	market model.MarketType
	kinds  []model.Kind
}

func newDeribit(mt model.MarketType) *deribitNormalizer {
	kinds := []model.Kind{model.KindTrade, model.KindTicker}
	if mt == model.MarketDerivatives {
		kinds = append(kinds, model.KindFundingRate, model.KindVolatilityIndex)
	}
	return &deribitNormalizer{market: mt, kinds: kinds}
}

func (n *deribitNormalizer) Exchange() string             { return "deribit" }
func (n *deribitNormalizer) MarketType() model.MarketType { return n.market }
func (n *deribitNormalizer) Kinds() []model.Kind          { return n.kinds }

// Deribit encodes prices and sizes as JSON numbers, not strings.
type deribitTrade struct {
	InstrumentName string  `json:"instrument_name"`
	TradeID        string  `json:"trade_id"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"`
	Timestamp      int64   `json:"timestamp"`
}

type deribitTicker struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestAskPrice   float64 `json:"best_ask_price"`
	CurrentFunding float64 `json:"current_funding"`
	MarkPrice      float64 `json:"mark_price"`
	OpenInterest   float64 `json:"open_interest"`
	Timestamp      int64   `json:"timestamp"`
	Stats          struct {
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Volume float64 `json:"volume"`
	} `json:"stats"`
}

type deribitVolatility struct {
	IndexName  string  `json:"index_name"`
	Volatility float64 `json:"volatility"`
	Timestamp  int64   `json:"timestamp"`
}

func (n *deribitNormalizer) header(instrument string, kind model.Kind, ms int64) *model.Event {
	return &model.Event{
		Exchange:   n.Exchange(),
		MarketType: n.market,
		Symbol:     model.CanonicalSymbol("deribit", instrument),
		Kind:       kind,
		Timestamp:  model.EventTime(ms),
	}
}

func (n *deribitNormalizer) Normalize(kind model.Kind, symbol string, raw []byte) (*model.Event, error) {
	if !supportsKind(n.kinds, kind) {
		return nil, unsupported(n.Exchange(), kind)
	}
	switch kind {
	case model.KindTrade:
		return n.trade(symbol, raw)
	case model.KindTicker:
		return n.ticker(symbol, raw)
	case model.KindFundingRate:
		return n.fundingRate(symbol, raw)
	case model.KindVolatilityIndex:
		return n.volatilityIndex(symbol, raw)
	}
	return nil, unsupported(n.Exchange(), kind)
}

func (n *deribitNormalizer) trade(symbol string, raw []byte) (*model.Event, error) {
	var t deribitTrade
	if err := singleEntry(raw, &t); err != nil {
		return nil, malformed("trade: %v", err)
	}
	if t.TradeID == "" {
		return nil, malformed("trade: missing trade id")
	}
	side, err := model.ParseSide(t.Direction)
	if err != nil {
		return nil, malformed("trade: %v", err)
	}
	e := n.header(firstNonEmpty(t.InstrumentName, symbol), model.KindTrade, t.Timestamp)
	e.Trade = &model.Trade{
		TradeID:  t.TradeID,
		Price:    decimal.NewFromFloat(t.Price),
		Quantity: decimal.NewFromFloat(t.Amount),
		Side:     side,
	}
	return e, nil
}

func (n *deribitNormalizer) ticker(symbol string, raw []byte) (*model.Event, error) {
	var t deribitTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, malformed("ticker: %v", err)
	}
	if t.Timestamp == 0 {
		return nil, malformed("ticker: missing timestamp")
	}
	e := n.header(firstNonEmpty(t.InstrumentName, symbol), model.KindTicker, t.Timestamp)
	e.Ticker = &model.Ticker{
		LastPrice: decimal.NewFromFloat(t.LastPrice),
		BidPrice:  decimal.NewFromFloat(t.BestBidPrice),
		AskPrice:  decimal.NewFromFloat(t.BestAskPrice),
		High24h:   decimal.NewFromFloat(t.Stats.High),
		Low24h:    decimal.NewFromFloat(t.Stats.Low),
		Volume24h: decimal.NewFromFloat(t.Stats.Volume),
	}
	return e, nil
}

// fundingRate rides the ticker channel; deribit perpetuals fund continuously,
// so the sample timestamp doubles as the funding time.
func (n *deribitNormalizer) fundingRate(symbol string, raw []byte) (*model.Event, error) {
	var t deribitTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, malformed("funding: %v", err)
	}
	if t.Timestamp == 0 {
		return nil, malformed("funding: missing timestamp")
	}
	e := n.header(firstNonEmpty(t.InstrumentName, symbol), model.KindFundingRate, t.Timestamp)
	e.FundingRate = &model.FundingRate{
		Rate:        decimal.NewFromFloat(t.CurrentFunding),
		FundingTime: e.Timestamp,
		MarkPrice:   decimal.NewFromFloat(t.MarkPrice),
	}
	return e, nil
}

func (n *deribitNormalizer) volatilityIndex(symbol string, raw []byte) (*model.Event, error) {
	var v deribitVolatility
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, malformed("volatility index: %v", err)
	}
	if v.Timestamp == 0 {
		return nil, malformed("volatility index: missing timestamp")
	}
	e := n.header(firstNonEmpty(v.IndexName, symbol), model.KindVolatilityIndex, v.Timestamp)
	e.VolatilityIndex = &model.VolatilityIndex{Value: decimal.NewFromFloat(v.Volatility)}
	return e, nil
}
