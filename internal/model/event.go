package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one executed trade. Natural key: (exchange, symbol, trade_id).
type Trade struct {
	TradeID  string          `json:"trade_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
}

// PriceLevel is one (price, quantity) pair of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookEvent is a depth snapshot or delta. Natural key:
// (exchange, symbol, timestamp, last_update_id). LastUpdateID must be
// non-decreasing per (exchange, symbol); regressions are flagged downstream,
// never dropped.
type OrderBookEvent struct {
	LastUpdateID  int64        `json:"last_update_id"`
	FirstUpdateID int64        `json:"first_update_id,omitempty"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	IsSnapshot    bool         `json:"is_snapshot"`
}

// Kline is one OHLCV candle. Natural key: (exchange, symbol, interval, open_time).
type Kline struct {
	Interval string          `json:"interval"`
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// Ticker is a rolling 24h statistics record. Natural key: (exchange, symbol, timestamp).
type Ticker struct {
	LastPrice decimal.Decimal `json:"last_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

// FundingRate is one funding settlement record. Natural key:
// (exchange, symbol, funding_time).
type FundingRate struct {
	Rate        decimal.Decimal `json:"rate"`
	FundingTime time.Time       `json:"funding_time"`
	MarkPrice   decimal.Decimal `json:"mark_price,omitempty"`
}

// OpenInterest is one open-interest sample. Natural key: (exchange, symbol, timestamp).
type OpenInterest struct {
	OpenInterest      decimal.Decimal `json:"open_interest"`
	OpenInterestValue decimal.Decimal `json:"open_interest_value,omitempty"`
}

// Liquidation is one forced liquidation order. Natural key:
// (exchange, symbol, timestamp).
type Liquidation struct {
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LongShortRatio is one long/short account or position ratio sample.
// Natural key: (exchange, symbol, timestamp).
type LongShortRatio struct {
	LongRatio  decimal.Decimal `json:"long_ratio"`
	ShortRatio decimal.Decimal `json:"short_ratio"`
	Ratio      decimal.Decimal `json:"ratio"`
}

// VolatilityIndex is one implied-volatility index sample. Natural key:
// (exchange, symbol, timestamp).
type VolatilityIndex struct {
	Value decimal.Decimal `json:"value"`
}

// Event is the canonical, exchange-agnostic representation of one
// market-data message. Exactly one payload pointer is set, matching Kind.
// Events are immutable once constructed.
type Event struct {
	Exchange   string
	MarketType MarketType
	Symbol     string
	Kind       Kind
	Timestamp  time.Time

	Trade           *Trade
	OrderBook       *OrderBookEvent
	Kline           *Kline
	Ticker          *Ticker
	FundingRate     *FundingRate
	OpenInterest    *OpenInterest
	Liquidation     *Liquidation
	LongShortRatio  *LongShortRatio
	VolatilityIndex *VolatilityIndex
}

// Interval returns the kline interval, or "" for every other kind.
func (e *Event) Interval() string {
	if e.Kind == KindKline && e.Kline != nil {
		return e.Kline.Interval
	}
	return ""
}

// NaturalKey builds the minimal string uniquely identifying this logical
// event, used for deduplication across both storage tiers.
func (e *Event) NaturalKey() string {
	switch e.Kind {
	case KindTrade:
		return fmt.Sprintf("%s|%s|%s", e.Exchange, e.Symbol, e.Trade.TradeID)
	case KindOrderBook:
		return fmt.Sprintf("%s|%s|%d|%d", e.Exchange, e.Symbol, e.Timestamp.UnixMilli(), e.OrderBook.LastUpdateID)
	case KindKline:
		return fmt.Sprintf("%s|%s|%s|%d", e.Exchange, e.Symbol, e.Kline.Interval, e.Kline.OpenTime.UnixMilli())
	case KindFundingRate:
		return fmt.Sprintf("%s|%s|%d", e.Exchange, e.Symbol, e.FundingRate.FundingTime.UnixMilli())
	default:
		return fmt.Sprintf("%s|%s|%d", e.Exchange, e.Symbol, e.Timestamp.UnixMilli())
	}
}

// Plausibility bounds for event timestamps. No venue in the feed set traded
// before 2010, and anything past a modest clock skew is a unit bug.
var minEventTime = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

const maxClockSkew = time.Hour

// Validate checks the canonical schema's type and range constraints.
func (e *Event) Validate() error {
	if e.Exchange == "" || e.Symbol == "" {
		return fmt.Errorf("event missing exchange or symbol")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	// Guards against unit mixups and absent fields decoding to the epoch.
	if e.Timestamp.Before(minEventTime) || e.Timestamp.After(time.Now().Add(maxClockSkew)) {
		return fmt.Errorf("implausible event timestamp %s", e.Timestamp.Format(time.RFC3339))
	}
	switch e.Kind {
	case KindTrade:
		if e.Trade == nil {
			return fmt.Errorf("trade event missing payload")
		}
		if e.Trade.Price.IsNegative() || e.Trade.Quantity.IsNegative() {
			return fmt.Errorf("trade %s: negative price or quantity", e.Trade.TradeID)
		}
	case KindOrderBook:
		if e.OrderBook == nil {
			return fmt.Errorf("orderbook event missing payload")
		}
		for _, lvl := range e.OrderBook.Bids {
			if lvl.Price.IsNegative() || lvl.Quantity.IsNegative() {
				return fmt.Errorf("orderbook bid with negative price or quantity")
			}
		}
		for _, lvl := range e.OrderBook.Asks {
			if lvl.Price.IsNegative() || lvl.Quantity.IsNegative() {
				return fmt.Errorf("orderbook ask with negative price or quantity")
			}
		}
	case KindKline:
		if e.Kline == nil {
			return fmt.Errorf("kline event missing payload")
		}
		if e.Kline.Interval == "" || e.Kline.OpenTime.IsZero() {
			return fmt.Errorf("kline missing interval or open_time")
		}
	}
	return nil
}
