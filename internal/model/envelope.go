package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever the envelope layout changes.
const SchemaVersion = 1

// Envelope is the versioned wire format published on the bus. The natural
// key is precomputed so consumers can deduplicate without re-parsing the
// payload.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Exchange      string          `json:"exchange"`
	MarketType    MarketType      `json:"market_type"`
	Symbol        string          `json:"symbol"`
	Kind          Kind            `json:"kind"`
	Interval      string          `json:"interval,omitempty"`
	TimestampMS   int64           `json:"timestamp"`
	NaturalKey    string          `json:"natural_key"`
	Payload       json.RawMessage `json:"payload"`
}

// Timestamp returns the event time at millisecond resolution.
func (env *Envelope) Timestamp() time.Time {
	return time.UnixMilli(env.TimestampMS).UTC()
}

// NewEnvelope wraps a canonical event for publication.
func NewEnvelope(e *Event) (*Envelope, error) {
	var payload interface{}
	switch e.Kind {
	case KindTrade:
		payload = e.Trade
	case KindOrderBook:
		payload = e.OrderBook
	case KindKline:
		payload = e.Kline
	case KindTicker:
		payload = e.Ticker
	case KindFundingRate:
		payload = e.FundingRate
	case KindOpenInterest:
		payload = e.OpenInterest
	case KindLiquidation:
		payload = e.Liquidation
	case KindLongShortRatio:
		payload = e.LongShortRatio
	case KindVolatilityIndex:
		payload = e.VolatilityIndex
	default:
		return nil, fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		Exchange:      e.Exchange,
		MarketType:    e.MarketType,
		Symbol:        e.Symbol,
		Kind:          e.Kind,
		Interval:      e.Interval(),
		TimestampMS:   e.Timestamp.UnixMilli(),
		NaturalKey:    e.NaturalKey(),
		Payload:       raw,
	}, nil
}

// Marshal renders the envelope for the bus.
func (env *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses bus bytes back into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("envelope: unsupported schema version %d", env.SchemaVersion)
	}
	if env.NaturalKey == "" {
		return nil, fmt.Errorf("envelope: missing natural key")
	}
	return &env, nil
}

// Event decodes the typed payload back into a canonical event.
func (env *Envelope) Event() (*Event, error) {
	e := &Event{
		Exchange:   env.Exchange,
		MarketType: env.MarketType,
		Symbol:     env.Symbol,
		Kind:       env.Kind,
		Timestamp:  env.Timestamp(),
	}
	var err error
	switch env.Kind {
	case KindTrade:
		e.Trade = &Trade{}
		err = json.Unmarshal(env.Payload, e.Trade)
	case KindOrderBook:
		e.OrderBook = &OrderBookEvent{}
		err = json.Unmarshal(env.Payload, e.OrderBook)
	case KindKline:
		e.Kline = &Kline{}
		err = json.Unmarshal(env.Payload, e.Kline)
	case KindTicker:
		e.Ticker = &Ticker{}
		err = json.Unmarshal(env.Payload, e.Ticker)
	case KindFundingRate:
		e.FundingRate = &FundingRate{}
		err = json.Unmarshal(env.Payload, e.FundingRate)
	case KindOpenInterest:
		e.OpenInterest = &OpenInterest{}
		err = json.Unmarshal(env.Payload, e.OpenInterest)
	case KindLiquidation:
		e.Liquidation = &Liquidation{}
		err = json.Unmarshal(env.Payload, e.Liquidation)
	case KindLongShortRatio:
		e.LongShortRatio = &LongShortRatio{}
		err = json.Unmarshal(env.Payload, e.LongShortRatio)
	case KindVolatilityIndex:
		e.VolatilityIndex = &VolatilityIndex{}
		err = json.Unmarshal(env.Payload, e.VolatilityIndex)
	default:
		return nil, fmt.Errorf("envelope: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("envelope: decode %s payload: %w", env.Kind, err)
	}
	return e, nil
}
