package model

import (
	"fmt"
	"strings"
	"time"
)

// MarketType distinguishes spot venues from derivatives venues.
type MarketType string

const (
	MarketSpot        MarketType = "spot"
	MarketDerivatives MarketType = "derivatives"
)

// ParseMarketType maps a config value onto the canonical market types.
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return MarketSpot, nil
	case "derivatives", "future", "futures", "swap", "perp":
		return MarketDerivatives, nil
	}
	return "", fmt.Errorf("unknown market type %q", s)
}

// Kind identifies one canonical market-event family. The string values are
// the subject tokens used on the bus.
type Kind string

const (
	KindTrade           Kind = "trade"
	KindOrderBook       Kind = "orderbook"
	KindKline           Kind = "kline"
	KindTicker          Kind = "ticker"
	KindFundingRate     Kind = "funding"
	KindOpenInterest    Kind = "oi"
	KindLiquidation     Kind = "liq"
	KindLongShortRatio  Kind = "lsr"
	KindVolatilityIndex Kind = "vix"
)

var allKinds = []Kind{
	KindTrade, KindOrderBook, KindKline, KindTicker, KindFundingRate,
	KindOpenInterest, KindLiquidation, KindLongShortRatio, KindVolatilityIndex,
}

// Kinds returns every canonical kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind maps a config or subject token onto a canonical kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trade", "trades":
		return KindTrade, nil
	case "orderbook", "depth":
		return KindOrderBook, nil
	case "kline", "candle", "candles":
		return KindKline, nil
	case "ticker":
		return KindTicker, nil
	case "funding", "funding_rate":
		return KindFundingRate, nil
	case "oi", "open_interest":
		return KindOpenInterest, nil
	case "liq", "liquidation":
		return KindLiquidation, nil
	case "lsr", "long_short_ratio":
		return KindLongShortRatio, nil
	case "vix", "volatility_index":
		return KindVolatilityIndex, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// Table returns the storage table name for this kind, shared between the hot
// and cold tiers.
func (k Kind) Table() string {
	switch k {
	case KindTrade:
		return "trades"
	case KindOrderBook:
		return "orderbook_events"
	case KindKline:
		return "klines"
	case KindTicker:
		return "tickers"
	case KindFundingRate:
		return "funding_rates"
	case KindOpenInterest:
		return "open_interest"
	case KindLiquidation:
		return "liquidations"
	case KindLongShortRatio:
		return "long_short_ratios"
	case KindVolatilityIndex:
		return "volatility_index"
	}
	return string(k)
}

// Side is the canonical trade direction vocabulary.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SideFromBuyerMaker converts the buyer-is-maker flag used by several
// exchanges into the taker side.
func SideFromBuyerMaker(buyerMaker bool) Side {
	if buyerMaker {
		return SideSell
	}
	return SideBuy
}

// ParseSide normalizes exchange side vocabulary.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "b", "long":
		return SideBuy, nil
	case "sell", "ask", "a", "short":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Canonical kline interval vocabulary.
var canonicalIntervals = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "2h": "2h", "4h": "4h", "6h": "6h", "12h": "12h",
	"1d": "1d", "1w": "1w",
	// exchange spellings
	"1min": "1m", "5min": "5m", "15min": "15m",
	"60m": "1h", "1hour": "1h", "4hour": "4h",
	"1day": "1d", "1week": "1w",
	"1H": "1h", "4H": "4h", "1D": "1d", "1W": "1w",
}

// CanonicalInterval maps an exchange interval spelling to the canonical one.
func CanonicalInterval(s string) (string, error) {
	if iv, ok := canonicalIntervals[s]; ok {
		return iv, nil
	}
	if iv, ok := canonicalIntervals[strings.ToLower(strings.TrimSpace(s))]; ok {
		return iv, nil
	}
	return "", fmt.Errorf("unknown kline interval %q", s)
}

// CanonicalSymbol converts exchange-specific symbol formats into the
// canonical one: uppercase, no separators, BTC instead of XBT, 1000x
// multiplier prefixes collapsed.
func CanonicalSymbol(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "binance", "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT", "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.ReplaceAll(sym, "/", "")
	}
	return sym
}

// FromUnixMilli converts an exchange millisecond timestamp to the canonical
// UTC time. Second-resolution inputs are promoted to milliseconds.
func FromUnixMilli(ms int64) time.Time {
	if ms > 0 && ms < 1e12 {
		// seconds, not milliseconds
		ms *= 1000
	}
	return time.UnixMilli(ms).UTC()
}

// EventTime converts an exchange timestamp that may be absent. Some payloads
// carry no event time at all (Binance REST depth snapshots, for one); receive
// time is the honest substitute, never the epoch.
func EventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return FromUnixMilli(ms)
}
