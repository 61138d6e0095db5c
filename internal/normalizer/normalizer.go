// Package normalizer converts exchange-native wire payloads into canonical
// events. Normalizers are pure functions of their inputs: no I/O, no shared
// state, safe for concurrent use and retries.
package normalizer

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"marketpipe/internal/model"
)

var (
	// ErrMalformedPayload marks an unparseable payload or one missing a
	// required field. Non-retryable; the caller drops the single message.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupportedKind marks a kind the exchange does not emit.
	ErrUnsupportedKind = errors.New("unsupported kind")
	// ErrUnknownExchange is returned by the registry for exchanges with no
	// registered normalizer.
	ErrUnknownExchange = errors.New("unknown exchange")
)

// Normalizer converts one raw exchange payload of the given kind into a
// canonical event. The symbol argument is the exchange-native symbol tag
// attached by the data source.
type Normalizer interface {
	Exchange() string
	MarketType() model.MarketType

	// Kinds lists the message kinds this exchange emits.
	Kinds() []model.Kind

	Normalize(kind model.Kind, symbol string, raw []byte) (*model.Event, error)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func unsupported(exchange string, kind model.Kind) error {
	return fmt.Errorf("%w: %s does not emit %s", ErrUnsupportedKind, exchange, kind)
}

// parseDecimal converts an exchange string encoding into a decimal without
// precision loss.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, malformed("bad decimal %q", s)
	}
	return d, nil
}

// parseLevels converts [[price, qty], ...] string pairs into price levels.
func parseLevels(raw [][]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, malformed("price level with %d fields", len(pair))
		}
		price, err := parseDecimal(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func supportsKind(kinds []model.Kind, kind model.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
