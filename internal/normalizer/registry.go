package normalizer

import (
	"fmt"
	"strings"

	"marketpipe/config"
	"marketpipe/internal/model"
)

type registryKey struct {
	exchange   string
	marketType model.MarketType
}

// Registry maps (exchange, market type) to the normalizer implementing that
// exchange's wire format. It is built once at process start and read-only
// afterwards, so lookups need no locking.
type Registry struct {
	normalizers map[registryKey]Normalizer
}

// NewRegistry builds the registry for the exchanges enabled in
// configuration. Unknown exchange names fail construction rather than
// surfacing later on the hot path.
func NewRegistry(exchanges []config.ExchangeConfig) (*Registry, error) {
	r := &Registry{normalizers: make(map[registryKey]Normalizer)}
	for _, ex := range exchanges {
		mt, err := model.ParseMarketType(ex.MarketType)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		n, err := build(ex.Name, mt)
		if err != nil {
			return nil, err
		}
		r.normalizers[registryKey{exchange: strings.ToLower(ex.Name), marketType: mt}] = n
	}
	return r, nil
}

func build(exchange string, mt model.MarketType) (Normalizer, error) {
	switch strings.ToLower(exchange) {
	case "binance":
		return newBinance(mt), nil
	case "bybit":
		return newBybit(mt), nil
	case "kucoin":
		return newKucoin(mt), nil
	case "okx":
		return newOKX(mt), nil
	case "deribit":
		return newDeribit(mt), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
}

// Get returns the normalizer for an exchange and market type.
func (r *Registry) Get(exchange string, mt model.MarketType) (Normalizer, error) {
	n, ok := r.normalizers[registryKey{exchange: strings.ToLower(exchange), marketType: mt}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownExchange, exchange, mt)
	}
	return n, nil
}

// Exchanges lists the registered (exchange, market type) pairs.
func (r *Registry) Exchanges() []Normalizer {
	out := make([]Normalizer, 0, len(r.normalizers))
	for _, n := range r.normalizers {
		out = append(out, n)
	}
	return out
}
