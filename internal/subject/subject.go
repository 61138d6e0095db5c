// Package subject implements the bus routing grammar:
//
//	market.<exchange>.<symbol>.<kind>[.<interval>]
//
// All tokens are lower-case and single-dot separated. Wildcard patterns use
// "*" for exactly one token and ">" for the remaining tail, matching the
// semantics of the underlying stream transport.
package subject

import (
	"fmt"
	"strings"

	"marketpipe/internal/model"
)

// Root is the first token of every market-data subject.
const Root = "market"

// DeadLetterRoot prefixes parked messages that exhausted their retry budget.
const DeadLetterRoot = "dlq"

// sanitize lower-cases a token and strips the separator characters so a
// symbol can never split a subject into extra tokens.
func sanitize(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	token = strings.ReplaceAll(token, ".", "")
	token = strings.ReplaceAll(token, " ", "")
	return token
}

// Build constructs the subject for one canonical event stream. The interval
// suffix is present only for klines.
func Build(exchange, symbol string, kind model.Kind, interval string) string {
	s := fmt.Sprintf("%s.%s.%s.%s", Root, sanitize(exchange), sanitize(symbol), sanitize(string(kind)))
	if kind == model.KindKline && interval != "" {
		s += "." + sanitize(interval)
	}
	return s
}

// ForEvent builds the subject for a canonical event.
func ForEvent(e *model.Event) string {
	return Build(e.Exchange, e.Symbol, e.Kind, e.Interval())
}

// ForKind returns the wildcard pattern matching every subject of one kind,
// e.g. "market.*.*.trade". Kline subjects carry an interval token, so the
// kline pattern ends with ">".
func ForKind(kind model.Kind) string {
	if kind == model.KindKline {
		return fmt.Sprintf("%s.*.*.%s.>", Root, kind)
	}
	return fmt.Sprintf("%s.*.*.%s", Root, kind)
}

// ForExchange returns the wildcard pattern matching everything one exchange
// publishes.
func ForExchange(exchange string) string {
	return fmt.Sprintf("%s.%s.>", Root, sanitize(exchange))
}

// DeadLetter maps a subject to its dead-letter counterpart.
func DeadLetter(subj string) string {
	return DeadLetterRoot + "." + subj
}

// Parsed holds the tokens of a concrete (non-wildcard) subject.
type Parsed struct {
	Exchange string
	Symbol   string
	Kind     model.Kind
	Interval string
}

// Parse splits a concrete subject back into its tokens.
func Parse(subj string) (*Parsed, error) {
	tokens := strings.Split(subj, ".")
	if len(tokens) < 4 || len(tokens) > 5 || tokens[0] != Root {
		return nil, fmt.Errorf("malformed subject %q", subj)
	}
	kind, err := model.ParseKind(tokens[3])
	if err != nil {
		return nil, fmt.Errorf("malformed subject %q: %w", subj, err)
	}
	p := &Parsed{
		Exchange: tokens[1],
		Symbol:   tokens[2],
		Kind:     kind,
	}
	if len(tokens) == 5 {
		if kind != model.KindKline {
			return nil, fmt.Errorf("malformed subject %q: interval token on non-kline", subj)
		}
		p.Interval = tokens[4]
	}
	return p, nil
}

// Match reports whether a concrete subject matches a pattern containing "*"
// and ">" wildcards. The behaviour mirrors the transport's server-side
// matching so in-process fan-out agrees with broker fan-out.
func Match(pattern, subj string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subj, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
