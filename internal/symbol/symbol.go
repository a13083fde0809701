// Package symbol handles perpetual ticker derivation, parsing, and
// validation. Every tradable market is identified by a ticker of the
// form {BASE}-PERP, where BASE is derived from the underlying
// organization's display name.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Suffix marks a perpetual contract ticker.
	Suffix = "-PERP"

	// maxBaseLen caps the derived base symbol length.
	maxBaseLen = 6
)

// tickerRegex matches: {BASE}-PERP, BASE = 2..12 uppercase alphanumerics.
// Example: ACME-PERP
var tickerRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})-PERP$`)

var (
	ErrInvalidTicker = errors.New("symbol: invalid ticker format")
)

// Ticker is a parsed perpetual ticker.
type Ticker struct {
	Symbol string `json:"symbol"` // full ticker, e.g. ACME-PERP
	Base   string `json:"base"`   // base symbol, e.g. ACME
}

// Parse validates a ticker string and splits it into its parts.
func Parse(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-PERP)", ErrInvalidTicker, ticker)
	}
	return &Ticker{Symbol: ticker, Base: matches[1]}, nil
}

// Derive builds a ticker from an organization display name: the first
// alphanumeric run of the name, uppercased and capped at six
// characters, plus the -PERP suffix. Names with no usable characters
// fall back to ORG.
func Derive(name string) string {
	base := baseFromName(name)
	if len(base) < 2 {
		base = "ORG"
	}
	return base + Suffix
}

func baseFromName(name string) string {
	var b strings.Builder
	started := false
	for _, r := range strings.ToUpper(name) {
		isAlnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if started {
				break // first run only
			}
			continue
		}
		started = true
		b.WriteRune(r)
		if b.Len() == maxBaseLen {
			break
		}
	}
	return b.String()
}
