package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MarketSymbol is comparable so it can be used directly as part of a map key.
type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

func NewMarketSymbol(base string, quote string) (MarketSymbol, error) {
	base = strings.ToLower(base)
	quote = strings.ToLower(quote)
	if base == "" || quote == "" {
		return MarketSymbol{}, errors.New("base and quote must not be empty")
	}
	if base == quote {
		return MarketSymbol{}, errors.New("base and quote must be different")
	}
	return MarketSymbol{
		BaseAsset:  base,
		QuoteAsset: quote,
	}, nil
}

func NewMarketSymbolFromString(s string) (MarketSymbol, error) {
	split := strings.Split(s, "_")

	if len(split) != 2 {
		return MarketSymbol{}, errors.Errorf("invalid symbol string %q", s)
	}

	return NewMarketSymbol(split[0], split[1])
}

func (ms MarketSymbol) Join(separator string) string {
	return fmt.Sprintf("%s%s%s", ms.BaseAsset, separator, ms.QuoteAsset)
}

func (ms MarketSymbol) String() string {
	return ms.Join("_")
}

func (ms MarketSymbol) IsZero() bool {
	return ms.BaseAsset == "" && ms.QuoteAsset == ""
}

func (ms MarketSymbol) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}

func (ms *MarketSymbol) UnmarshalText(text []byte) error {
	parsed, err := NewMarketSymbolFromString(string(text))
	if err != nil {
		return err
	}
	*ms = parsed
	return nil
}
