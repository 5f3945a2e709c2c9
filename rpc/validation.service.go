package rpc

import (
	"github.com/pkg/errors"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

var (
	ErrUnsupportedMarket = errors.New("market is not supported")
	ErrInvalidDepth      = errors.New("invalid depth")
)

type ValidationServiceConfig struct {
	AvailableMarkets []string
	MaxDepth         int
}

type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	return &ValidationService{
		config: config,
	}
}

// IsSupportedMarket reports whether market is served. An empty market list serves every market.
func (s *ValidationService) IsSupportedMarket(market string) bool {
	if len(s.config.AvailableMarkets) == 0 {
		return true
	}
	for _, m := range s.config.AvailableMarkets {
		if m == market {
			return true
		}
	}
	return false
}

func (s *ValidationService) ParseMarket(market string) (domain.MarketSymbol, error) {
	symbol, err := domain.NewMarketSymbolFromString(market)
	if err != nil {
		return domain.MarketSymbol{}, errors.Wrapf(ErrUnsupportedMarket, "invalid market symbol %s, use _ as a separator", market)
	}
	if !s.IsSupportedMarket(symbol.String()) {
		return domain.MarketSymbol{}, errors.Wrapf(ErrUnsupportedMarket, "%s", symbol)
	}
	return symbol, nil
}

// ValidateDepth accepts 0 (full book) up to the configured maximum.
func (s *ValidationService) ValidateDepth(depth int) error {
	if depth < 0 {
		return errors.Wrapf(ErrInvalidDepth, "%d is negative", depth)
	}
	if s.config.MaxDepth > 0 && depth > s.config.MaxDepth {
		return errors.Wrapf(ErrInvalidDepth, "%d exceeds %d", depth, s.config.MaxDepth)
	}
	return nil
}
