package domain

import "context"

// ProviderSyncAPI fetches a full book on demand.
// Implementations return a *FetchError so callers can tell transient failures from permanent ones.
type ProviderSyncAPI interface {
	OrderBookSnapshot(ctx context.Context, symbol MarketSymbol, limit int) (*OrderBookSnapshot, error)
}
