package feed

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

// SyncAPI fetches full order book snapshots over the relay connection.
type SyncAPI struct {
	client *StreamClient
}

func NewSyncAPI(client *StreamClient) *SyncAPI {
	return &SyncAPI{client: client}
}

func (api *SyncAPI) OrderBookSnapshot(ctx context.Context, symbol domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	params := map[string]any{"symbol": symbol.String()}
	if limit > 0 {
		params["limit"] = limit
	}

	result, err := api.client.Request(ctx, "snapshot", params)
	if err != nil {
		var relayErr *RelayError
		if errors.As(err, &relayErr) && relayErr.Code == ErrCode_InvalidSymbol {
			return nil, domain.NewPermanentFetchError(symbol, err)
		}
		return nil, domain.NewTransientFetchError(symbol, err)
	}

	var payload snapshotPayload
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, domain.NewTransientFetchError(symbol, errors.Wrap(err, "malformed snapshot response"))
	}

	return payload.toSnapshot(symbol, domain.OrderBookSource_Provider), nil
}
