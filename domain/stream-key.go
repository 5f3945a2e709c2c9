package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type StreamKind string

const (
	StreamKind_OrderBook StreamKind = "orderbook"
	StreamKind_Trades    StreamKind = "trades"
	StreamKind_Fills     StreamKind = "fills"
	StreamKind_Orders    StreamKind = "orders"
	StreamKind_Candles   StreamKind = "candles"
)

var StreamKinds = []StreamKind{
	StreamKind_OrderBook,
	StreamKind_Trades,
	StreamKind_Fills,
	StreamKind_Orders,
	StreamKind_Candles,
}

// StreamKey identifies one container in a StreamRegistry. Timeframe is set for candles only.
type StreamKey struct {
	Symbol    MarketSymbol
	Kind      StreamKind
	Timeframe string
}

func OrderBookKey(symbol MarketSymbol) StreamKey {
	return StreamKey{Symbol: symbol, Kind: StreamKind_OrderBook}
}

func TradesKey(symbol MarketSymbol) StreamKey {
	return StreamKey{Symbol: symbol, Kind: StreamKind_Trades}
}

func FillsKey(symbol MarketSymbol) StreamKey {
	return StreamKey{Symbol: symbol, Kind: StreamKind_Fills}
}

func OrdersKey(symbol MarketSymbol) StreamKey {
	return StreamKey{Symbol: symbol, Kind: StreamKind_Orders}
}

func CandlesKey(symbol MarketSymbol, timeframe string) StreamKey {
	return StreamKey{Symbol: symbol, Kind: StreamKind_Candles, Timeframe: timeframe}
}

func (k StreamKey) String() string {
	if k.Timeframe != "" {
		return fmt.Sprintf("%s:%s:%s", k.Kind, k.Symbol.String(), k.Timeframe)
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.Symbol.String())
}

// ParseStreamKey reads the String form back, e.g. "orderbook:btc_usdt" or "candles:eth_usdt:1m".
func ParseStreamKey(s string) (StreamKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return StreamKey{}, errors.Errorf("invalid stream key %q", s)
	}

	symbol, err := NewMarketSymbolFromString(parts[1])
	if err != nil {
		return StreamKey{}, err
	}

	kind := StreamKind(parts[0])
	switch kind {
	case StreamKind_Candles:
		if len(parts) != 3 || parts[2] == "" {
			return StreamKey{}, errors.Errorf("stream key %q needs a timeframe", s)
		}
		return CandlesKey(symbol, parts[2]), nil
	case StreamKind_OrderBook, StreamKind_Trades, StreamKind_Fills, StreamKind_Orders:
		if len(parts) != 2 {
			return StreamKey{}, errors.Errorf("stream key %q takes no timeframe", s)
		}
		return StreamKey{Symbol: symbol, Kind: kind}, nil
	}
	return StreamKey{}, errors.Errorf("unknown stream kind %q", parts[0])
}
