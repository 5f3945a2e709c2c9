package domain

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/cache"
)

var logger = logrus.WithField("module", "stream-registry")

type (
	TradesCache  = cache.BoundedSequence[Trade]
	FillsCache   = cache.BoundedSequence[Fill]
	OrdersCache  = cache.KeyedBoundedSequence[string, Order]
	CandlesCache = cache.KeyedBoundedSequence[int64, Candle]
)

// StreamRegistry owns at most one container per StreamKey. One registry is owned by one connection.
type StreamRegistry struct {
	streams map[StreamKey]any
	mu      sync.Mutex
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[StreamKey]any),
	}
}

// getOrCreate builds the container for key exactly once. created reports whether this call built it.
func getOrCreate[C any](r *StreamRegistry, key StreamKey, build func() (C, error)) (container C, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.streams[key]; ok {
		typed, ok := existing.(C)
		if !ok {
			return container, false, errors.Wrapf(ErrUnexpectedStreamHolder, "%s", key)
		}
		return typed, false, nil
	}

	container, err = build()
	if err != nil {
		return container, false, errors.Wrapf(err, "create %s", key)
	}

	r.streams[key] = container
	logger.WithField("stream", key.String()).Debug("stream container created")
	return container, true, nil
}

func lookup[C any](r *StreamRegistry, key StreamKey) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	container, ok := r.streams[key].(C)
	return container, ok
}

func (r *StreamRegistry) GetOrCreateOrderBook(symbol MarketSymbol, pendingLimit int) (*OrderBook, bool, error) {
	return getOrCreate(r, OrderBookKey(symbol), func() (*OrderBook, error) {
		return NewOrderBook(symbol, pendingLimit)
	})
}

func (r *StreamRegistry) GetOrCreateTrades(symbol MarketSymbol, limit int) (*TradesCache, bool, error) {
	return getOrCreate(r, TradesKey(symbol), func() (*TradesCache, error) {
		return cache.NewBoundedSequence[Trade](limit)
	})
}

func (r *StreamRegistry) GetOrCreateFills(symbol MarketSymbol, limit int) (*FillsCache, bool, error) {
	return getOrCreate(r, FillsKey(symbol), func() (*FillsCache, error) {
		return cache.NewBoundedSequence[Fill](limit)
	})
}

func (r *StreamRegistry) GetOrCreateOrders(symbol MarketSymbol, limit int) (*OrdersCache, bool, error) {
	return getOrCreate(r, OrdersKey(symbol), func() (*OrdersCache, error) {
		return cache.NewKeyedBoundedSequence[string, Order](limit)
	})
}

func (r *StreamRegistry) GetOrCreateCandles(symbol MarketSymbol, timeframe string, limit int) (*CandlesCache, bool, error) {
	return getOrCreate(r, CandlesKey(symbol, timeframe), func() (*CandlesCache, error) {
		return cache.NewKeyedBoundedSequence[int64, Candle](limit)
	})
}

func (r *StreamRegistry) OrderBook(symbol MarketSymbol) (*OrderBook, bool) {
	return lookup[*OrderBook](r, OrderBookKey(symbol))
}

func (r *StreamRegistry) Trades(symbol MarketSymbol) (*TradesCache, bool) {
	return lookup[*TradesCache](r, TradesKey(symbol))
}

func (r *StreamRegistry) Fills(symbol MarketSymbol) (*FillsCache, bool) {
	return lookup[*FillsCache](r, FillsKey(symbol))
}

func (r *StreamRegistry) Orders(symbol MarketSymbol) (*OrdersCache, bool) {
	return lookup[*OrdersCache](r, OrdersKey(symbol))
}

func (r *StreamRegistry) Candles(symbol MarketSymbol, timeframe string) (*CandlesCache, bool) {
	return lookup[*CandlesCache](r, CandlesKey(symbol, timeframe))
}

// Remove drops the container for key. A removed order book is closed first,
// which cancels its snapshot fetch and releases readers with ErrStreamClosed.
func (r *StreamRegistry) Remove(key StreamKey) bool {
	r.mu.Lock()
	container, ok := r.streams[key]
	delete(r.streams, key)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if book, isBook := container.(*OrderBook); isBook {
		book.Close()
	}
	logger.WithField("stream", key.String()).Debug("stream container removed")
	return true
}

// Keys lists the registered keys of kind, every key when kind is empty.
func (r *StreamRegistry) Keys(kind StreamKind) []StreamKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]StreamKey, 0, len(r.streams))
	for key := range r.streams {
		if kind == "" || key.Kind == kind {
			keys = append(keys, key)
		}
	}
	return keys
}

func (r *StreamRegistry) Count(kind StreamKind) int {
	return len(r.Keys(kind))
}
