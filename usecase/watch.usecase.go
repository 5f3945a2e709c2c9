package usecase

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/cache"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

// WatchUseCase is the consumer side of a session: every call returns after the next change
// of the watched stream, the way exchange websocket watchers do.
type WatchUseCase struct {
	session    *StreamSession
	registry   *domain.StreamRegistry
	maintainer *domain.OrderbookMaintainer
	notifier   *domain.Notifier
	log        *logrus.Entry
}

func NewWatchUseCase(
	session *StreamSession,
	registry *domain.StreamRegistry,
	maintainer *domain.OrderbookMaintainer,
	notifier *domain.Notifier,
) *WatchUseCase {
	return &WatchUseCase{
		session:    session,
		registry:   registry,
		maintainer: maintainer,
		notifier:   notifier,
		log:        logrus.WithField("module", "watch-usecase"),
	}
}

// WatchOrderBook returns the first steady view of a book, and on later calls the view after its next change.
func (w *WatchUseCase) WatchOrderBook(ctx context.Context, symbol domain.MarketSymbol, depth int) (*domain.OrderBookSnapshot, error) {
	key := domain.OrderBookKey(symbol)
	if err := w.session.Subscribe(ctx, key); err != nil {
		return nil, err
	}

	if book, ok := w.registry.OrderBook(symbol); ok && book.Status() == domain.SyncStatus_Steady {
		if err := w.notifier.Wait(ctx, key); err != nil {
			return nil, err
		}
	}
	return w.maintainer.CurrentView(ctx, symbol, depth)
}

// StreamOrderBook pushes a new view after every change of the book until unsubscribed.
// Sync failures are logged and the stream carries on with the next successful view.
func (w *WatchUseCase) StreamOrderBook(ctx context.Context, symbol domain.MarketSymbol, depth int) (*domain.Subscription[*domain.OrderBookSnapshot], error) {
	key := domain.OrderBookKey(symbol)
	if err := w.session.Subscribe(ctx, key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *domain.OrderBookSnapshot, 1)

	go func() {
		defer close(ch)
		view, err := w.WatchOrderBook(ctx, symbol, depth)
		for {
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, domain.ErrStreamClosed) {
					return
				}
				w.log.WithError(err).WithField("symbol", symbol.String()).Warn("order book stream interrupted")
				// the failure was already delivered, so the next change is read directly
				if err = w.notifier.Wait(ctx, key); err == nil {
					view, err = w.maintainer.CurrentView(ctx, symbol, depth)
				}
				continue
			}

			select {
			case ch <- view:
			case <-ctx.Done():
				return
			}
			view, err = w.WatchOrderBook(ctx, symbol, depth)
		}
	}()

	return &domain.Subscription[*domain.OrderBookSnapshot]{
		Stream:      ch,
		Unsubscribe: cancel,
		Topic:       key.String(),
	}, nil
}

func (w *WatchUseCase) WatchTrades(ctx context.Context, symbol domain.MarketSymbol, since int64, limit int) ([]domain.Trade, error) {
	key := domain.TradesKey(symbol)
	if err := w.waitFor(ctx, key); err != nil {
		return nil, err
	}

	trades, ok := w.registry.Trades(symbol)
	if !ok {
		return nil, errors.Wrapf(domain.ErrStreamClosed, "%s", key)
	}
	return cache.FilterBySinceLimit(trades.Items(0), since, limit, func(t domain.Trade) int64 { return t.Timestamp }), nil
}

// RecentTrades returns what the trades cache holds right now and makes sure the stream is open,
// so a first call may come back empty.
func (w *WatchUseCase) RecentTrades(ctx context.Context, symbol domain.MarketSymbol, since int64, limit int) ([]domain.Trade, error) {
	if err := w.session.Subscribe(ctx, domain.TradesKey(symbol)); err != nil {
		return nil, err
	}

	trades, ok := w.registry.Trades(symbol)
	if !ok {
		return []domain.Trade{}, nil
	}
	return cache.FilterBySinceLimit(trades.Items(0), since, limit, func(t domain.Trade) int64 { return t.Timestamp }), nil
}

func (w *WatchUseCase) WatchFills(ctx context.Context, symbol domain.MarketSymbol, since int64, limit int) ([]domain.Fill, error) {
	key := domain.FillsKey(symbol)
	if err := w.waitFor(ctx, key); err != nil {
		return nil, err
	}

	fills, ok := w.registry.Fills(symbol)
	if !ok {
		return nil, errors.Wrapf(domain.ErrStreamClosed, "%s", key)
	}
	return cache.FilterBySinceLimit(fills.Items(0), since, limit, func(f domain.Fill) int64 { return f.Timestamp }), nil
}

func (w *WatchUseCase) WatchOrders(ctx context.Context, symbol domain.MarketSymbol, since int64, limit int) ([]domain.Order, error) {
	key := domain.OrdersKey(symbol)
	if err := w.waitFor(ctx, key); err != nil {
		return nil, err
	}

	orders, ok := w.registry.Orders(symbol)
	if !ok {
		return nil, errors.Wrapf(domain.ErrStreamClosed, "%s", key)
	}
	return cache.FilterBySinceLimit(orders.Items(0), since, limit, func(o domain.Order) int64 { return o.Timestamp }), nil
}

func (w *WatchUseCase) WatchCandles(ctx context.Context, symbol domain.MarketSymbol, timeframe string, since int64, limit int) ([]domain.Candle, error) {
	key := domain.CandlesKey(symbol, timeframe)
	if err := w.waitFor(ctx, key); err != nil {
		return nil, err
	}

	candles, ok := w.registry.Candles(symbol, timeframe)
	if !ok {
		return nil, errors.Wrapf(domain.ErrStreamClosed, "%s", key)
	}
	return cache.FilterBySinceLimit(candles.Items(0), since, limit, func(c domain.Candle) int64 { return c.Timestamp }), nil
}

func (w *WatchUseCase) waitFor(ctx context.Context, key domain.StreamKey) error {
	if err := w.session.Subscribe(ctx, key); err != nil {
		return err
	}
	return w.notifier.Wait(ctx, key)
}
