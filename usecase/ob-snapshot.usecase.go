package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

const STARTING = "starting"

const subscribeTimeout = 10 * time.Second

var logger = logrus.WithField("module", "orderbook-snapshot-usecase")

// StreamOpener is the part of a StreamSession the snapshot use case needs.
type StreamOpener interface {
	Subscribe(ctx context.Context, key domain.StreamKey) error
}

type OrderBookSnapshotUseCase struct {
	session  StreamOpener
	registry *domain.StreamRegistry
	syncAPI  domain.ProviderSyncAPI

	waitingRoom sync.Map
	wg          sync.WaitGroup
}

func NewOrderBookSnapshotUseCase(
	session StreamOpener,
	registry *domain.StreamRegistry,
	syncAPI domain.ProviderSyncAPI,
) *OrderBookSnapshotUseCase {
	return &OrderBookSnapshotUseCase{
		session:  session,
		registry: registry,
		syncAPI:  syncAPI,

		waitingRoom: sync.Map{},
	}
}

// GetOrderBookSnapshot returns a copy of the local book when it is steady, otherwise the provider snapshot.
// A missing local book is opened in the background so later calls are served locally.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(
	ctx context.Context, symbol domain.MarketSymbol, limit int,
) (*domain.OrderBookSnapshot, error) {
	orderbook, ok := o.registry.OrderBook(symbol)
	if ok {
		if snapshot, steady := orderbook.TakeSnapshot(limit); steady {
			return snapshot, nil
		}
		logger.WithField("symbol", symbol.String()).Debug("orderbook is initing, provider snapshot returned")
	} else {
		o.openOrderBook(symbol)
	}

	snapshot, err := o.syncAPI.OrderBookSnapshot(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	snapshot.Source = domain.OrderBookSource_Provider
	snapshot.Symbol = symbol
	snapshot.Datetime = domain.Iso8601(snapshot.Timestamp)
	return snapshot, nil
}

// Wait blocks until every background subscription started by the use case has returned.
func (o *OrderBookSnapshotUseCase) Wait() {
	o.wg.Wait()
}

func (o *OrderBookSnapshotUseCase) openOrderBook(symbol domain.MarketSymbol) {
	key := domain.OrderBookKey(symbol)
	if _, loaded := o.waitingRoom.LoadOrStore(key, STARTING); loaded {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.waitingRoom.Delete(key)

		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()

		if err := o.session.Subscribe(ctx, key); err != nil {
			logger.WithError(err).WithField("symbol", symbol.String()).Error("failed to open order book")
			return
		}
		logger.WithField("symbol", symbol.String()).Info("orderbook is added to the runtime storage")
	}()
}
