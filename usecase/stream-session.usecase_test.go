package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/marketstate-bridge/domain"
	"github.com/spooky-finn/marketstate-bridge/rpc"
	"github.com/spooky-finn/marketstate-bridge/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type syncAPIMock struct {
	mock.Mock
}

func (m *syncAPIMock) OrderBookSnapshot(ctx context.Context, symbol domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	args := m.Called(symbol, limit)
	snapshot, _ := args.Get(0).(*domain.OrderBookSnapshot)
	return snapshot, args.Error(1)
}

type subscriberMock struct {
	mock.Mock
}

func (m *subscriberMock) Subscribe(ctx context.Context, key domain.StreamKey) error {
	return m.Called(key).Error(0)
}

func (m *subscriberMock) Unsubscribe(ctx context.Context, key domain.StreamKey) error {
	return m.Called(key).Error(0)
}

var btcUsdt = domain.MarketSymbol{BaseAsset: "btc", QuoteAsset: "usdt"}

func levels(pairs ...string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.PriceLevel{
			Price: decimal.RequireFromString(pairs[i]),
			Size:  decimal.RequireFromString(pairs[i+1]),
		})
	}
	return out
}

type harness struct {
	registry   *domain.StreamRegistry
	notifier   *domain.Notifier
	maintainer *domain.OrderbookMaintainer
	api        *syncAPIMock
	subscriber *subscriberMock
	session    *usecase.StreamSession
	watch      *usecase.WatchUseCase
	messages   chan domain.Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newObservedHarness(t, domain.NopSyncObserver{})
}

func newObservedHarness(t *testing.T, observer domain.SyncObserver) *harness {
	t.Helper()

	opts := domain.DefaultMaintainerOptions()
	opts.WarmupDelay = time.Hour
	opts.Observer = observer

	h := &harness{
		registry:   domain.NewStreamRegistry(),
		notifier:   domain.NewNotifier(),
		api:        &syncAPIMock{},
		subscriber: &subscriberMock{},
		messages:   make(chan domain.Message),
	}
	h.maintainer = domain.NewOrderBookMaintainer(h.registry, h.api, h.notifier, opts)

	limits := usecase.DefaultSessionLimits()
	limits.Trades = 3
	h.session = usecase.NewStreamSession(h.registry, h.maintainer, h.notifier, h.subscriber, limits)
	h.watch = usecase.NewWatchUseCase(h.session, h.registry, h.maintainer, h.notifier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.session.Run(ctx, h.messages)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		h.maintainer.Stop()
	})
	return h
}

// push hands msg to the session and waits until it has been handled.
func (h *harness) push(t *testing.T, msgs ...domain.Message) {
	t.Helper()
	for _, msg := range msgs {
		h.messages <- msg
	}
	// control events are served by the same goroutine, so this returns after msgs were processed
	require.NoError(t, h.session.Unsubscribe(context.Background(), domain.StreamKey{Kind: "flush"}))
}

func (h *harness) subscribe(t *testing.T, key domain.StreamKey) {
	t.Helper()
	h.subscriber.On("Subscribe", key).Return(nil)
	require.NoError(t, h.session.Subscribe(context.Background(), key))
}

func TestStreamSession_SubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	key := domain.OrderBookKey(btcUsdt)

	h.subscribe(t, key)
	require.NoError(t, h.session.Subscribe(context.Background(), key))

	h.subscriber.AssertNumberOfCalls(t, "Subscribe", 1)
	book, ok := h.registry.OrderBook(btcUsdt)
	require.True(t, ok)
	assert.Equal(t, domain.SyncStatus_Unsynced, book.Status())
}

func TestStreamSession_SubscribeErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	key := domain.TradesKey(btcUsdt)
	h.subscriber.On("Subscribe", key).Return(domain.ErrStreamClosed).Once()

	err := h.session.Subscribe(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrStreamClosed)
}

func TestStreamSession_RoutesOrderBookMessages(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))
	h.push(t, domain.NewOrderBookUpdate(btcUsdt, 5, levels("100", "2"), nil, 0))

	type result struct {
		view *domain.OrderBookSnapshot
		err  error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		view, err := h.watch.WatchOrderBook(ctx, btcUsdt, 0)
		results <- result{view, err}
	}()

	time.Sleep(20 * time.Millisecond)
	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 4, Bids: levels("99", "1"), Asks: levels("101", "1")})

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, int64(5), res.view.Nonce)
	assert.Len(t, res.view.Bids, 2)
}

func TestStreamSession_InvalidDeltaDoesNotStopTheLoop(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))

	h.push(t,
		&domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1},
		domain.NewOrderBookUpdate(btcUsdt, 2, levels("100", "-1"), nil, 0),
		domain.NewOrderBookUpdate(btcUsdt, 3, levels("100", "1"), nil, 0),
	)

	book, _ := h.registry.OrderBook(btcUsdt)
	nonce, _ := book.Nonce()
	assert.Equal(t, int64(3), nonce)
}

func TestStreamSession_TradesAreBounded(t *testing.T) {
	h := newHarness(t)

	for i := 1; i <= 5; i++ {
		h.push(t, domain.Trade{Symbol: btcUsdt, ID: string(rune('a' + i - 1)), Timestamp: int64(i)})
	}

	trades, ok := h.registry.Trades(btcUsdt)
	require.True(t, ok, "trades cache is created with the first trade")
	items := trades.Items(0)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].ID)
	assert.Equal(t, "e", items[2].ID)
}

func TestStreamSession_OrdersAndCandlesAreKeyed(t *testing.T) {
	h := newHarness(t)

	h.push(t,
		domain.Order{Symbol: btcUsdt, ID: "1", Status: "open"},
		domain.Order{Symbol: btcUsdt, ID: "2", Status: "open"},
		domain.Order{Symbol: btcUsdt, ID: "1", Status: "closed"},
		domain.Candle{Symbol: btcUsdt, Timeframe: "1m", Timestamp: 60000, Close: decimal.NewFromInt(1)},
		domain.Candle{Symbol: btcUsdt, Timeframe: "1m", Timestamp: 60000, Close: decimal.NewFromInt(2)},
		domain.Candle{Symbol: btcUsdt, Timeframe: "1m", Timestamp: 120000, Close: decimal.NewFromInt(3)},
	)

	orders, ok := h.registry.Orders(btcUsdt)
	require.True(t, ok)
	assert.Equal(t, 2, orders.Len())
	latest := orders.Items(1)
	assert.Equal(t, "1", latest[0].ID)
	assert.Equal(t, "closed", latest[0].Status)

	candles, ok := h.registry.Candles(btcUsdt, "1m")
	require.True(t, ok)
	items := candles.Items(0)
	require.Len(t, items, 2)
	assert.True(t, items[0].Close.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int64(120000), items[1].Timestamp)
}

func TestStreamSession_ResyncResetsBook(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))

	h.push(t,
		&domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("1", "1")},
		domain.Resync{Symbol: btcUsdt, Reason: "checksum mismatch"},
	)

	_, err := h.maintainer.CurrentView(context.Background(), btcUsdt, 0)
	assert.ErrorIs(t, err, domain.ErrDesync)
}

func TestStreamSession_DisconnectResetsBooksAndDropsCaches(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))

	h.push(t,
		&domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("1", "1")},
		domain.Trade{Symbol: btcUsdt, ID: "1"},
		domain.Disconnect{},
	)

	book, ok := h.registry.OrderBook(btcUsdt)
	require.True(t, ok, "books survive a disconnect")
	assert.Equal(t, domain.SyncStatus_Unsynced, book.Status())
	assert.NoError(t, book.Failure())

	_, ok = h.registry.Trades(btcUsdt)
	assert.False(t, ok)
}

func TestStreamSession_UnsubscribeDropsContainer(t *testing.T) {
	h := newHarness(t)
	key := domain.TradesKey(btcUsdt)
	h.subscribe(t, key)
	h.subscriber.On("Unsubscribe", key).Return(nil).Once()
	h.push(t, domain.Trade{Symbol: btcUsdt, ID: "1"})

	watchErr := make(chan error, 1)
	go func() {
		_, err := h.watch.WatchTrades(context.Background(), btcUsdt, 0, 0)
		watchErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, h.session.Unsubscribe(context.Background(), key))

	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, domain.ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("watcher was not released")
	}
	_, ok := h.registry.Trades(btcUsdt)
	assert.False(t, ok)
	h.subscriber.AssertExpectations(t)
}

func TestStreamSession_UnsubscribeMarksBookNotServing(t *testing.T) {
	health := rpc.NewHealthTracker()
	h := newObservedHarness(t, health)
	key := domain.OrderBookKey(btcUsdt)
	service := rpc.OrderBookServiceName(btcUsdt)
	h.subscribe(t, key)
	h.subscriber.On("Unsubscribe", key).Return(nil).Once()

	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("100", "1")})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Check(service))

	require.NoError(t, h.session.Unsubscribe(context.Background(), key))

	_, ok := h.registry.OrderBook(btcUsdt)
	assert.False(t, ok)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, health.Check(service))
	h.subscriber.AssertExpectations(t)
}

func TestStreamSession_ResubscribeResetsBook(t *testing.T) {
	h := newHarness(t)
	key := domain.OrderBookKey(btcUsdt)
	h.subscribe(t, key)
	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 9})

	require.NoError(t, h.session.Resubscribe(context.Background(), key))

	book, _ := h.registry.OrderBook(btcUsdt)
	assert.Equal(t, domain.SyncStatus_Unsynced, book.Status())
	h.subscriber.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestStreamSession_ClosedMessagesStopSession(t *testing.T) {
	registry := domain.NewStreamRegistry()
	notifier := domain.NewNotifier()
	maintainer := domain.NewOrderBookMaintainer(registry, &syncAPIMock{}, notifier, domain.DefaultMaintainerOptions())
	defer maintainer.Stop()
	session := usecase.NewStreamSession(registry, maintainer, notifier, &subscriberMock{}, usecase.DefaultSessionLimits())

	messages := make(chan domain.Message)
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(context.Background(), messages)
	}()
	close(messages)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
	assert.ErrorIs(t, session.Subscribe(context.Background(), domain.TradesKey(btcUsdt)), domain.ErrStreamClosed)
}
