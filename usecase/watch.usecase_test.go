package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/spooky-finn/marketstate-bridge/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchUseCase_WatchTradesFiltersBySinceAndLimit(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.TradesKey(btcUsdt))
	h.push(t,
		domain.Trade{Symbol: btcUsdt, ID: "1", Timestamp: 100},
		domain.Trade{Symbol: btcUsdt, ID: "2", Timestamp: 200},
	)

	results := make(chan []domain.Trade, 1)
	go func() {
		trades, err := h.watch.WatchTrades(context.Background(), btcUsdt, 200, 2)
		assert.NoError(t, err)
		results <- trades
	}()
	time.Sleep(20 * time.Millisecond)

	h.push(t, domain.Trade{Symbol: btcUsdt, ID: "3", Timestamp: 300})

	select {
	case trades := <-results:
		require.Len(t, trades, 2)
		assert.Equal(t, "2", trades[0].ID)
		assert.Equal(t, "3", trades[1].ID)
	case <-time.After(time.Second):
		t.Fatal("watcher was not resolved")
	}
}

func TestWatchUseCase_WatchOrdersAndFills(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrdersKey(btcUsdt))
	h.subscribe(t, domain.FillsKey(btcUsdt))

	orders := make(chan []domain.Order, 1)
	fills := make(chan []domain.Fill, 1)
	go func() {
		items, err := h.watch.WatchOrders(context.Background(), btcUsdt, 0, 0)
		assert.NoError(t, err)
		orders <- items
	}()
	go func() {
		items, err := h.watch.WatchFills(context.Background(), btcUsdt, 0, 0)
		assert.NoError(t, err)
		fills <- items
	}()
	time.Sleep(20 * time.Millisecond)

	h.push(t,
		domain.Order{Symbol: btcUsdt, ID: "42", Status: "open"},
		domain.Fill{Symbol: btcUsdt, ID: "f1", OrderID: "42"},
	)

	assert.Equal(t, "42", (<-orders)[0].ID)
	assert.Equal(t, "f1", (<-fills)[0].ID)
}

func TestWatchUseCase_WatchCandles(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.CandlesKey(btcUsdt, "1m"))

	results := make(chan []domain.Candle, 1)
	go func() {
		items, err := h.watch.WatchCandles(context.Background(), btcUsdt, "1m", 0, 1)
		assert.NoError(t, err)
		results <- items
	}()
	time.Sleep(20 * time.Millisecond)

	h.push(t, domain.Candle{Symbol: btcUsdt, Timeframe: "1m", Timestamp: 60000})

	items := <-results
	require.Len(t, items, 1)
	assert.Equal(t, int64(60000), items[0].Timestamp)
}

func TestWatchUseCase_WatchOrderBookWaitsForNextChange(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))
	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("100", "1")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.watch.WatchOrderBook(ctx, btcUsdt, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "nothing changed since the book became steady")

	results := make(chan *domain.OrderBookSnapshot, 1)
	go func() {
		view, err := h.watch.WatchOrderBook(context.Background(), btcUsdt, 0)
		assert.NoError(t, err)
		results <- view
	}()
	time.Sleep(20 * time.Millisecond)

	h.push(t, domain.NewOrderBookUpdate(btcUsdt, 2, levels("101", "1"), nil, 0))

	select {
	case view := <-results:
		assert.Equal(t, int64(2), view.Nonce)
	case <-time.After(time.Second):
		t.Fatal("watcher was not resolved")
	}
}

func TestWatchUseCase_WatchOrderBookAfterInvalidDelta(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))
	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("100", "1")})

	watch := func() chan error {
		done := make(chan error, 1)
		go func() {
			view, err := h.watch.WatchOrderBook(context.Background(), btcUsdt, 0)
			if err == nil {
				assert.Equal(t, int64(3), view.Nonce)
			}
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		return done
	}

	first := watch()
	h.push(t, domain.NewOrderBookUpdate(btcUsdt, 2, levels("100", "-1"), nil, 0))
	select {
	case err := <-first:
		assert.ErrorIs(t, err, domain.ErrInvalidDelta)
	case <-time.After(time.Second):
		t.Fatal("watcher was not rejected")
	}

	second := watch()
	h.push(t, domain.NewOrderBookUpdate(btcUsdt, 3, levels("101", "1"), nil, 0))
	select {
	case err := <-second:
		assert.NoError(t, err, "the rejected delta must not be reported again")
	case <-time.After(time.Second):
		t.Fatal("watcher was not resolved")
	}
}

func TestWatchUseCase_StreamOrderBookResumesAfterInvalidDelta(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, domain.OrderBookKey(btcUsdt))

	sub, err := h.watch.StreamOrderBook(context.Background(), btcUsdt, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("100", "1")})
	select {
	case view := <-sub.Stream:
		assert.Equal(t, int64(1), view.Nonce)
	case <-time.After(time.Second):
		t.Fatal("no view streamed")
	}
	time.Sleep(20 * time.Millisecond)

	h.push(t, domain.NewOrderBookUpdate(btcUsdt, 2, levels("100", "-1"), nil, 0))
	time.Sleep(20 * time.Millisecond)
	h.push(t, domain.NewOrderBookUpdate(btcUsdt, 3, levels("101", "1"), nil, 0))

	select {
	case view := <-sub.Stream:
		assert.Equal(t, int64(3), view.Nonce)
		assert.Len(t, view.Bids, 2)
	case <-time.After(time.Second):
		t.Fatal("stream did not resume after the rejected delta")
	}
}

func TestWatchUseCase_StreamOrderBook(t *testing.T) {
	h := newHarness(t)
	h.subscriber.On("Subscribe", domain.OrderBookKey(btcUsdt)).Return(nil)

	sub, err := h.watch.StreamOrderBook(context.Background(), btcUsdt, 1)
	require.NoError(t, err)
	assert.Equal(t, "orderbook:btc_usdt", sub.Topic)

	h.push(t, &domain.OrderBookSnapshot{Symbol: btcUsdt, Nonce: 1, Bids: levels("100", "1", "99", "1")})

	select {
	case view := <-sub.Stream:
		assert.Equal(t, int64(1), view.Nonce)
		assert.Len(t, view.Bids, 1)
	case <-time.After(time.Second):
		t.Fatal("no view streamed")
	}

	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Stream:
		for ok {
			_, ok = <-sub.Stream
		}
	case <-time.After(time.Second):
		t.Fatal("stream was not closed")
	}
}

func TestWatchUseCase_RecentTradesDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.subscriber.On("Subscribe", domain.TradesKey(btcUsdt)).Return(nil).Once()

	trades, err := h.watch.RecentTrades(context.Background(), btcUsdt, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, trades)

	h.push(t,
		domain.Trade{Symbol: btcUsdt, ID: "1", Timestamp: 100},
		domain.Trade{Symbol: btcUsdt, ID: "2", Timestamp: 200},
	)

	trades, err = h.watch.RecentTrades(context.Background(), btcUsdt, 150, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "2", trades[0].ID)
	h.subscriber.AssertNumberOfCalls(t, "Subscribe", 1)
}
