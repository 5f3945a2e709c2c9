package domain

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type MaintainerOptions struct {
	// Wait before the first snapshot request and between retries.
	WarmupDelay      time.Duration
	FetchTimeout     time.Duration
	MaxFetchAttempts int
	// Depth requested from the provider, 0 asks for the full book.
	SnapshotDepth int
	Observer      SyncObserver
}

func DefaultMaintainerOptions() MaintainerOptions {
	return MaintainerOptions{
		WarmupDelay:      time.Second,
		FetchTimeout:     10 * time.Second,
		MaxFetchAttempts: 5,
	}
}

// SyncObserver is told about book state transitions. Calls happen outside of any book lock.
type SyncObserver interface {
	OrderBookStatusChanged(symbol MarketSymbol, status SyncStatus, cause error)
	SnapshotFetchFailed(symbol MarketSymbol, err error)
	PendingUpdateDropped(symbol MarketSymbol)
}

type NopSyncObserver struct{}

func (NopSyncObserver) OrderBookStatusChanged(MarketSymbol, SyncStatus, error) {}
func (NopSyncObserver) SnapshotFetchFailed(MarketSymbol, error)                {}
func (NopSyncObserver) PendingUpdateDropped(MarketSymbol)                      {}

// SyncObservers fans every call out to each observer in order.
type SyncObservers []SyncObserver

func (o SyncObservers) OrderBookStatusChanged(symbol MarketSymbol, status SyncStatus, cause error) {
	for _, observer := range o {
		observer.OrderBookStatusChanged(symbol, status, cause)
	}
}

func (o SyncObservers) SnapshotFetchFailed(symbol MarketSymbol, err error) {
	for _, observer := range o {
		observer.SnapshotFetchFailed(symbol, err)
	}
}

func (o SyncObservers) PendingUpdateDropped(symbol MarketSymbol) {
	for _, observer := range o {
		observer.PendingUpdateDropped(symbol)
	}
}

// OrderbookMaintainer drives the books of a StreamRegistry through
// Unsynced -> AwaitingSnapshot -> Steady. Deltas that arrive before the snapshot
// are buffered and replayed once it lands.
type OrderbookMaintainer struct {
	registry *StreamRegistry
	syncAPI  ProviderSyncAPI
	notifier *Notifier
	opts     MaintainerOptions
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderBookMaintainer(
	registry *StreamRegistry,
	syncAPI ProviderSyncAPI,
	notifier *Notifier,
	opts MaintainerOptions,
) *OrderbookMaintainer {
	if opts.Observer == nil {
		opts.Observer = NopSyncObserver{}
	}
	if opts.MaxFetchAttempts <= 0 {
		opts.MaxFetchAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &OrderbookMaintainer{
		registry: registry,
		syncAPI:  syncAPI,
		notifier: notifier,
		opts:     opts,
		log:      logrus.WithField("module", "orderbook-maintainer"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ApplyDelta routes update through the sync state machine of its book.
// Only a negative size fails; the book is left untouched and the error is also kept for its next reader.
func (m *OrderbookMaintainer) ApplyDelta(update *OrderBookUpdate) error {
	book, ok := m.registry.OrderBook(update.Symbol)
	if !ok {
		m.log.WithField("symbol", update.Symbol.String()).Debug("delta for unknown order book ignored")
		return nil
	}
	key := OrderBookKey(update.Symbol)

	if err := validateUpdate(update); err != nil {
		book.mu.Lock()
		book.failure = err
		book.signalLocked()
		book.mu.Unlock()

		m.notifier.Reject(key, err)
		return err
	}

	var applied, dropped, scheduled bool

	book.mu.Lock()
	switch book.status {
	case SyncStatus_Unsynced:
		dropped = book.bufferLocked(update) != nil
		book.status = SyncStatus_AwaitingSnapshot
		m.scheduleFetchLocked(book)
		scheduled = true
	case SyncStatus_AwaitingSnapshot:
		dropped = book.bufferLocked(update) != nil
	case SyncStatus_Steady:
		applied = book.applyLocked(update)
		if applied {
			book.signalLocked()
		}
	}
	book.mu.Unlock()

	if dropped {
		m.log.WithField("symbol", update.Symbol.String()).Warn("pending updates buffer is full, oldest update dropped")
		m.opts.Observer.PendingUpdateDropped(update.Symbol)
	}
	if scheduled {
		m.opts.Observer.OrderBookStatusChanged(update.Symbol, SyncStatus_AwaitingSnapshot, nil)
	}
	if applied {
		m.notifier.Resolve(key)
	}
	return nil
}

// ApplySnapshot replaces the book with snapshot and replays buffered deltas.
// A snapshot fetch still in flight is discarded. If buffered deltas newer than the snapshot
// were lost to overflow the book is reset instead and waiters get ErrDesync.
func (m *OrderbookMaintainer) ApplySnapshot(snapshot *OrderBookSnapshot) {
	book, ok := m.registry.OrderBook(snapshot.Symbol)
	if !ok {
		m.log.WithField("symbol", snapshot.Symbol.String()).Debug("snapshot for unknown order book ignored")
		return
	}

	book.mu.Lock()
	replayed, err := book.seedLocked(snapshot)
	book.mu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("symbol", snapshot.Symbol.String()).Warn("pushed snapshot does not cover dropped deltas")
		m.notifier.Reject(OrderBookKey(snapshot.Symbol), err)
		m.opts.Observer.OrderBookStatusChanged(snapshot.Symbol, SyncStatus_Unsynced, err)
		return
	}

	m.log.WithFields(logrus.Fields{
		"symbol":   snapshot.Symbol.String(),
		"nonce":    snapshot.Nonce,
		"replayed": replayed,
	}).Debug("order book seeded from pushed snapshot")

	m.opts.Observer.OrderBookStatusChanged(snapshot.Symbol, SyncStatus_Steady, nil)
	m.notifier.Resolve(OrderBookKey(snapshot.Symbol))
}

// CurrentView waits for the book to become steady and returns a copy of its top depth levels.
func (m *OrderbookMaintainer) CurrentView(ctx context.Context, symbol MarketSymbol, depth int) (*OrderBookSnapshot, error) {
	book, ok := m.registry.OrderBook(symbol)
	if !ok {
		return nil, errors.Wrapf(ErrOrderBookNotFound, "%s", symbol)
	}
	return book.View(ctx, depth)
}

// Reset drops the book content and returns it to Unsynced. A non nil cause is handed to the next reader.
func (m *OrderbookMaintainer) Reset(symbol MarketSymbol, cause error) {
	book, ok := m.registry.OrderBook(symbol)
	if !ok {
		return
	}

	book.mu.Lock()
	book.resetLocked(cause)
	book.mu.Unlock()

	entry := m.log.WithField("symbol", symbol.String())
	if cause != nil {
		entry.WithError(cause).Warn("order book reset")
		m.notifier.Reject(OrderBookKey(symbol), cause)
	} else {
		entry.Debug("order book reset")
	}
	m.opts.Observer.OrderBookStatusChanged(symbol, SyncStatus_Unsynced, cause)
}

// Remove drops the book from the registry and reports it to the observers as closed.
func (m *OrderbookMaintainer) Remove(symbol MarketSymbol) bool {
	if !m.registry.Remove(OrderBookKey(symbol)) {
		return false
	}
	m.log.WithField("symbol", symbol.String()).Debug("order book removed")
	m.opts.Observer.OrderBookStatusChanged(symbol, SyncStatus_Unsynced, ErrStreamClosed)
	return true
}

// Stop cancels every snapshot fetch in flight and waits for them to return.
func (m *OrderbookMaintainer) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *OrderbookMaintainer) scheduleFetchLocked(book *OrderBook) {
	ctx, cancel := context.WithCancel(m.ctx)
	book.cancelFetchLocked()
	book.fetchCancel = cancel

	m.wg.Add(1)
	go m.fetchSnapshot(ctx, book, book.epoch)
}

func (m *OrderbookMaintainer) fetchSnapshot(ctx context.Context, book *OrderBook, epoch uint64) {
	defer m.wg.Done()

	symbol := book.Symbol
	entry := m.log.WithField("symbol", symbol.String())

	timer := time.NewTimer(m.opts.WarmupDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	attempt := 0
	snapshot, err := backoff.Retry(ctx, func() (*OrderBookSnapshot, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
		defer cancel()

		snapshot, err := m.syncAPI.OrderBookSnapshot(attemptCtx, symbol, m.opts.SnapshotDepth)
		if err != nil {
			m.opts.Observer.SnapshotFetchFailed(symbol, err)
			if IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return snapshot, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.opts.WarmupDelay)),
		backoff.WithMaxTries(uint(m.opts.MaxFetchAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			entry.WithError(err).WithField("retry_in", next).Warn("order book snapshot fetch failed")
		}),
	)

	if ctx.Err() != nil {
		return
	}

	book.mu.Lock()
	if book.epoch != epoch {
		book.mu.Unlock()
		entry.Debug("stale snapshot fetch result discarded")
		return
	}

	if err != nil {
		failure := errors.Wrapf(ErrSnapshotUnavailable, "%s after %d attempts: %v", symbol, attempt, err)
		book.resetLocked(failure)
		book.mu.Unlock()

		entry.WithError(err).Error("giving up on order book snapshot")
		m.notifier.Reject(OrderBookKey(symbol), failure)
		m.opts.Observer.OrderBookStatusChanged(symbol, SyncStatus_Unsynced, failure)
		return
	}

	snapshot.Symbol = symbol
	replayed, err := book.seedLocked(snapshot)
	book.mu.Unlock()

	if err != nil {
		entry.WithError(err).Warn("fetched snapshot does not cover dropped deltas")
		m.notifier.Reject(OrderBookKey(symbol), err)
		m.opts.Observer.OrderBookStatusChanged(symbol, SyncStatus_Unsynced, err)
		return
	}

	entry.WithFields(logrus.Fields{
		"nonce":    snapshot.Nonce,
		"replayed": replayed,
	}).Info("order book synchronized")
	m.opts.Observer.OrderBookStatusChanged(symbol, SyncStatus_Steady, nil)
	m.notifier.Resolve(OrderBookKey(symbol))
}

func validateUpdate(update *OrderBookUpdate) error {
	for _, level := range update.Bids {
		if level.Size.Sign() < 0 {
			return errors.Wrapf(ErrInvalidDelta, "%s seq %d: negative bid size %s at %s", update.Symbol, update.Sequence, level.Size, level.Price)
		}
	}
	for _, level := range update.Asks {
		if level.Size.Sign() < 0 {
			return errors.Wrapf(ErrInvalidDelta, "%s seq %d: negative ask size %s at %s", update.Symbol, update.Sequence, level.Size, level.Price)
		}
	}
	return nil
}
