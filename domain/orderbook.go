package domain

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
)

type SyncStatus string

const (
	SyncStatus_Unsynced         SyncStatus = "Unsynced"
	SyncStatus_AwaitingSnapshot SyncStatus = "AwaitingSnapshot"
	SyncStatus_Steady           SyncStatus = "Steady"
)

const DefaultPendingLimit = 1000

// OrderBook holds the state of one book. The sync protocol driving it lives in OrderbookMaintainer.
type OrderBook struct {
	Symbol MarketSymbol

	bids      *PriceLevelSide
	asks      *PriceLevelSide
	nonce     int64
	hasNonce  bool
	timestamp int64
	status    SyncStatus

	pendingUpdates deque.Deque[*OrderBookUpdate]
	pendingLimit   int
	// highest sequence pushed out of a full buffer since the last reset
	droppedSeq int64
	hasDropped bool

	// incremented on every reset so a snapshot fetch started earlier can tell its result is stale
	epoch       uint64
	fetchCancel context.CancelFunc

	// handed to the next reader; cleared once the book is steady again
	failure error
	closed  bool
	changed chan struct{}

	mu sync.RWMutex
}

func NewOrderBook(symbol MarketSymbol, pendingLimit int) (*OrderBook, error) {
	if pendingLimit <= 0 {
		return nil, ErrCapacityMisconfigured
	}

	return &OrderBook{
		Symbol:         symbol,
		bids:           NewBidsSide(),
		asks:           NewAsksSide(),
		status:         SyncStatus_Unsynced,
		pendingUpdates: deque.Deque[*OrderBookUpdate]{},
		pendingLimit:   pendingLimit,
		changed:        make(chan struct{}),
	}, nil
}

func (ob *OrderBook) Status() SyncStatus {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.status
}

// Nonce reports false while the book has not been seeded by a snapshot.
func (ob *OrderBook) Nonce() (int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.nonce, ob.hasNonce
}

func (ob *OrderBook) PendingLen() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.pendingUpdates.Len()
}

// Failure peeks at the recorded failure without consuming it.
func (ob *OrderBook) Failure() error {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.failure
}

// View waits until the book is steady and returns a copy of its top depth levels per side.
// A recorded failure is returned instead. While steady the failure is consumed by the read.
func (ob *OrderBook) View(ctx context.Context, depth int) (*OrderBookSnapshot, error) {
	for {
		ob.mu.Lock()
		if ob.failure != nil {
			err := ob.failure
			if ob.status == SyncStatus_Steady {
				ob.failure = nil
			}
			ob.mu.Unlock()
			return nil, err
		}
		if ob.closed {
			ob.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if ob.status == SyncStatus_Steady {
			view := ob.takeSnapshotLocked(depth)
			ob.mu.Unlock()
			return view, nil
		}
		changed := ob.changed
		ob.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// TakeSnapshot copies the book without waiting. ok is false unless the book is steady.
func (ob *OrderBook) TakeSnapshot(depth int) (snapshot *OrderBookSnapshot, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if ob.status != SyncStatus_Steady {
		return nil, false
	}
	return ob.takeSnapshotLocked(depth), true
}

// Close resets the book for good. Readers blocked in View are released with ErrStreamClosed.
func (ob *OrderBook) Close() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.resetLocked(ErrStreamClosed)
	ob.closed = true
}

func (ob *OrderBook) takeSnapshotLocked(depth int) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Source:    OrderBookSource_LocalOrderBook,
		Symbol:    ob.Symbol,
		Nonce:     ob.nonce,
		Bids:      ob.bids.Levels(depth),
		Asks:      ob.asks.Levels(depth),
		Timestamp: ob.timestamp,
		Datetime:  Iso8601(ob.timestamp),
	}
}

// bufferLocked queues an update received before the first snapshot.
// When the buffer is full the oldest update is dropped and reported.
func (ob *OrderBook) bufferLocked(update *OrderBookUpdate) (dropped *OrderBookUpdate) {
	if ob.pendingUpdates.Len() >= ob.pendingLimit {
		dropped = ob.pendingUpdates.PopFront()
		if !ob.hasDropped || dropped.Sequence > ob.droppedSeq {
			ob.droppedSeq = dropped.Sequence
			ob.hasDropped = true
		}
	}
	ob.pendingUpdates.PushBack(update)
	return dropped
}

// applyLocked merges update into a seeded book. Stale updates are a no-op and report false.
// Sizes must have been validated already. An applied update supersedes an unread failure.
func (ob *OrderBook) applyLocked(update *OrderBookUpdate) bool {
	if !ob.hasNonce || update.Sequence <= ob.nonce {
		return false
	}
	ob.failure = nil

	for _, level := range update.Bids {
		_ = ob.bids.Upsert(level.Price, level.Size)
	}
	for _, level := range update.Asks {
		_ = ob.asks.Upsert(level.Price, level.Size)
	}

	ob.nonce = update.Sequence
	if update.Timestamp > 0 {
		ob.timestamp = update.Timestamp
	}
	return true
}

// seedLocked replaces both sides with snapshot, replays the buffered updates in arrival order
// and marks the book steady. It returns how many buffered updates were applied.
// When a delta newer than the snapshot was dropped from the buffer the gap cannot be replayed:
// the book is reset with an error wrapping ErrDesync instead.
func (ob *OrderBook) seedLocked(snapshot *OrderBookSnapshot) (replayed int, err error) {
	if ob.hasDropped && ob.droppedSeq > snapshot.Nonce {
		err = errors.Wrapf(ErrDesync, "%s: delta %d was dropped from the pending buffer, snapshot nonce is %d",
			ob.Symbol, ob.droppedSeq, snapshot.Nonce)
		ob.resetLocked(err)
		return 0, err
	}

	ob.cancelFetchLocked()
	ob.epoch++

	ob.bids.Reset(snapshot.Bids)
	ob.asks.Reset(snapshot.Asks)
	ob.nonce = snapshot.Nonce
	ob.hasNonce = true
	ob.timestamp = snapshot.Timestamp

	for i := 0; i < ob.pendingUpdates.Len(); i++ {
		if ob.applyLocked(ob.pendingUpdates.At(i)) {
			replayed++
		}
	}
	ob.pendingUpdates.Clear()
	ob.droppedSeq = 0
	ob.hasDropped = false

	ob.status = SyncStatus_Steady
	ob.failure = nil
	ob.signalLocked()
	return replayed, nil
}

func (ob *OrderBook) resetLocked(cause error) {
	ob.cancelFetchLocked()
	ob.epoch++

	ob.bids.Clear()
	ob.asks.Clear()
	ob.nonce = 0
	ob.hasNonce = false
	ob.timestamp = 0
	ob.pendingUpdates.Clear()
	ob.droppedSeq = 0
	ob.hasDropped = false
	ob.status = SyncStatus_Unsynced
	ob.failure = cause
	ob.signalLocked()
}

func (ob *OrderBook) cancelFetchLocked() {
	if ob.fetchCancel != nil {
		ob.fetchCancel()
		ob.fetchCancel = nil
	}
}

// signalLocked wakes every reader blocked in View.
func (ob *OrderBook) signalLocked() {
	close(ob.changed)
	ob.changed = make(chan struct{})
}
