package domain

import (
	"github.com/pkg/errors"
	"github.com/spooky-finn/marketstate-bridge/cache"
)

var (
	// Exchange asked for an explicit resync. The book is reset and the error is handed to the next reader.
	ErrDesync = errors.New("order book desynchronized")
	// Negative size in a delta. Rejected without touching the book.
	ErrInvalidDelta = errors.New("invalid order book delta")
	// Snapshot fetch retry ceiling reached or a permanent fetch error happened.
	ErrSnapshotUnavailable = errors.New("order book snapshot unavailable")
	// Container was removed from the registry while somebody was waiting on it.
	ErrStreamClosed = errors.New("stream closed")

	ErrOrderBookNotFound      = errors.New("order book not found")
	ErrCapacityMisconfigured  = cache.ErrCapacityMisconfigured
	ErrUnexpectedStreamHolder = errors.New("stream registry holds a different container type for key")
)

// RetriableError is implemented by errors that tell whether repeating the operation can help.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// IsPermanent reports errors that explicitly declared themselves non retriable.
// Unclassified errors are not permanent: the snapshot fetcher treats them as transient.
func IsPermanent(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return !re.IsRetriable()
	}
	return false
}

// FetchError is returned by ProviderSyncAPI implementations.
type FetchError struct {
	Symbol    MarketSymbol
	Err       error
	Retriable bool
}

func (e *FetchError) Error() string {
	return "fetch snapshot " + e.Symbol.String() + ": " + e.Err.Error()
}

func (e *FetchError) IsRetriable() bool {
	return e.Retriable
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientFetchError wraps network and rate errors, those are retried.
func NewTransientFetchError(symbol MarketSymbol, err error) *FetchError {
	return &FetchError{Symbol: symbol, Err: err, Retriable: true}
}

// NewPermanentFetchError wraps errors like an unknown symbol.
func NewPermanentFetchError(symbol MarketSymbol, err error) *FetchError {
	return &FetchError{Symbol: symbol, Err: err, Retriable: false}
}
