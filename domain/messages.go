package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookSource string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"
)

// Message is a decoded push message. The set of implementations is closed.
type Message interface {
	isMessage()
}

// OrderBookUpdate is a delta: sizes replace the named levels, a zero size deletes one.
type OrderBookUpdate struct {
	Symbol    MarketSymbol
	Sequence  int64
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp int64
}

func NewOrderBookUpdate(symbol MarketSymbol, sequence int64, bids, asks []PriceLevel, timestamp int64) *OrderBookUpdate {
	return &OrderBookUpdate{
		Symbol:    symbol,
		Sequence:  sequence,
		Bids:      bids,
		Asks:      asks,
		Timestamp: timestamp,
	}
}

// OrderBookSnapshot is both a full book state received from a provider and the read only
// view handed out by a local book.
type OrderBookSnapshot struct {
	Source    OrderBookSource `json:"source"`
	Symbol    MarketSymbol    `json:"symbol"`
	Nonce     int64           `json:"nonce"`
	Bids      []PriceLevel    `json:"bids"`
	Asks      []PriceLevel    `json:"asks"`
	Timestamp int64           `json:"timestamp"`
	Datetime  string          `json:"datetime"`
}

type Trade struct {
	Symbol    MarketSymbol    `json:"symbol"`
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

// Fill is a trade executed against one of our own orders.
type Fill struct {
	Symbol    MarketSymbol    `json:"symbol"`
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Side      string          `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

type Order struct {
	Symbol    MarketSymbol    `json:"symbol"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Timestamp int64           `json:"timestamp"`
}

type Candle struct {
	Symbol    MarketSymbol    `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Resync is sent by the exchange when it can no longer guarantee the book it streams.
type Resync struct {
	Symbol MarketSymbol
	Reason string
}

// Disconnect is emitted by the transport after the connection dropped. Err may be nil.
type Disconnect struct {
	Err error
}

func (*OrderBookUpdate) isMessage()   {}
func (*OrderBookSnapshot) isMessage() {}
func (Trade) isMessage()              {}
func (Fill) isMessage()               {}
func (Order) isMessage()              {}
func (Candle) isMessage()             {}
func (Resync) isMessage()             {}
func (Disconnect) isMessage()         {}

// Iso8601 formats a millisecond timestamp in UTC with millisecond precision.
func Iso8601(timestampMs int64) string {
	if timestampMs <= 0 {
		return ""
	}
	return time.UnixMilli(timestampMs).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
