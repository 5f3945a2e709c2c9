package feed

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

const (
	MsgType_Book     = "book"
	MsgType_Snapshot = "snapshot"
	MsgType_Trade    = "trade"
	MsgType_Fill     = "fill"
	MsgType_Order    = "order"
	MsgType_Candle   = "candle"
	MsgType_Resync   = "resync"

	ErrCode_InvalidSymbol = "invalid_symbol"
	ErrCode_Disconnected  = "disconnected"
)

var ErrUnknownMessageType = errors.New("unknown message type")

type WebSocketRequestModel struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// inboundFrame is either a response (ID set) or a push message (Type set).
type inboundFrame struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RelayError     `json:"error,omitempty"`
	Type   string          `json:"type,omitempty"`
	Symbol string          `json:"symbol,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type RelayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Levels are encoded as [["price","size"], ...].
type wireLevels [][2]decimal.Decimal

func (l wireLevels) toDomain() []domain.PriceLevel {
	levels := make([]domain.PriceLevel, len(l))
	for i, pair := range l {
		levels[i] = domain.PriceLevel{Price: pair[0], Size: pair[1]}
	}
	return levels
}

type bookPayload struct {
	Sequence  int64      `json:"sequence"`
	Bids      wireLevels `json:"bids"`
	Asks      wireLevels `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

type snapshotPayload struct {
	Nonce     int64      `json:"nonce"`
	Bids      wireLevels `json:"bids"`
	Asks      wireLevels `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

func (p snapshotPayload) toSnapshot(symbol domain.MarketSymbol, source domain.OrderBookSource) *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		Source:    source,
		Symbol:    symbol,
		Nonce:     p.Nonce,
		Bids:      p.Bids.toDomain(),
		Asks:      p.Asks.toDomain(),
		Timestamp: p.Timestamp,
		Datetime:  domain.Iso8601(p.Timestamp),
	}
}

type resyncPayload struct {
	Reason string `json:"reason"`
}

func decodeFrame(raw []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}
	return &frame, nil
}

func (f *inboundFrame) isResponse() bool {
	return f.ID != "" && f.Type == ""
}

// message turns a push frame into the domain message it carries.
func (f *inboundFrame) message() (domain.Message, error) {
	symbol, err := domain.NewMarketSymbolFromString(f.Symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "%s frame", f.Type)
	}

	switch f.Type {
	case MsgType_Book:
		var p bookPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, errors.Wrap(err, "book frame")
		}
		return domain.NewOrderBookUpdate(symbol, p.Sequence, p.Bids.toDomain(), p.Asks.toDomain(), p.Timestamp), nil

	case MsgType_Snapshot:
		var p snapshotPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, errors.Wrap(err, "snapshot frame")
		}
		return p.toSnapshot(symbol, domain.OrderBookSource_Provider), nil

	case MsgType_Trade:
		var trade domain.Trade
		if err := json.Unmarshal(f.Data, &trade); err != nil {
			return nil, errors.Wrap(err, "trade frame")
		}
		trade.Symbol = symbol
		return trade, nil

	case MsgType_Fill:
		var fill domain.Fill
		if err := json.Unmarshal(f.Data, &fill); err != nil {
			return nil, errors.Wrap(err, "fill frame")
		}
		fill.Symbol = symbol
		return fill, nil

	case MsgType_Order:
		var order domain.Order
		if err := json.Unmarshal(f.Data, &order); err != nil {
			return nil, errors.Wrap(err, "order frame")
		}
		if order.ID == "" {
			return nil, errors.New("order frame without id")
		}
		order.Symbol = symbol
		return order, nil

	case MsgType_Candle:
		var candle domain.Candle
		if err := json.Unmarshal(f.Data, &candle); err != nil {
			return nil, errors.Wrap(err, "candle frame")
		}
		if candle.Timeframe == "" {
			return nil, errors.New("candle frame without timeframe")
		}
		candle.Symbol = symbol
		return candle, nil

	case MsgType_Resync:
		var p resyncPayload
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &p); err != nil {
				return nil, errors.Wrap(err, "resync frame")
			}
		}
		return domain.Resync{Symbol: symbol, Reason: p.Reason}, nil
	}

	return nil, errors.Wrapf(ErrUnknownMessageType, "%q", f.Type)
}

// streamParams names a stream the way the relay expects it.
func streamParams(key domain.StreamKey) map[string]any {
	params := map[string]any{
		"symbol": key.Symbol.String(),
		"kind":   string(key.Kind),
	}
	if key.Timeframe != "" {
		params["timeframe"] = key.Timeframe
	}
	return params
}
