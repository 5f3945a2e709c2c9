package usecase

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/config"
	"github.com/spooky-finn/marketstate-bridge/domain"
	"github.com/spooky-finn/marketstate-bridge/helpers"
	promclient "github.com/spooky-finn/marketstate-bridge/infrastructure/prometheus"
)

// Subscriber opens and closes streams on the transport feeding a session.
type Subscriber interface {
	Subscribe(ctx context.Context, key domain.StreamKey) error
	Unsubscribe(ctx context.Context, key domain.StreamKey) error
}

type SessionLimits struct {
	Trades         int
	Fills          int
	Orders         int
	Candles        int
	PendingUpdates int
}

func DefaultSessionLimits() SessionLimits {
	return SessionLimits{
		Trades:         1000,
		Fills:          1000,
		Orders:         1000,
		Candles:        1000,
		PendingUpdates: domain.DefaultPendingLimit,
	}
}

type controlOp int

const (
	controlOp_Subscribe controlOp = iota
	controlOp_Resubscribe
	controlOp_Unsubscribe
)

type controlEvent struct {
	op     controlOp
	key    domain.StreamKey
	result chan error
}

// StreamSession is the single consumer of one connection. Push messages and subscription
// changes are handled by one goroutine strictly in arrival order.
type StreamSession struct {
	registry   *domain.StreamRegistry
	maintainer *domain.OrderbookMaintainer
	notifier   *domain.Notifier
	subscriber Subscriber
	limits     SessionLimits

	// owned by the Run goroutine
	active map[domain.StreamKey]struct{}

	control chan controlEvent
	done    chan struct{}
	log     *logrus.Entry
}

func NewStreamSession(
	registry *domain.StreamRegistry,
	maintainer *domain.OrderbookMaintainer,
	notifier *domain.Notifier,
	subscriber Subscriber,
	limits SessionLimits,
) *StreamSession {
	return &StreamSession{
		registry:   registry,
		maintainer: maintainer,
		notifier:   notifier,
		subscriber: subscriber,
		limits:     limits,
		active:     make(map[domain.StreamKey]struct{}),
		control:    make(chan controlEvent),
		done:       make(chan struct{}),
		log:        logrus.WithField("module", "stream-session"),
	}
}

// Run consumes messages until ctx is done or messages is closed.
func (s *StreamSession) Run(ctx context.Context, messages <-chan domain.Message) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.control:
			ev.result <- s.handleControl(ctx, ev)
		case msg, ok := <-messages:
			if !ok {
				s.log.Info("message stream closed, session stopped")
				return
			}
			s.handleMessage(msg)
		}
	}
}

// Subscribe opens the stream for key unless it is already open.
func (s *StreamSession) Subscribe(ctx context.Context, key domain.StreamKey) error {
	return s.send(ctx, controlOp_Subscribe, key)
}

// Resubscribe sends the subscription again. An order book is reset and synchronized from scratch.
func (s *StreamSession) Resubscribe(ctx context.Context, key domain.StreamKey) error {
	return s.send(ctx, controlOp_Resubscribe, key)
}

// Unsubscribe closes the stream and drops its container.
func (s *StreamSession) Unsubscribe(ctx context.Context, key domain.StreamKey) error {
	return s.send(ctx, controlOp_Unsubscribe, key)
}

func (s *StreamSession) send(ctx context.Context, op controlOp, key domain.StreamKey) error {
	ev := controlEvent{op: op, key: key, result: make(chan error, 1)}

	select {
	case s.control <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrStreamClosed
	}

	select {
	case err := <-ev.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StreamSession) handleControl(ctx context.Context, ev controlEvent) error {
	entry := s.log.WithField("stream", ev.key.String())

	switch ev.op {
	case controlOp_Subscribe, controlOp_Resubscribe:
		_, alreadyActive := s.active[ev.key]
		if alreadyActive && ev.op == controlOp_Subscribe {
			return nil
		}

		if ev.key.Kind == domain.StreamKind_OrderBook {
			_, created, err := s.registry.GetOrCreateOrderBook(ev.key.Symbol, s.limits.PendingUpdates)
			if err != nil {
				return err
			}
			if created {
				s.updateStreamGauge(ev.key.Kind)
			} else {
				s.maintainer.Reset(ev.key.Symbol, nil)
			}
		}

		if err := s.subscriber.Subscribe(ctx, ev.key); err != nil {
			entry.WithError(err).Error("subscribe failed")
			return err
		}
		s.active[ev.key] = struct{}{}
		entry.Info("subscribed")
		return nil

	case controlOp_Unsubscribe:
		if _, ok := s.active[ev.key]; !ok {
			return nil
		}
		delete(s.active, ev.key)

		err := s.subscriber.Unsubscribe(ctx, ev.key)
		if err != nil {
			entry.WithError(err).Warn("unsubscribe failed, dropping the stream anyway")
		}
		var removed bool
		if ev.key.Kind == domain.StreamKind_OrderBook {
			removed = s.maintainer.Remove(ev.key.Symbol)
		} else {
			removed = s.registry.Remove(ev.key)
		}
		if removed {
			s.updateStreamGauge(ev.key.Kind)
		}
		s.notifier.Reject(ev.key, domain.ErrStreamClosed)
		entry.Info("unsubscribed")
		return err
	}
	return nil
}

func (s *StreamSession) handleMessage(msg domain.Message) {
	if config.DebugMode {
		s.log.WithField("type", fmt.Sprintf("%T", msg)).Debug(helpers.ToJsonString(msg))
	}

	switch m := msg.(type) {
	case *domain.OrderBookUpdate:
		s.countMessage("orderbook_update")
		if err := s.maintainer.ApplyDelta(m); err != nil {
			s.log.WithError(err).WithField("symbol", m.Symbol.String()).Warn("order book delta rejected")
		}

	case *domain.OrderBookSnapshot:
		s.countMessage("orderbook_snapshot")
		s.maintainer.ApplySnapshot(m)

	case domain.Trade:
		s.countMessage("trade")
		trades, created, err := s.registry.GetOrCreateTrades(m.Symbol, s.limits.Trades)
		if err != nil {
			s.log.WithError(err).Error("trades cache unavailable")
			return
		}
		if created {
			s.updateStreamGauge(domain.StreamKind_Trades)
		}
		trades.Append(m)
		s.resolve(domain.TradesKey(m.Symbol))

	case domain.Fill:
		s.countMessage("fill")
		fills, created, err := s.registry.GetOrCreateFills(m.Symbol, s.limits.Fills)
		if err != nil {
			s.log.WithError(err).Error("fills cache unavailable")
			return
		}
		if created {
			s.updateStreamGauge(domain.StreamKind_Fills)
		}
		fills.Append(m)
		s.resolve(domain.FillsKey(m.Symbol))

	case domain.Order:
		s.countMessage("order")
		orders, created, err := s.registry.GetOrCreateOrders(m.Symbol, s.limits.Orders)
		if err != nil {
			s.log.WithError(err).Error("orders cache unavailable")
			return
		}
		if created {
			s.updateStreamGauge(domain.StreamKind_Orders)
		}
		orders.Upsert(m.ID, m)
		s.resolve(domain.OrdersKey(m.Symbol))

	case domain.Candle:
		s.countMessage("candle")
		candles, created, err := s.registry.GetOrCreateCandles(m.Symbol, m.Timeframe, s.limits.Candles)
		if err != nil {
			s.log.WithError(err).Error("candles cache unavailable")
			return
		}
		if created {
			s.updateStreamGauge(domain.StreamKind_Candles)
		}
		candles.Upsert(m.Timestamp, m)
		s.resolve(domain.CandlesKey(m.Symbol, m.Timeframe))

	case domain.Resync:
		s.countMessage("resync")
		s.log.WithField("symbol", m.Symbol.String()).WithField("reason", m.Reason).Warn("exchange requested resync")
		s.maintainer.Reset(m.Symbol, domain.ErrDesync)

	case domain.Disconnect:
		s.countMessage("disconnect")
		s.handleDisconnect(m)

	default:
		s.log.Warnf("unexpected message %T", msg)
	}
}

// handleDisconnect resets every book so it resyncs once the transport is back,
// and drops every other container since its history has a gap now.
func (s *StreamSession) handleDisconnect(m domain.Disconnect) {
	entry := s.log
	if m.Err != nil {
		entry = entry.WithError(m.Err)
	}
	entry.Warn("transport disconnected, resetting streams")

	for _, key := range s.registry.Keys("") {
		if key.Kind == domain.StreamKind_OrderBook {
			s.maintainer.Reset(key.Symbol, nil)
			continue
		}
		if s.registry.Remove(key) {
			s.notifier.Reject(key, domain.ErrStreamClosed)
		}
	}

	for _, kind := range domain.StreamKinds {
		s.updateStreamGauge(kind)
	}
}

func (s *StreamSession) resolve(key domain.StreamKey) {
	if config.DebugMode {
		s.log.WithField("stream", key.String()).Debug("stream updated")
	}
	s.notifier.Resolve(key)
}

func (s *StreamSession) countMessage(kind string) {
	promclient.ProcessedMessagesCounter.WithLabelValues(kind).Inc()
}

func (s *StreamSession) updateStreamGauge(kind domain.StreamKind) {
	promclient.OpenStreamsGauge.WithLabelValues(string(kind)).Set(float64(s.registry.Count(kind)))
}
