package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/recws-org/recws"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/config"
	"github.com/spooky-finn/marketstate-bridge/domain"
)

const (
	pingDelay        = time.Minute * 9
	reconnectPollGap = 100 * time.Millisecond
)

var logger = logrus.WithField("module", "feed")

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	KeepAliveTimeout time.Duration
	RequestTimeout   time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	// Buffer is the capacity of the outgoing message channel.
	Buffer  int
	Verbose bool
}

func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: 5 * time.Second,
		KeepAliveTimeout: pingDelay,
		RequestTimeout:   10 * time.Second,
		ReconnectMin:     2 * time.Second,
		ReconnectMax:     30 * time.Second,
		Buffer:           256,
	}
}

// StreamClient keeps one reconnecting websocket to the relay. Push frames become domain messages,
// response frames are matched to the request that is waiting for them.
type StreamClient struct {
	opts     Options
	conn     *recws.RecConn
	messages chan domain.Message

	pending map[string]chan *inboundFrame
	active  map[domain.StreamKey]struct{}
	mu      sync.Mutex

	writeMutex sync.Mutex
}

func NewStreamClient(opts Options) *StreamClient {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &StreamClient{
		opts:     opts,
		messages: make(chan domain.Message, opts.Buffer),
		pending:  make(map[string]chan *inboundFrame),
		active:   make(map[domain.StreamKey]struct{}),
	}
}

// Connect dials the relay and starts the read loop. The loop owns the messages channel and closes it
// once ctx is done.
func (c *StreamClient) Connect(ctx context.Context) {
	conn := &recws.RecConn{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		KeepAliveTimeout: c.opts.KeepAliveTimeout,
		RecIntvlMin:      c.opts.ReconnectMin,
		RecIntvlMax:      c.opts.ReconnectMax,
		NonVerbose:       !c.opts.Verbose,
	}

	logger.WithField("url", c.opts.URL).Info("connecting to the relay")
	conn.Dial(c.opts.URL, nil)
	c.conn = conn

	go c.read(ctx)
}

func (c *StreamClient) Messages() <-chan domain.Message {
	return c.messages
}

// Subscribe records the stream as active and asks the relay for it. Active streams are requested
// again after every reconnect, so a subscribe issued while offline is not lost.
func (c *StreamClient) Subscribe(ctx context.Context, key domain.StreamKey) error {
	c.mu.Lock()
	c.active[key] = struct{}{}
	c.mu.Unlock()

	if !c.connected() {
		logger.WithField("stream", key.String()).Warn("relay is offline, subscription deferred")
		return nil
	}
	return c.send("subscribe", streamParams(key))
}

func (c *StreamClient) Unsubscribe(ctx context.Context, key domain.StreamKey) error {
	c.mu.Lock()
	delete(c.active, key)
	c.mu.Unlock()

	if !c.connected() {
		return nil
	}
	return c.send("unsubscribe", streamParams(key))
}

// Request sends a request frame and blocks until the matching response arrives.
func (c *StreamClient) Request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if !c.connected() {
		return nil, &RelayError{Code: ErrCode_Disconnected, Message: "relay is offline"}
	}

	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan *inboundFrame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(WebSocketRequestModel{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s response", method)
	}
}

func (c *StreamClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *StreamClient) connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// send writes a request whose acknowledgement is only logged.
func (c *StreamClient) send(method string, params map[string]any) error {
	return c.write(WebSocketRequestModel{ID: uuid.NewString(), Method: method, Params: params})
}

func (c *StreamClient) write(req WebSocketRequestModel) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := c.conn.WriteJSON(req); err != nil {
		return errors.Wrapf(err, "failed to send %s request", req.Method)
	}
	return nil
}

func (c *StreamClient) read(ctx context.Context) {
	defer close(c.messages)

	// the first successful dial is not a reconnect
	disconnected := true
	firstConnect := true

	for ctx.Err() == nil {
		if !c.conn.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectPollGap):
			}
			continue
		}

		if disconnected {
			disconnected = false
			if !firstConnect {
				logger.Info("reconnected to the relay")
			}
			firstConnect = false
			c.resubscribe()
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("relay connection lost")
			disconnected = true
			c.failPending(err)
			if !c.emit(ctx, domain.Disconnect{Err: err}) {
				return
			}
			continue
		}

		c.handleFrame(ctx, raw)
	}
}

func (c *StreamClient) handleFrame(ctx context.Context, raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		logger.WithError(err).Error("dropping frame")
		return
	}

	if frame.isResponse() {
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		c.mu.Unlock()

		if ok {
			select {
			case ch <- frame:
			default:
			}
		} else if frame.Error != nil {
			logger.WithError(frame.Error).WithField("id", frame.ID).Warn("relay rejected request")
		} else if config.DebugMode {
			logger.WithField("id", frame.ID).Debug("receive ack")
		}
		return
	}

	msg, err := frame.message()
	if err != nil {
		logger.WithError(err).Error("dropping frame")
		return
	}
	c.emit(ctx, msg)
}

func (c *StreamClient) emit(ctx context.Context, msg domain.Message) bool {
	select {
	case c.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *StreamClient) resubscribe() {
	c.mu.Lock()
	keys := make([]domain.StreamKey, 0, len(c.active))
	for key := range c.active {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.send("subscribe", streamParams(key)); err != nil {
			logger.WithError(err).WithField("stream", key.String()).Error("failed to resubscribe")
		}
	}
}

// failPending answers every waiting request so callers do not sit out their timeout.
func (c *StreamClient) failPending(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		select {
		case ch <- &inboundFrame{ID: id, Error: &RelayError{Code: ErrCode_Disconnected, Message: cause.Error()}}:
		default:
		}
	}
}
