package rpc

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spooky-finn/marketstate-bridge/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	MarketDataServiceName = "marketstate.MarketDataService"
	writeWait             = 10 * time.Second
)

type GetOrderBookSnapshotRequest struct {
	Market   string `json:"market"`
	MaxDepth int32  `json:"maxDepth"`
}

type MarketDataServiceServer interface {
	GetOrderBookSnapshot(ctx context.Context, in *GetOrderBookSnapshotRequest) (*domain.OrderBookSnapshot, error)
}

var marketDataServiceDesc = grpc.ServiceDesc{
	ServiceName: MarketDataServiceName,
	HandlerType: (*MarketDataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrderBookSnapshot", Handler: getOrderBookSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketstate.json",
}

func getOrderBookSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderBookSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + MarketDataServiceName + "/GetOrderBookSnapshot",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, req.(*GetOrderBookSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) GetOrderBookSnapshot(ctx context.Context, in *GetOrderBookSnapshotRequest) (*domain.OrderBookSnapshot, error) {
	symbol, err := s.validationService.ParseMarket(in.Market)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.validationService.ValidateDepth(int(in.MaxDepth)); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	snapshot, err := s.snapshots.GetOrderBookSnapshot(ctx, symbol, int(in.MaxDepth))
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return snapshot, nil
}

// GET /orderbook?market=btc_usdt&depth=10
func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol, depth, err := s.parseBookQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot, err := s.snapshots.GetOrderBookSnapshot(r.Context(), symbol, depth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GET /trades?market=btc_usdt&since=1700000000000&limit=50
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	symbol, err := s.validationService.ParseMarket(query.Get("market"))
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := intParam(query.Get("since"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(query.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	trades, err := s.watcher.RecentTrades(r.Context(), symbol, since, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GET /ws/orderbook?market=btc_usdt&depth=10 streams a view after every change of the book.
func (s *Server) handleOrderBookStream(w http.ResponseWriter, r *http.Request) {
	symbol, depth, err := s.parseBookQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.watcher.StreamOrderBook(ctx, symbol, depth)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer sub.Unsubscribe()

	log := s.log.WithField("topic", sub.Topic)
	log.Debug("stream opened")

	// reader only watches for the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var view *domain.OrderBookSnapshot
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.Stream:
			if !ok {
				return
			}
			view = v
		}

		payload, err := json.Marshal(view)
		if err != nil {
			log.WithError(err).Error("failed to encode view")
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.WithError(err).Debug("stream closed by client")
			return
		}
	}
}

func (s *Server) parseBookQuery(r *http.Request) (domain.MarketSymbol, int, error) {
	query := r.URL.Query()
	symbol, err := s.validationService.ParseMarket(query.Get("market"))
	if err != nil {
		return domain.MarketSymbol{}, 0, err
	}
	depth, err := intParam(query.Get("depth"))
	if err != nil {
		return domain.MarketSymbol{}, 0, err
	}
	if err := s.validationService.ValidateDepth(int(depth)); err != nil {
		return domain.MarketSymbol{}, 0, err
	}
	return symbol, int(depth), nil
}

func intParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.Wrapf(ErrInvalidParam, "%q", raw)
	}
	return v, nil
}

var ErrInvalidParam = errors.New("invalid query parameter")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{Error: err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedMarket), errors.Is(err, ErrInvalidDepth), errors.Is(err, ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderBookNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsRetriable(err), errors.Is(err, domain.ErrSnapshotUnavailable), errors.Is(err, domain.ErrStreamClosed):
		return http.StatusServiceUnavailable
	case domain.IsPermanent(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func grpcCode(err error) codes.Code {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusBadGateway:
		return codes.FailedPrecondition
	}
	return codes.Internal
}
