package rpc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/marketstate-bridge/domain"
	"google.golang.org/grpc"
)

type SnapshotProvider interface {
	GetOrderBookSnapshot(ctx context.Context, symbol domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error)
}

type Watcher interface {
	StreamOrderBook(ctx context.Context, symbol domain.MarketSymbol, depth int) (*domain.Subscription[*domain.OrderBookSnapshot], error)
	RecentTrades(ctx context.Context, symbol domain.MarketSymbol, since int64, limit int) ([]domain.Trade, error)
}

type ServerConfig struct {
	HTTPAddr   string
	GRPCAddr   string
	Validation ValidationServiceConfig
}

// Server exposes the local market state over HTTP, websocket and grpc.
type Server struct {
	snapshots         SnapshotProvider
	watcher           Watcher
	validationService *ValidationService
	health            *HealthTracker
	upgrader          websocket.Upgrader

	conf       ServerConfig
	httpServer *http.Server
	grpcServer *grpc.Server
	log        *logrus.Entry
}

func NewServer(conf ServerConfig, snapshots SnapshotProvider, watcher Watcher, health *HealthTracker) *Server {
	s := &Server{
		snapshots:         snapshots,
		watcher:           watcher,
		validationService: NewValidationService(&conf.Validation),
		health:            health,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conf:       conf,
		grpcServer: grpc.NewServer(),
		log:        logrus.WithField("module", "rpc"),
	}

	health.Register(s.grpcServer)
	s.grpcServer.RegisterService(&marketDataServiceDesc, s)

	s.httpServer = &http.Server{
		Addr:              conf.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orderbook", s.handleOrderBook)
	mux.HandleFunc("GET /trades", s.handleTrades)
	mux.HandleFunc("GET /ws/orderbook", s.handleOrderBookStream)
	return healthCheck(mux)
}

func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Start binds both listeners and serves them in the background.
func (s *Server) Start() error {
	grpcListener, err := net.Listen("tcp", s.conf.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "grpc listen on %s", s.conf.GRPCAddr)
	}
	httpListener, err := net.Listen("tcp", s.conf.HTTPAddr)
	if err != nil {
		grpcListener.Close()
		return errors.Wrapf(err, "http listen on %s", s.conf.HTTPAddr)
	}

	go func() {
		s.log.WithField("addr", s.conf.GRPCAddr).Info("grpc server listening")
		if err := s.grpcServer.Serve(grpcListener); err != nil {
			s.log.WithError(err).Error("grpc server stopped")
		}
	}()
	go func() {
		s.log.WithField("addr", s.conf.HTTPAddr).Info("http server listening")
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	err := s.httpServer.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	return err
}

// healthCheck answers GET /health and passes everything else on.
func healthCheck(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok\n"))
			return
		}
		h.ServeHTTP(w, r)
	})
}
