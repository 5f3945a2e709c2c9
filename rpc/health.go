package rpc

import (
	"context"

	"github.com/spooky-finn/marketstate-bridge/domain"
	"google.golang.org/grpc"
	healthgrpc "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthTracker publishes one grpc health service per order book, named orderbook/<market>.
// It is a domain.SyncObserver so the maintainer drives it directly.
type HealthTracker struct {
	server *healthgrpc.Server
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		server: healthgrpc.NewServer(),
	}
}

func OrderBookServiceName(symbol domain.MarketSymbol) string {
	return "orderbook/" + symbol.String()
}

func (h *HealthTracker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

func (h *HealthTracker) Check(service string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.Status
}

// Shutdown sets all serving status to NOT_SERVING.
func (h *HealthTracker) Shutdown() {
	h.server.Shutdown()
}

func (h *HealthTracker) OrderBookStatusChanged(symbol domain.MarketSymbol, status domain.SyncStatus, _ error) {
	if status == domain.SyncStatus_Steady {
		h.server.SetServingStatus(OrderBookServiceName(symbol), healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.server.SetServingStatus(OrderBookServiceName(symbol), healthpb.HealthCheckResponse_NOT_SERVING)
}

func (h *HealthTracker) SnapshotFetchFailed(symbol domain.MarketSymbol, _ error) {
	h.server.SetServingStatus(OrderBookServiceName(symbol), healthpb.HealthCheckResponse_NOT_SERVING)
}

func (h *HealthTracker) PendingUpdateDropped(domain.MarketSymbol) {}
