package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// ServiceName is the health service reported for the capture pipeline.
const ServiceName = "watchtower.Pipeline"

// Health reports pipeline liveness over the standard gRPC health protocol.
type Health struct {
	pipe Pipeline
	hs   *health.Server
	srv  *grpc.Server
}

// NewHealth builds a gRPC server carrying only the health service.
func NewHealth(pipe Pipeline) *Health {
	hs := health.NewServer()
	srv := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	healthpb.RegisterHealthServer(srv, hs)

	h := &Health{pipe: pipe, hs: hs, srv: srv}
	h.refresh()
	return h
}

// GRPC returns the underlying server for Serve and GracefulStop.
func (h *Health) GRPC() *grpc.Server { return h.srv }

// Run keeps the serving status in step with the capture loop until ctx ends,
// then marks everything NOT_SERVING.
func (h *Health) Run(ctx context.Context) error {
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return nil
		case <-ticker.C:
			h.refresh()
		}
	}
}

func (h *Health) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.pipe.Stats().Running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus(ServiceName, status)
	h.hs.SetServingStatus("", status)
}
