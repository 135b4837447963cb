// Package grpcclient checks a running watchtower over the gRPC health protocol
package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/resilience"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// Client wraps the health service client
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New creates a client for addr. Extra dial options are appended, which tests
// use to swap in an in-memory transport.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
		grpc.WithUnaryInterceptor(traceInterceptor),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Unavailable, "dial %s", addr)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// traceInterceptor forwards the caller's trace so server logs line up.
func traceInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	ctx, tc := trace.EnsureContext(ctx)
	for k, v := range tc.ToMap() {
		ctx = metadata.AppendToOutgoingContext(ctx, k, v)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// Check asks for the status of service once. A service that answers but is
// not serving is reported as UNAVAILABLE.
func (c *Client) Check(ctx context.Context, service string) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return apperrors.FromGRPCError(err)
	}
	if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
		return apperrors.Newf(apperrors.Unavailable, "%s is %s", service, s)
	}
	return nil
}

// WaitServing retries Check with backoff until the service serves or the
// retry budget runs out.
func (c *Client) WaitServing(ctx context.Context, service string, cfg resilience.RetryConfig) error {
	log := trace.Logger(ctx)
	if cfg.Op == "" {
		cfg.Op = "health " + service
	}
	return resilience.Retry(ctx, cfg, func() error {
		err := c.Check(ctx, service)
		if err != nil {
			log.Debug("health check failed", "service", service, "error", err)
		}
		return err
	})
}
