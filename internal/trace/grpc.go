// Package trace - gRPC server interceptor for trace extraction.
package trace

import (
	"context"
	stderrors "errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
)

// UnaryServerInterceptor restores the caller's trace from incoming metadata and converts
// AppError results into gRPC statuses with details attached.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = WithContext(ctx, extractMetadata(ctx))
		resp, err := handler(ctx, req)
		if err != nil {
			Logger(ctx).Debug("grpc call failed", "method", info.FullMethod, "error", err)
			var appErr *apperrors.AppError
			if stderrors.As(err, &appErr) {
				return resp, appErr.GRPCStatus().Err()
			}
		}
		return resp, err
	}
}

// extractMetadata reads trace keys from incoming gRPC metadata.
func extractMetadata(ctx context.Context) Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return New()
	}
	m := make(map[string]string, 2)
	for _, k := range []string{TraceIDKey, SpanIDKey} {
		if v := md.Get(k); len(v) > 0 {
			m[k] = v[0]
		}
	}
	return FromMap(m)
}
