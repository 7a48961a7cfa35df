package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// NewServer builds a gRPC server with tracing, request id propagation, access logging and
// panic recovery. Extra options are appended last.
func NewServer(logger *slog.Logger, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerLoggingInterceptor(logger),
		),
	}
	return grpc.NewServer(append(opts, extra...)...)
}

// RequestIDMetadataKey carries the request id in gRPC metadata.
const RequestIDMetadataKey = "x-request-id"

// UnaryServerRequestIDInterceptor reads the request id from incoming metadata, minting one
// when absent, and echoes it in the response headers. Handlers read it with
// httpx.RequestIDFromContext, the same as HTTP handlers.
func UnaryServerRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDMetadataKey); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDMetadataKey, id))
		return handler(httpx.ContextWithRequestID(ctx, id), req)
	}
}

// UnaryServerLoggingInterceptor logs each call and converts panics into codes.Internal.
func UnaryServerLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("grpc handler panic", "method", info.FullMethod, "panic", rec)
				err = status.Error(codes.Internal, "internal error")
			}
			logger.Debug("grpc request",
				"request_id", httpx.RequestIDFromContext(ctx),
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()
		return handler(ctx, req)
	}
}
