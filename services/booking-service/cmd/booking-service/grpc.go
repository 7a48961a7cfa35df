package main

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/bookingengine/libs/config"
	"github.com/md-rashed-zaman/bookingengine/libs/grpcx"
)

// startGrpcServer serves the standard health service so orchestrators can check the process
// over gRPC. The status flips to NOT_SERVING when shutdown begins.
func startGrpcServer(ctx context.Context, logger *slog.Logger) error {
	port, err := config.Port("GRPC_PORT", "9093")
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}

	srv := grpcx.NewServer(logger)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus("booking-service", healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		healthSrv.Shutdown()
		srv.GracefulStop()
	}()

	return nil
}
