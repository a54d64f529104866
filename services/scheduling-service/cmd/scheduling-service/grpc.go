package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/md-rashed-zaman/imescheduling/libs/config"
	"github.com/md-rashed-zaman/imescheduling/libs/grpcx"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// startGrpcServer exposes the gRPC health service so mesh probes can watch the
// scheduling core. It returns a stop func that drains in-flight calls.
func startGrpcServer(ctx context.Context, logger *slog.Logger) (func(), error) {
	port, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, err
	}

	srv, hs := grpcx.NewServer(logger)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	return func() {
		hs.Shutdown()
		srv.GracefulStop()
	}, nil
}
