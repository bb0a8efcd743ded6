package monitor

import (
	"context"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServeHealth serves the gRPC health service of s on addr until ctx is
// cancelled.
func ServeHealth(ctx context.Context, addr string, s *State) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serveHealth(ctx, lis, s)
}

func serveHealth(ctx context.Context, lis net.Listener, s *State) error {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, s.health)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("gRPC health server listening on %s", lis.Addr())
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		server.GracefulStop()
		<-errCh
		log.Printf("gRPC health server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("gRPC health server: %w", err)
	}
}
