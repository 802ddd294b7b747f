package health

import (
	"context"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServeGRPC serves hs on addr until ctx ends. It returns once the listener
// is bound; serving continues in the background.
func ServeGRPC(ctx context.Context, addr string, hs *health.Server) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health: listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("health: grpc serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	log.Printf("health: grpc health service listening on %s", lis.Addr())
	return lis.Addr(), nil
}
