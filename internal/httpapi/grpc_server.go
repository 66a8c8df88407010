package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"planvault/internal/obs"
)

// GRPCServer exposes the standard gRPC health service backed by the same
// readiness probe as /readyz, so orchestrators can watch either surface.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
	probe  ReadyProbe
	cancel context.CancelFunc
}

// NewGRPCServer creates the gRPC wrapper around the readiness probe.
func NewGRPCServer(probe ReadyProbe) *GRPCServer {
	g := &GRPCServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		probe:  probe,
	}
	healthpb.RegisterHealthServer(g.srv, g.health)
	return g
}

// Serve starts the health status refresher and blocks serving the listener.
func (g *GRPCServer) Serve(lis net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.refresh(ctx)
	return g.srv.Serve(lis)
}

// GracefulStop drains in-flight RPCs and stops the refresher.
func (g *GRPCServer) GracefulStop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.srv.GracefulStop()
}

func (g *GRPCServer) refresh(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	g.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.update(ctx)
		}
	}
}

func (g *GRPCServer) update(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := g.probe.Check(checkCtx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	g.health.SetServingStatus(serviceName, status)
	g.health.SetServingStatus("", status)
}
