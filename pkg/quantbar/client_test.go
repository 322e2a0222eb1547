package quantbar

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestClientStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("okx", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	go gs.Serve(ln)
	defer gs.Stop()

	c, err := NewClient(ln.Addr().String())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.Healthy(ctx, "")
	if err != nil || !ok {
		t.Errorf("Healthy(\"\") = %v, %v; want true", ok, err)
	}
	status, err := c.Status(ctx, "okx")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "NOT_SERVING" {
		t.Errorf("status = %q, want NOT_SERVING", status)
	}
	if _, err := c.Status(ctx, "unknown"); err == nil {
		t.Error("expected NotFound for unknown service")
	}
}
