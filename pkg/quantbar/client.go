// Package quantbar is the Go client of the quantbar daemon.
package quantbar

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client queries a running daemon.
type Client struct {
	addr   string
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewClient creates a client for the daemon at addr. The connection is
// established lazily on the first call.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Status returns the serving status of service. The empty name is the
// daemon itself; job names are the source names plus "maincontract".
func (c *Client) Status(ctx context.Context, service string) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("health check %q at %s: %w", service, c.addr, err)
	}
	return resp.GetStatus().String(), nil
}

// Healthy reports whether service is SERVING.
func (c *Client) Healthy(ctx context.Context, service string) (bool, error) {
	status, err := c.Status(ctx, service)
	if err != nil {
		return false, err
	}
	return status == healthpb.HealthCheckResponse_SERVING.String(), nil
}
