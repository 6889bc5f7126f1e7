package stt

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCProbe checks a transcription backend through the standard gRPC health service
type GRPCProbe struct {
	addr    string
	service string
	timeout time.Duration
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
}

// NewGRPCProbe creates a probe for addr. The connection is established lazily
// on the first check. An empty service name checks the whole server.
func NewGRPCProbe(addr, service string, timeout time.Duration) (*GRPCProbe, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &GRPCProbe{
		addr:    addr,
		service: service,
		timeout: timeout,
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
	}, nil
}

// Check reports whether the backend is SERVING. It matches observability.HealthCheckFunc.
func (p *GRPCProbe) Check(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return false, fmt.Errorf("health check against %s failed: %w", p.addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Errorf("backend %s is %s", p.addr, resp.GetStatus())
	}
	return true, nil
}

// Close releases the connection
func (p *GRPCProbe) Close() error {
	return p.conn.Close()
}
