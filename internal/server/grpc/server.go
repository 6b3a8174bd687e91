// Package grpc serves the operational gRPC endpoint: the standard health
// service, reflecting whether the sync store is reachable.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SyncService is the health service name reported for the sync endpoint.
const SyncService = "gophsync.Sync"

const defaultProbeInterval = 10 * time.Second

// Pinger checks a dependency the sync endpoint cannot work without.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthServer struct {
	address       string
	pinger        Pinger
	health        *health.Server
	logger        logging.Logger
	accessSecret  []byte
	probeInterval time.Duration
}

// NewHealthServer builds the server. A non-empty secret requires an access
// key on every call except the plain health check.
func NewHealthServer(a string, p Pinger, l logging.Logger, secretKey string) *HealthServer {
	s := &HealthServer{
		address:       a,
		pinger:        p,
		health:        health.NewServer(),
		logger:        l.With("module", "grpc_server"),
		probeInterval: defaultProbeInterval,
	}
	if secretKey != "" {
		s.accessSecret = []byte(secretKey)
	}
	return s
}

func (s *HealthServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	// creates gRPC-server
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.accessKeyInterceptor),
		grpc.ChainStreamInterceptor(s.accessKeyStreamInterceptor),
	)

	// registers service
	healthpb.RegisterHealthServer(srv, s.health)

	s.probe(ctx)
	go s.watch(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gPRC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

func (s *HealthServer) watch(ctx context.Context) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe updates both the overall and the sync service status.
func (s *HealthServer) probe(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, s.probeInterval)
		err := s.pinger.Ping(pctx)
		cancel()
		if err != nil {
			s.logger.Warn(ctx, "store unreachable", "err", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(SyncService, status)
}
