package grpc

import (
	"context"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// healthCheckMethod stays open so that probes need no credentials.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

func (s *HealthServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug(ctx, "handled", "method", info.FullMethod, "duration", time.Since(start), "code", status.Code(err).String())
	return resp, err
}

func (s *HealthServer) accessKeyInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if info.FullMethod != healthCheckMethod {
		if err := s.checkAccessKey(ctx); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

func (s *HealthServer) accessKeyStreamInterceptor(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.checkAccessKey(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (s *HealthServer) checkAccessKey(ctx context.Context) error {
	if s.accessSecret == nil {
		return nil
	}

	var accessKey string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(strings.ToLower(common.AuthorizationHeader))
		if len(values) > 0 {
			accessKey = strings.TrimSpace(strings.TrimPrefix(values[0], common.BearerPrefix))
		}
	}
	if len(accessKey) == 0 {
		return status.Error(codes.Unauthenticated, "missing access key")
	}

	if _, err := auth.GetHolderFromToken(accessKey, s.accessSecret); err != nil {
		return status.Error(codes.Unauthenticated, "invalid access key")
	}
	return nil
}
