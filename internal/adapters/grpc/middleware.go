package grpc

import (
	"context"
	"strings"
	"time"

	"ordersaga/internal/observability"

	"github.com/rs/zerolog"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Limiter blocks until a call may proceed.
type Limiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpcpkg.ServerStream
	limiter Limiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter Limiter, metrics *observability.Metrics, logger zerolog.Logger) grpcpkg.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpcpkg.UnaryServerInfo, handler grpcpkg.UnaryHandler) (any, error) {
		start := time.Now()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				observe(metrics, logger, info.FullMethod, start, err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		observe(metrics, logger, info.FullMethod, start, err)
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter Limiter, metrics *observability.Metrics, logger zerolog.Logger) grpcpkg.StreamServerInterceptor {
	return func(srv any, stream grpcpkg.ServerStream, info *grpcpkg.StreamServerInfo, handler grpcpkg.StreamHandler) error {
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		observe(metrics, logger, info.FullMethod, start, err)
		return err
	}
}

func observe(metrics *observability.Metrics, logger zerolog.Logger, method string, start time.Time, err error) {
	if !shouldTrackMethod(method) {
		return
	}
	metrics.ObserveGRPC(method, status.Code(err).String())
	if err != nil {
		logger.Warn().Err(err).Str("method", method).Dur("elapsed", time.Since(start)).Msg("grpc call failed")
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
