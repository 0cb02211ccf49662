package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"tripsaga/internal/observability"

	"google.golang.org/grpc"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// instrumentHTTP rate limits requests and records a span per matched route. Unmatched
// requests are limited but not tracked.
func instrumentHTTP(next http.Handler, route func(*http.Request) string, limiter rateLimiter, metrics *observability.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := &observability.CallSpan{}
		pattern := ""
		if route != nil {
			pattern = route(r)
		}
		if metrics != nil && pattern != "" {
			span = metrics.Start(pattern)
		}
		if limiter != nil {
			if err := limiter.Wait(r.Context()); err != nil {
				span.End(err)
				http.Error(w, "rate limit wait aborted", http.StatusServiceUnavailable)
				return
			}
		}
		next.ServeHTTP(w, r)
		span.End(nil)
	})
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Printf("grpc unary %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
