package api

import (
	"context"
	"strings"

	"github.com/cuemby/hive/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// This is used for the Unix socket listener so that local tools can inspect a
// driver without being able to submit or cancel jobs.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"write operations not allowed on the read-only socket - use the TCP API address",
			)
		}
		return handler(ctx, req)
	}
}

// MetricsInterceptor counts and times unary calls.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		method := methodName(info.FullMethod)

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// methodName extracts the method from a full path,
// e.g. "/hive.v1.HiveAPI/ListJobs" -> "ListJobs".
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	if !strings.Contains(method, "/") {
		return false
	}
	name := methodName(method)

	readOnlyPrefixes := []string{
		"List",
		"Get",
		"Watch",
		"Stream",
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	// Health checks come through the same interceptor chain.
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}
