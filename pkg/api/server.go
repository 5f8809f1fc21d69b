package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the management service.
const ServiceName = "hive.v1.HiveAPI"

// HiveAPIServer is the management service. Requests and responses are
// protobuf Structs carrying the JSON form of the driver types.
type HiveAPIServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListNodes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListJobs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SuspendJob(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ResumeJob(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StreamEvents(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes HiveAPI for grpc.Server.RegisterService and for
// client streams.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HiveAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSnapshot", newEmpty, HiveAPIServer.GetSnapshot),
		unary("ListNodes", newEmpty, HiveAPIServer.ListNodes),
		unary("ListJobs", newEmpty, HiveAPIServer.ListJobs),
		unary("GetJob", newStruct, HiveAPIServer.GetJob),
		unary("ListEvents", newStruct, HiveAPIServer.ListEvents),
		unary("SubmitJob", newStruct, HiveAPIServer.SubmitJob),
		unary("CancelJob", newStruct, HiveAPIServer.CancelJob),
		unary("SuspendJob", newStruct, HiveAPIServer.SuspendJob),
		unary("ResumeJob", newStruct, HiveAPIServer.ResumeJob),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(HiveAPIServer).StreamEvents(in, stream)
			},
		},
	},
	Metadata: "hive/v1/api.proto",
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

// FullMethod returns the gRPC path of a HiveAPI method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(HiveAPIServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HiveAPIServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(HiveAPIServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server implements the HiveAPI gRPC service
type Server struct {
	driver Driver
	grpc   *grpc.Server
	unix   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewServer creates a new API server
func NewServer(d Driver) *Server {
	s := &Server{
		driver: d,
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(MetricsInterceptor())),
		unix: grpc.NewServer(grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			ReadOnlyInterceptor(),
		)),
		health: health.NewServer(),
		logger: log.WithComponent("api"),
	}
	for _, g := range []*grpc.Server{s.grpc, s.unix} {
		g.RegisterService(&ServiceDesc, s)
		registerHealth(g, s.health)
	}
	return s
}

// Start serves the full API on a TCP address until Stop.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves the full API on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// StartUnix serves the read-only API on a Unix socket until Stop.
func (s *Server) StartUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		lis.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return s.ServeReadOnly(lis)
}

// ServeReadOnly serves the read-only API on an existing listener.
func (s *Server) ServeReadOnly(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Read-only gRPC API listening")
	return s.unix.Serve(lis)
}

// Stop gracefully stops both listeners
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.unix.GracefulStop()
}

// GetSnapshot returns the full driver snapshot
func (s *Server) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toResponse(s.driver.Snapshot())
}

// ListNodes returns the connected nodes
func (s *Server) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toResponse(map[string]any{"nodes": s.driver.Snapshot().Nodes})
}

// ListJobs returns the active jobs
func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toResponse(map[string]any{"jobs": s.driver.Snapshot().Jobs})
}

// GetJob returns a job with its results
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "uuid")
	job, ok := s.driver.Job(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %q not found", id)
	}
	return toResponse(NewJobDetail(job))
}

// ListEvents returns recent events of one type
func (s *Server) ListEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	typ := stringField(req, "type")
	if typ == "" {
		return nil, status.Error(codes.InvalidArgument, "event type is required")
	}
	limit := 0
	if v, ok := req.GetFields()["limit"]; ok {
		limit = int(v.GetNumberValue())
	}
	recent := s.driver.Broker().Recent(events.EventType(typ), limit)
	out := make([]EventInfo, len(recent))
	for i, e := range recent {
		out[i] = newEventInfo(e)
	}
	return toResponse(map[string]any{"events": out})
}

// SubmitJob queues a job built from a SubmitRequest
func (s *Server) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var submit SubmitRequest
	if err := FromStruct(req, &submit); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
	}
	job, err := submit.Job()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.driver.Submit(job); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to submit job: %v", err)
	}
	return toResponse(map[string]any{"uuid": job.UUID})
}

// CancelJob cancels a job
func (s *Server) CancelJob(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return jobAction(s.driver.Cancel(stringField(req, "uuid")))
}

// SuspendJob holds the dispatching of a job
func (s *Server) SuspendJob(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return jobAction(s.driver.Suspend(stringField(req, "uuid"), true))
}

// ResumeJob resumes a suspended job
func (s *Server) ResumeJob(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return jobAction(s.driver.Suspend(stringField(req, "uuid"), false))
}

// StreamEvents sends broker events as they are published, optionally
// filtered by type, until the client goes away.
func (s *Server) StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	filter := events.EventType(stringField(req, "type"))
	broker := s.driver.Broker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			if filter != "" && e.Type != filter {
				continue
			}
			msg, err := ToStruct(newEventInfo(e))
			if err != nil {
				return status.Errorf(codes.Internal, "failed to encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func toResponse(v any) (*structpb.Struct, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return s, nil
}

func jobAction(err error) (*emptypb.Empty, error) {
	switch {
	case err == nil:
		return &emptypb.Empty{}, nil
	case errors.Is(err, driver.ErrJobNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}
