package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type testServer struct {
	driver   *fakeDriver
	server   *Server
	conn     *grpc.ClientConn
	readOnly *grpc.ClientConn
}

func dialBuffer(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{driver: newFakeDriver()}
	ts.server = NewServer(ts.driver)

	full := bufconn.Listen(1 << 20)
	ro := bufconn.Listen(1 << 20)
	go func() { _ = ts.server.Serve(full) }()
	go func() { _ = ts.server.ServeReadOnly(ro) }()
	t.Cleanup(func() {
		ts.server.Stop()
		ts.driver.broker.Stop()
	})

	ts.conn = dialBuffer(t, full)
	ts.readOnly = dialBuffer(t, ro)
	return ts
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, FullMethod(method), in, out)
}

func structOf(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	s, err := ToStruct(v)
	require.NoError(t, err)
	return s
}

func TestGetSnapshot(t *testing.T) {
	ts := newTestServer(t)
	job := ts.driver.add("render", "echo", "echo")

	out := new(structpb.Struct)
	require.NoError(t, invoke(t, ts.conn, "GetSnapshot", &emptypb.Empty{}, out))

	var snap driver.Snapshot
	require.NoError(t, FromStruct(out, &snap))
	assert.Equal(t, "driver-1", snap.DriverUUID)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, 1500*time.Millisecond, snap.Nodes[0].MeanRTT)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, job.UUID, snap.Jobs[0].UUID)
	assert.Equal(t, 2, snap.Jobs[0].Pending)
}

func TestSubmitAndGetJob(t *testing.T) {
	ts := newTestServer(t)

	req := SubmitRequest{
		Name:     "grid",
		Priority: 3,
		Tasks:    []TaskSpec{{Kind: "echo", Payload: "a"}, {Kind: "echo", DependsOn: []int{0}}},
	}
	out := new(structpb.Struct)
	require.NoError(t, invoke(t, ts.conn, "SubmitJob", structOf(t, req), out))
	id := out.GetFields()["uuid"].GetStringValue()
	require.NotEmpty(t, id)

	job, ok := ts.driver.Job(id)
	require.True(t, ok)
	assert.Equal(t, 3, job.SLA.Priority)
	assert.Equal(t, 2, job.TaskCount())

	got := new(structpb.Struct)
	require.NoError(t, invoke(t, ts.conn, "GetJob", structOf(t, map[string]string{"uuid": id}), got))
	var detail JobDetail
	require.NoError(t, FromStruct(got, &detail))
	assert.Equal(t, "grid", detail.Name)
	assert.False(t, detail.Done)
}

func TestSubmitInvalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "no tasks", req: SubmitRequest{Name: "empty"}},
		{name: "no kind", req: SubmitRequest{Tasks: []TaskSpec{{}}}},
		{name: "self dependency", req: SubmitRequest{Tasks: []TaskSpec{{Kind: "x", DependsOn: []int{0}}}}},
		{name: "bad timeout", req: SubmitRequest{DispatchTimeout: "soon", Tasks: []TaskSpec{{Kind: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoke(t, ts.conn, "SubmitJob", structOf(t, tt.req), new(structpb.Struct))
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestJobActions(t *testing.T) {
	ts := newTestServer(t)
	job := ts.driver.add("held", "echo")
	ref := structOf(t, map[string]string{"uuid": job.UUID})

	require.NoError(t, invoke(t, ts.conn, "SuspendJob", ref, new(emptypb.Empty)))
	assert.True(t, job.IsSuspended())
	require.NoError(t, invoke(t, ts.conn, "ResumeJob", ref, new(emptypb.Empty)))
	assert.False(t, job.IsSuspended())
	require.NoError(t, invoke(t, ts.conn, "CancelJob", ref, new(emptypb.Empty)))
	assert.True(t, job.IsCancelled())

	missing := structOf(t, map[string]string{"uuid": "nope"})
	for _, method := range []string{"GetJob", "CancelJob", "SuspendJob", "ResumeJob"} {
		var out any = new(emptypb.Empty)
		if method == "GetJob" {
			out = new(structpb.Struct)
		}
		err := invoke(t, ts.conn, method, missing, out)
		assert.Equal(t, codes.NotFound, status.Code(err), method)
	}
}

func TestListEvents(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.driver.broker.Publish(events.New(events.EventNodeFailed, "failed", nil))
	}

	out := new(structpb.Struct)
	req := structOf(t, map[string]any{"type": string(events.EventNodeFailed), "limit": 2})
	require.NoError(t, invoke(t, ts.conn, "ListEvents", req, out))

	var resp struct {
		Events []EventInfo `json:"events"`
	}
	require.NoError(t, FromStruct(out, &resp))
	assert.Len(t, resp.Events, 2)

	err := invoke(t, ts.conn, "ListEvents", structOf(t, map[string]any{}), out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStreamEvents(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := ts.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod("StreamEvents"))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(structOf(t, map[string]string{"type": string(events.EventJobQueued)})))
	require.NoError(t, stream.CloseSend())

	require.Eventually(t, func() bool { return ts.driver.broker.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	ts.driver.broker.Publish(events.New(events.EventNodeConnected, "ignored", nil))
	job := ts.driver.add("streamed", "echo")
	ts.driver.broker.Publish(events.New(events.EventJobQueued, "queued", map[string]string{"job_uuid": job.UUID}))

	msg := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(msg))
	var e EventInfo
	require.NoError(t, FromStruct(msg, &e))
	assert.Equal(t, string(events.EventJobQueued), e.Type)
	assert.Equal(t, job.UUID, e.Metadata["job_uuid"])
}

func TestReadOnlySocket(t *testing.T) {
	ts := newTestServer(t)
	job := ts.driver.add("protected", "echo")
	ref := structOf(t, map[string]string{"uuid": job.UUID})

	require.NoError(t, invoke(t, ts.readOnly, "ListJobs", &emptypb.Empty{}, new(structpb.Struct)))
	require.NoError(t, invoke(t, ts.readOnly, "GetJob", ref, new(structpb.Struct)))

	err := invoke(t, ts.readOnly, "CancelJob", ref, new(emptypb.Empty))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.False(t, job.IsCancelled())

	req := structOf(t, SubmitRequest{Tasks: []TaskSpec{{Kind: "x"}}})
	err = invoke(t, ts.readOnly, "SubmitJob", req, new(structpb.Struct))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestHealthService(t *testing.T) {
	ts := newTestServer(t)
	client := healthpb.NewHealthClient(ts.readOnly)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range []string{"reactor", "scheduler", "storage"} {
		metrics.RegisterComponent(name, true, "")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ts.server.UpdateHealth())
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	metrics.UpdateComponent("scheduler", false, "stopping")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ts.server.UpdateHealth())
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
