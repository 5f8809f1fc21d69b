package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/api"
	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// setup starts a driver with an in-process node and serves its API over
// in-memory listeners. It returns a full client and a read-only one.
func setup(t *testing.T) (*driver.Driver, *Client, *Client) {
	t.Helper()
	cfg := driver.DefaultConfig()
	cfg.NodeAddr = "127.0.0.1:0"
	cfg.HeartbeatAddr = "127.0.0.1:0"
	cfg.ResourceAddr = "127.0.0.1:0"
	cfg.LocalNode = true
	cfg.MetricsInterval = time.Hour
	cfg.LoadBalancer = loadbalancer.Config{Algorithm: loadbalancer.Manual, Params: loadbalancer.Params{"size": "2"}}

	d, err := driver.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	srv := api.NewServer(d)
	full := bufconn.Listen(1 << 20)
	ro := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(full) }()
	go func() { _ = srv.ServeReadOnly(ro) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = d.Stop()
	})

	dial := func(lis *bufconn.Listener) *Client {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		require.NoError(t, err)
		c := NewFromConn(conn)
		t.Cleanup(func() { c.Close() })
		return c
	}
	return d, dial(full), dial(ro)
}

func TestSubmitAndWait(t *testing.T) {
	d, c, _ := setup(t)
	require.Eventually(t, func() bool { return len(d.Snapshot().Nodes) == 1 }, 5*time.Second, 10*time.Millisecond)

	id, err := c.SubmitJob(api.SubmitRequest{
		Name: "client-echo",
		Tasks: []api.TaskSpec{
			{Kind: "echo", Payload: "a"},
			{Kind: "echo", Payload: "b"},
			{Kind: "echo", Payload: "c"},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	detail, err := c.WaitJob(ctx, id, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, detail.Done)
	require.Len(t, detail.Results, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, i, detail.Results[i].Position)
		assert.Equal(t, want, string(detail.Results[i].Output))
	}

	nodes, err := c.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Local)

	snap, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, d.UUID(), snap.DriverUUID)

	require.Eventually(t, func() bool {
		evs, err := c.ListEvents(string(events.EventJobCompleted), 0)
		return err == nil && len(evs) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobControl(t *testing.T) {
	_, c, ro := setup(t)

	id, err := c.SubmitJob(api.SubmitRequest{
		Name:      "held",
		Suspended: true,
		Tasks:     []api.TaskSpec{{Kind: "echo"}},
	})
	require.NoError(t, err)

	jobs, err := ro.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Suspended)

	assert.Equal(t, codes.PermissionDenied, status.Code(ro.CancelJob(id)))

	require.NoError(t, c.ResumeJob(id))
	require.NoError(t, c.SuspendJob(id))
	require.NoError(t, c.CancelJob(id))

	detail, err := c.GetJob(id)
	require.NoError(t, err)
	assert.True(t, detail.Done)

	assert.Equal(t, codes.NotFound, status.Code(c.CancelJob("missing")))
	_, err = c.GetJob("missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStreamEvents(t *testing.T) {
	_, c, _ := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan api.EventInfo, 1)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.StreamEvents(ctx, string(events.EventJobQueued), func(e api.EventInfo) error {
			select {
			case got <- e:
			default:
			}
			return nil
		})
	}()

	// The subscription starts once the request reaches the server; keep
	// submitting until one event makes it through.
	var e api.EventInfo
	require.Eventually(t, func() bool {
		if _, err := c.SubmitJob(api.SubmitRequest{Suspended: true, Tasks: []api.TaskSpec{{Kind: "echo"}}}); err != nil {
			return false
		}
		select {
		case e = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, string(events.EventJobQueued), e.Type)

	cancel()
	select {
	case err := <-streamErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
