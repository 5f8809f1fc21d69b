package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutors(t *testing.T) {
	e := NewExecutors(nil)
	e.Register("boom", func(context.Context, []byte) ([]byte, error) { panic("bad task") })

	tests := []struct {
		name    string
		kind    string
		payload string
		want    string
		wantErr bool
	}{
		{name: "echo", kind: "echo", payload: "hello", want: "hello"},
		{name: "sha256", kind: "sha256", payload: "abc", want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{name: "sleep", kind: "sleep", payload: "1ms", want: "1ms"},
		{name: "bad duration", kind: "sleep", payload: "soon", wantErr: true},
		{name: "unknown kind", kind: "compile", wantErr: true},
		{name: "panic", kind: "boom", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Run(context.Background(), tt.kind, []byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestUnknownExecutorError(t *testing.T) {
	_, err := NewExecutors(nil).Run(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownExecutor))
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sleep(ctx, []byte("1h"))
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeDriver accepts one node connection and acknowledges its handshake.
type fakeDriver struct {
	ln   net.Listener
	conn net.Conn
	hs   *wire.Handshake
}

func startFakeDriver(t *testing.T) *fakeDriver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeDriver{ln: ln}
}

func (d *fakeDriver) accept(t *testing.T) {
	t.Helper()
	conn, err := d.ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	d.conn = conn
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	d.hs, err = wire.ReadAs[*wire.Handshake](conn)
	require.NoError(t, err)
	require.NoError(t, wire.Write(conn, wire.HandshakeAck{DriverUUID: "driver-1"}))
}

func runNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func TestNodeRunsBundles(t *testing.T) {
	d := startFakeDriver(t)
	n := runNode(t, Config{
		UUID:       "node-1",
		DriverAddr: d.ln.Addr().String(),
		MaxJobs:    2,
		Properties: map[string]string{"zone": "a"},
	})
	d.accept(t)

	assert.Equal(t, "node-1", d.hs.UUID)
	assert.Equal(t, types.NodeRoleNode, d.hs.Role)
	assert.Equal(t, 2, d.hs.MaxJobs)
	assert.Equal(t, "a", d.hs.SystemInfo.Properties["zone"])

	req := wire.BundleRequest{
		BundleID: "b-1",
		JobUUID:  "job-1",
		Tasks: []types.Task{
			{Position: 3, Kind: "echo", Payload: []byte("x")},
			{Position: 7, Kind: "missing"},
		},
	}
	require.NoError(t, wire.Write(d.conn, req))

	res, err := wire.ReadAs[*wire.BundleResult](d.conn)
	require.NoError(t, err)
	assert.Equal(t, "b-1", res.BundleID)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 3, res.Results[0].Position)
	assert.Equal(t, "x", string(res.Results[0].Output))
	assert.Equal(t, n.UUID(), res.Results[0].NodeUUID)
	assert.Equal(t, 7, res.Results[1].Position)
	assert.Contains(t, res.Results[1].Err, "unknown task kind")
}

func TestNodeReconfigure(t *testing.T) {
	d := startFakeDriver(t)
	n := runNode(t, Config{
		UUID:       "node-2",
		DriverAddr: d.ln.Addr().String(),
		Config:     types.NodeConfig{"jvm": "8"},
	})
	d.accept(t)

	require.NoError(t, wire.Write(d.conn, wire.Reconfigure{
		JobUUID: "job-9",
		Config:  types.NodeConfig{"jvm": "21", "gpu": "on"},
	}))

	hs, err := wire.ReadAs[*wire.Handshake](d.conn)
	require.NoError(t, err)
	assert.Equal(t, "job-9", hs.ReservedJob)
	assert.Equal(t, types.NodeConfig{"jvm": "21", "gpu": "on"}, hs.Config)
	assert.Equal(t, types.NodeConfig{"jvm": "21", "gpu": "on"}, n.Config())
}

func TestNodeCustomRunner(t *testing.T) {
	d := startFakeDriver(t)
	n := New(Config{UUID: "relay", DriverAddr: d.ln.Addr().String(), Role: types.NodeRolePeer})
	gotDriver := make(chan string, 1)
	n.SetRunner(RunnerFunc(func(_ context.Context, driverUUID string, req *wire.BundleRequest) []types.TaskResult {
		gotDriver <- driverUUID
		return []types.TaskResult{{Position: req.Tasks[0].Position, Output: []byte("relayed")}}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	d.accept(t)
	assert.Equal(t, types.NodeRolePeer, d.hs.Role)
	require.NoError(t, wire.Write(d.conn, wire.BundleRequest{BundleID: "b", Tasks: []types.Task{{Position: 0, Kind: "echo"}}}))

	res, err := wire.ReadAs[*wire.BundleResult](d.conn)
	require.NoError(t, err)
	assert.Equal(t, "relayed", string(res.Results[0].Output))
	assert.Equal(t, "driver-1", <-gotDriver)
}

func TestNodeReconnects(t *testing.T) {
	d := startFakeDriver(t)
	runNode(t, Config{UUID: "node-3", DriverAddr: d.ln.Addr().String(), ReconnectDelay: 10 * time.Millisecond})

	d.accept(t)
	d.conn.Close()

	d.accept(t)
	assert.Equal(t, "node-3", d.hs.UUID)
}

func TestFetchResourcesWithoutServer(t *testing.T) {
	n := New(Config{})
	_, err := n.FetchResources("x")
	assert.Error(t, err)
	_, err = n.Executors().Run(context.Background(), "resource", []byte("x"))
	assert.Error(t, err)
}
