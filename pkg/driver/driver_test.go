package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/heartbeat"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/node"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeAddr = "127.0.0.1:0"
	cfg.HeartbeatAddr = "127.0.0.1:0"
	cfg.ResourceAddr = "127.0.0.1:0"
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.MetricsInterval = time.Hour
	cfg.Scheduler.IdleBackoff = 20 * time.Millisecond
	cfg.Heartbeat = heartbeat.Config{Interval: 20 * time.Millisecond, Timeout: 15 * time.Millisecond, MaxRetries: 3}
	cfg.LoadBalancer = loadbalancer.Config{Algorithm: loadbalancer.Manual, Params: loadbalancer.Params{"size": "4"}}
	return cfg
}

func startDriver(t *testing.T, cfg Config, store storage.Store) *Driver {
	t.Helper()
	d, err := New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func startNode(t *testing.T, d *Driver, id string, maxJobs int) context.CancelFunc {
	t.Helper()
	n := node.New(node.Config{
		UUID:           id,
		DriverAddr:     d.NodeAddr(),
		MaxJobs:        maxJobs,
		ReconnectDelay: 50 * time.Millisecond,
	})
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
	return cancel
}

func echoJob(name string, count int, sla types.SLA) *types.Job {
	tasks := make([]*types.Task, count)
	for i := range tasks {
		tasks[i] = &types.Task{Kind: "echo", Payload: []byte(fmt.Sprintf("%s-%d", name, i))}
	}
	return types.NewJob(name, tasks, sla)
}

func waitDone(t *testing.T, job *types.Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		pending, outstanding, terminal := job.Counts()
		t.Fatalf("job %s not done: pending=%d outstanding=%d terminal=%d", job.Name, pending, outstanding, terminal)
	}
}

// fakeNode speaks the node protocol by hand so that tests control when
// results come back.
type fakeNode struct {
	conn net.Conn
	ack  *wire.HandshakeAck
}

func dialFake(t *testing.T, d *Driver, id string, maxJobs int) *fakeNode {
	t.Helper()
	conn, err := net.Dial("tcp", d.NodeAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, wire.Write(conn, wire.Handshake{Role: types.NodeRoleNode, UUID: id, MaxJobs: maxJobs}))
	ack, err := wire.ReadAs[*wire.HandshakeAck](conn)
	require.NoError(t, err)
	assert.Equal(t, d.UUID(), ack.DriverUUID)

	require.Eventually(t, func() bool { return d.idle.Contains(id) }, 2*time.Second, 5*time.Millisecond)
	return &fakeNode{conn: conn, ack: ack}
}

func (f *fakeNode) readBundle(timeout time.Duration) (*wire.BundleRequest, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return wire.ReadAs[*wire.BundleRequest](f.conn)
}

func resubmitCounts(job *types.Job) []int {
	var out []int
	for _, task := range job.Tasks() {
		out = append(out, task.ResubmitCount)
	}
	return out
}

func lastEvent(d *Driver, typ events.EventType) *events.Event {
	recent := d.Broker().Recent(typ, 1)
	if len(recent) == 0 {
		return nil
	}
	return recent[0]
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	cfg := testConfig()
	cfg.LoadBalancer.Algorithm = "nope"
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, loadbalancer.ErrUnknownStrategy)
}

func TestDriverRunsJobOnNodes(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	startNode(t, d, "worker-1", 2)
	startNode(t, d, "worker-2", 2)

	job := echoJob("echo", 20, types.DefaultSLA())
	require.NoError(t, d.Submit(job))
	waitDone(t, job)

	results := job.Results()
	require.Len(t, results, 20)
	for i, r := range results {
		assert.Equal(t, i, r.Position)
		assert.Empty(t, r.Err)
		assert.Equal(t, fmt.Sprintf("echo-%d", i), string(r.Output))
		assert.Contains(t, []string{"worker-1", "worker-2"}, r.NodeUUID)
	}

	require.Eventually(t, func() bool { return len(d.Jobs()) == 0 }, 2*time.Second, 5*time.Millisecond)
	got, ok := d.Job(job.UUID)
	require.True(t, ok)
	assert.Same(t, job, got)
	require.NotNil(t, lastEvent(d, events.EventJobCompleted))

	require.Eventually(t, func() bool {
		s := d.Snapshot()
		if len(s.Nodes) != 2 {
			return false
		}
		for _, n := range s.Nodes {
			if !n.Heartbeat {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	d := startDriver(t, testConfig(), nil)

	assert.Error(t, d.Submit(types.NewJob("empty", nil, types.DefaultSLA())))

	job := echoJob("dup", 1, types.DefaultSLA())
	require.NoError(t, d.Submit(job))
	assert.ErrorIs(t, d.Submit(job), queue.ErrDuplicateJob)
}

func TestCancelJob(t *testing.T) {
	d := startDriver(t, testConfig(), nil)

	job := echoJob("cancel", 3, types.DefaultSLA())
	require.NoError(t, d.Submit(job))
	require.NoError(t, d.Cancel(job.UUID))

	require.True(t, job.IsDone())
	for _, r := range job.Results() {
		assert.True(t, r.Cancelled)
	}
	assert.Empty(t, d.Jobs())
	_, ok := d.Job(job.UUID)
	assert.True(t, ok)
	assert.NotNil(t, lastEvent(d, events.EventJobCancelled))

	assert.ErrorIs(t, d.Cancel("missing"), ErrJobNotFound)
	assert.ErrorIs(t, d.Suspend("missing", true), ErrJobNotFound)
	assert.ErrorIs(t, d.SetPriority("missing", 1), ErrJobNotFound)
}

func TestCancelCascadesToDependents(t *testing.T) {
	d := startDriver(t, testConfig(), nil)

	parent := echoJob("parent", 1, types.DefaultSLA())
	child := echoJob("child", 1, types.DefaultSLA())
	child.Dependencies = []string{parent.UUID}
	grandchild := echoJob("grandchild", 1, types.DefaultSLA())
	grandchild.Dependencies = []string{child.UUID}
	for _, job := range []*types.Job{parent, child, grandchild} {
		require.NoError(t, d.Submit(job))
	}

	require.NoError(t, d.Cancel(parent.UUID))
	assert.True(t, child.IsCancelled())
	assert.True(t, grandchild.IsCancelled())
	assert.Empty(t, d.Jobs())
}

func TestDependentJobWaitsForDependency(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	startNode(t, d, "node-1", 2)

	first := echoJob("first", 2, types.DefaultSLA())
	first.SetSuspended(true)
	second := echoJob("second", 2, types.DefaultSLA())
	second.Dependencies = []string{first.UUID}
	require.NoError(t, d.Submit(first))
	require.NoError(t, d.Submit(second))

	time.Sleep(100 * time.Millisecond)
	pending, _, _ := second.Counts()
	assert.Equal(t, 2, pending)

	require.NoError(t, d.Resume(first.UUID))
	waitDone(t, first)
	waitDone(t, second)
	for _, r := range second.Results() {
		assert.Empty(t, r.Err)
	}
}

func TestSuspendedJobWaitsForResume(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	fake := dialFake(t, d, "waiter", 1)

	sla := types.DefaultSLA()
	sla.Suspended = true
	job := echoJob("held", 2, sla)
	require.NoError(t, d.Submit(job))

	_, err := fake.readBundle(150 * time.Millisecond)
	require.Error(t, err)

	require.NoError(t, d.Resume(job.UUID))
	req, err := fake.readBundle(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.UUID, req.JobUUID)
	assert.Len(t, req.Tasks, 2)
}

func TestResultsCompleteJob(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	fake := dialFake(t, d, "manual", 1)

	job := echoJob("manual", 3, types.DefaultSLA())
	require.NoError(t, d.Submit(job))

	req, err := fake.readBundle(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, req.Tasks, 3)

	results := make([]types.TaskResult, len(req.Tasks))
	for i, task := range req.Tasks {
		results[i] = types.TaskResult{Position: task.Position, Output: []byte("ok")}
	}
	require.NoError(t, wire.Write(fake.conn, wire.BundleResult{BundleID: req.BundleID, Results: results}))
	waitDone(t, job)

	for _, r := range job.Results() {
		assert.Equal(t, "ok", string(r.Output))
		assert.Equal(t, "manual", r.NodeUUID)
	}
	c, ok := d.node("manual")
	require.True(t, ok)
	assert.Len(t, c.RoundTrips(), 1)
	require.Eventually(t, func() bool { return d.idle.Contains("manual") }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatLossResubmitsTasks(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	fake := dialFake(t, d, "silent", 4)

	job := echoJob("orphaned", 4, types.DefaultSLA())
	require.NoError(t, d.Submit(job))
	req, err := fake.readBundle(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, req.Tasks, 4)

	hb, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(fake.ack.HeartbeatPort)))
	require.NoError(t, err)
	defer hb.Close()
	require.NoError(t, wire.Write(hb, wire.Handshake{Role: types.NodeRoleNode, UUID: "silent"}))
	go func() {
		// Swallow probes without answering.
		buf := make([]byte, 1024)
		for {
			if _, err := hb.Read(buf); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, ok := d.node("silent")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	pending, outstanding, terminal := job.Counts()
	assert.Equal(t, 4, pending)
	assert.Zero(t, outstanding)
	assert.Zero(t, terminal)
	assert.Equal(t, []int{1, 1, 1, 1}, resubmitCounts(job))

	ev := lastEvent(d, events.EventNodeFailed)
	require.NotNil(t, ev)
	assert.Equal(t, "heartbeat", ev.Metadata["cause"])
	assert.NotNil(t, lastEvent(d, events.EventHeartbeatFailed))

	// A healthy node picks the tasks up.
	startNode(t, d, "rescuer", 4)
	waitDone(t, job)
	for _, r := range job.Results() {
		assert.Empty(t, r.Err)
		assert.Equal(t, "rescuer", r.NodeUUID)
	}
}

func TestBundleTimeoutFailsNode(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	fake := dialFake(t, d, "slow", 1)

	sla := types.DefaultSLA()
	sla.DispatchTimeout = 50 * time.Millisecond
	job := echoJob("timeout", 2, sla)
	require.NoError(t, d.Submit(job))

	_, err := fake.readBundle(2 * time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := d.node("slow")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	ev := lastEvent(d, events.EventNodeFailed)
	require.NotNil(t, ev)
	assert.Equal(t, "bundle_timeout", ev.Metadata["cause"])
	assert.Equal(t, []int{1, 1}, resubmitCounts(job))
}

func TestFailNodeIsIdempotent(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	fake := dialFake(t, d, "flaky", 1)

	job := echoJob("flaky", 3, types.DefaultSLA())
	require.NoError(t, d.Submit(job))
	_, err := fake.readBundle(2 * time.Second)
	require.NoError(t, err)

	c, ok := d.node("flaky")
	require.True(t, ok)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.failNode(c, errors.New("boom"))
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{1, 1, 1}, resubmitCounts(job))
	pending, outstanding, _ := job.Counts()
	assert.Equal(t, 3, pending)
	assert.Zero(t, outstanding)
	assert.False(t, d.idle.Contains("flaky"))
	assert.Len(t, d.Broker().Recent(events.EventNodeFailed, 0), 1)
	assert.True(t, c.Closed())
}

func TestDuplicateNodeRejected(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	dialFake(t, d, "twin", 1)

	conn, err := net.Dial("tcp", d.NodeAddr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.Write(conn, wire.Handshake{Role: types.NodeRoleNode, UUID: "twin", MaxJobs: 1}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = wire.Read(conn)
	assert.Error(t, err)

	_, ok := d.node("twin")
	assert.True(t, ok)
}

func TestUnknownHeartbeatRejected(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	fake := dialFake(t, d, "known", 1)

	hb, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(fake.ack.HeartbeatPort)))
	require.NoError(t, err)
	defer hb.Close()
	require.NoError(t, wire.Write(hb, wire.Handshake{Role: types.NodeRoleNode, UUID: "stranger"}))
	require.NoError(t, hb.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = wire.Read(hb)
	assert.Error(t, err)
}

func TestRecoverPersistedJobs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.PersistJobs = true

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	first, err := New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, first.Start())

	job := echoJob("durable", 3, types.DefaultSLA())
	require.NoError(t, first.Submit(job))
	require.NoError(t, first.Stop())

	store, err = storage.NewBoltStore(dir)
	require.NoError(t, err)
	second := startDriver(t, cfg, store)

	jobs := second.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.UUID, jobs[0].UUID)
	assert.Equal(t, 3, jobs[0].TaskCount())

	startNode(t, second, "after-restart", 2)
	waitDone(t, jobs[0])
	require.Eventually(t, func() bool {
		_, err := store.GetJob(job.UUID)
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBalancerStateSavedOnDisconnect(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig()
	cfg.LoadBalancer = loadbalancer.DefaultConfig()
	d := startDriver(t, cfg, store)

	stop := startNode(t, d, "learner", 2)
	job := echoJob("learn", 8, types.DefaultSLA())
	require.NoError(t, d.Submit(job))
	waitDone(t, job)
	stop()

	require.Eventually(t, func() bool {
		_, err := store.GetBalancerState("learner", loadbalancer.Proportional)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, lastEvent(d, events.EventNodeClosed))
}

func TestPeerRelay(t *testing.T) {
	upstream := startDriver(t, testConfig(), nil)

	cfg := testConfig()
	cfg.Peers = []string{upstream.NodeAddr()}
	downstream := startDriver(t, cfg, nil)
	startNode(t, downstream, "remote-worker", 2)

	require.Eventually(t, func() bool {
		c, ok := upstream.node(downstream.UUID())
		return ok && c.IsPeer()
	}, 2*time.Second, 10*time.Millisecond)

	job := echoJob("relayed", 5, types.DefaultSLA())
	require.NoError(t, upstream.Submit(job))
	waitDone(t, job)

	for i, r := range job.Results() {
		assert.Empty(t, r.Err)
		assert.Equal(t, fmt.Sprintf("relayed-%d", i), string(r.Output))
		assert.Equal(t, "remote-worker", r.NodeUUID)
	}
}

func TestRelayKeepsOriginSLA(t *testing.T) {
	d := startDriver(t, testConfig(), nil)

	sla := types.DefaultSLA()
	sla.MaxRelayDepth = 1
	sla.MaxResubmits = 5
	origin := echoJob("origin", 2, sla)
	b, err := origin.NextBundle(2, d.UUID())
	require.NoError(t, err)
	req := wire.NewBundleRequest(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []types.TaskResult, 1)
	go func() { done <- d.relay(ctx, "driver-a", &req) }()

	var relayed *types.Job
	require.Eventually(t, func() bool {
		jobs := d.Jobs()
		if len(jobs) != 1 {
			return false
		}
		relayed = jobs[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, relayed.SLA.MaxRelayDepth)
	assert.Equal(t, 5, relayed.SLA.MaxResubmits)
	assert.Equal(t, []string{"driver-a"}, relayed.RelayPath)
	// One hop used: the job may not be handed to another peer.
	assert.GreaterOrEqual(t, len(relayed.RelayPath), relayed.SLA.RelayDepthLimit())

	cancel()
	select {
	case results := <-done:
		assert.Nil(t, results)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return after cancellation")
	}
	assert.True(t, relayed.IsCancelled())
}

func TestNodeChannelStates(t *testing.T) {
	tests := []struct {
		name        string
		outgoing    bool
		outstanding int
		want        reactor.State
	}{
		{name: "nothing to do", want: reactor.StateIdle},
		{name: "awaiting results", outstanding: 1, want: reactor.StateWaitResponse},
		{name: "reconfigure request", outgoing: true, want: reactor.StateSend},
		{name: "bundle while results pending", outgoing: true, outstanding: 2, want: reactor.StateSendOrReceive},
	}

	d := &Driver{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newNodeContext(d)
			for i := range tt.outstanding {
				c.outstanding[strconv.Itoa(i)] = &types.Bundle{ID: strconv.Itoa(i)}
			}
			if tt.outgoing {
				frame, err := wire.Frame(wire.Reconfigure{JobUUID: "job"})
				require.NoError(t, err)
				c.EnqueueLocked(frame)
			}

			next := d.nextLocked(c)
			assert.Equal(t, tt.want, next.Next)
			if tt.outgoing {
				assert.Equal(t, reactor.InterestReadWrite, next.Interest)
			}
		})
	}
}

func TestStats(t *testing.T) {
	d := startDriver(t, testConfig(), nil)
	dialFake(t, d, "counted", 1)

	require.NoError(t, d.Submit(echoJob("queued", 1, types.DefaultSLA())))
	require.Eventually(t, func() bool {
		return d.Stats().NodesByStatus["node"]["active"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := d.Stats()
	assert.Equal(t, 1, stats.QueuedJobs)
	assert.Zero(t, stats.PendingTasks)
	assert.Equal(t, 0, stats.Reservations["pending"])

	state := d.gridState()
	assert.Equal(t, 1, state.Nodes)
	assert.Equal(t, 1, state.JobChannels)
	health := metrics.GetHealth()
	require.NotNil(t, health.Grid)
	assert.Equal(t, 1, health.Grid.Nodes)
	assert.Equal(t, 1, health.Grid.QueuedJobs)
}
