package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
)

var initialTransition = reactor.To(reactor.StateWaitInitialResponse, reactor.InterestRead)

// restingStates are the states a node channel waits in between two
// exchanges. A dispatch delivered in any of them re-arms the write.
var restingStates = []reactor.State{reactor.StateIdle, reactor.StateWaitResponse}

var sendOrReceive = reactor.To(reactor.StateSendOrReceive, reactor.InterestReadWrite)

// nodeProtocol is the state table of node data connections:
//
//	WAIT_INITIAL_RESPONSE  read the handshake, hand setup to the pool
//	SEND_INITIAL           write the handshake ack, join the idle set
//	IDLE / WAIT_RESPONSE   read results and reconfiguration handshakes
//	SEND                   write a request while nothing is outstanding
//	SEND_OR_RECEIVE        write bundle requests while results may arrive
func (d *Driver) nodeProtocol() reactor.Protocol[*NodeContext] {
	return reactor.Protocol[*NodeContext]{
		Name: "nodes",
		Handlers: map[reactor.State]reactor.Handler[*NodeContext]{
			reactor.StateWaitInitialResponse: d.readHandshake,
			reactor.StateSendInitial:         d.sendAck,
			reactor.StateIdle:                d.exchange,
			reactor.StateWaitResponse:        d.exchange,
			reactor.StateSend:                d.exchange,
			reactor.StateSendOrReceive:       d.exchange,
		},
		OnClose: func(c *NodeContext, err error) {
			d.failNode(c, err)
		},
	}
}

func (d *Driver) readHandshake(c *NodeContext) (reactor.Transition, error) {
	data, ok, err := c.ReadMessageLocked()
	if err != nil {
		return reactor.Transition{}, err
	}
	if !ok {
		return initialTransition, nil
	}
	hs, err := wire.DecodeAs[*wire.Handshake](data)
	if err != nil {
		return reactor.Transition{}, err
	}
	switch hs.Role {
	case types.NodeRoleNode, types.NodeRolePeer:
	default:
		return reactor.Transition{}, fmt.Errorf("%w: role %q on the node channel", wire.ErrProtocol, hs.Role)
	}
	if hs.UUID == "" {
		return reactor.Transition{}, fmt.Errorf("%w: handshake without uuid", wire.ErrProtocol)
	}

	c.nodeUUID = hs.UUID
	c.SetUUIDLocked(hs.UUID)
	c.role = hs.Role
	c.maxJobs = max(hs.MaxJobs, 1)
	c.local = hs.Local
	c.info = hs.SystemInfo
	c.config = hs.Config.Clone()
	if c.config == nil {
		c.config = types.NodeConfig{}
	}

	// setupNode takes the connection lock: never run it inline here.
	if err := d.pool.Submit(func() { d.setupNode(c) }); err != nil {
		go d.setupNode(c)
	}
	return reactor.To(reactor.StateSendInitial, reactor.InterestNone), nil
}

// setupNode runs on the pool: it creates the channel's load-balancer,
// indexes the channel and queues the ack.
func (d *Driver) setupNode(c *NodeContext) {
	logger := d.logger.With().Str("node_uuid", c.nodeUUID).Logger()

	strategy, err := d.newStrategy(c.nodeUUID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create load balancer, using fixed bundle size")
		strategy = loadbalancer.Fallback()
	}
	c.Lock()
	c.strategy = strategy
	c.algorithm = d.cfg.LoadBalancer.Algorithm
	c.connected = time.Now()
	c.Unlock()

	d.mu.Lock()
	if c.Closed() {
		d.mu.Unlock()
		strategy.Dispose()
		return
	}
	if _, dup := d.byUUID[c.nodeUUID]; dup {
		d.mu.Unlock()
		strategy.Dispose()
		logger.Warn().Str("remote", c.RemoteAddr()).Msg("Rejecting duplicate node connection")
		d.nodes.Close(c, ErrDuplicateNode)
		return
	}
	d.byUUID[c.nodeUUID] = c
	p := d.ports
	d.mu.Unlock()

	frame, err := wire.Frame(wire.HandshakeAck{
		DriverUUID:    d.uuid,
		HeartbeatPort: p.heartbeat,
		ResourcePort:  p.resource,
	})
	if err != nil {
		d.nodes.Close(c, err)
		return
	}
	c.Deliver(frame, reactor.StateSendInitial, reactor.To(reactor.StateSendInitial, reactor.InterestWrite))
}

func (d *Driver) newStrategy(nodeUUID string) (loadbalancer.Strategy, error) {
	alg := d.cfg.LoadBalancer.Algorithm
	s, err := d.registry.New(alg, d.cfg.LoadBalancer.Params)
	if err != nil {
		return nil, err
	}
	if p, ok := s.(loadbalancer.Persistent); ok && d.store != nil {
		state, err := d.store.GetBalancerState(nodeUUID, alg)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			d.logger.Warn().Err(err).Str("node_uuid", nodeUUID).Msg("Failed to load balancer state")
		default:
			if err := p.Restore(state); err != nil {
				d.logger.Warn().Err(err).Str("node_uuid", nodeUUID).Msg("Discarding invalid balancer state")
			}
		}
	}
	return s, nil
}

func (d *Driver) sendAck(c *NodeContext) (reactor.Transition, error) {
	done, err := c.FlushLocked()
	if err != nil {
		return reactor.Transition{}, err
	}
	if !done {
		return reactor.To(reactor.StateSendInitial, reactor.InterestWrite), nil
	}
	if c.failing.Load() {
		return reactor.Close, nil
	}

	c.usable.Store(true)
	d.idle.Add(c)
	d.logger.Info().
		Str("node_uuid", c.nodeUUID).
		Str("role", string(c.role)).
		Int("max_jobs", c.maxJobs).
		Bool("local", c.local).
		Msg("Node connected")
	d.broker.Publish(events.New(events.EventNodeConnected, "node connected", map[string]string{
		"node": c.nodeUUID,
		"role": string(c.role),
	}))
	return d.nextLocked(c), nil
}

// exchange flushes queued requests and reads whatever the node sent.
func (d *Driver) exchange(c *NodeContext) (reactor.Transition, error) {
	if c.HasOutgoingLocked() {
		if _, err := c.FlushLocked(); err != nil {
			return reactor.Transition{}, err
		}
	}
	for c.ReadableLocked() {
		data, ok, err := c.ReadMessageLocked()
		if err != nil {
			return reactor.Transition{}, err
		}
		if !ok {
			break
		}
		msg, err := wire.Decode(data)
		if err != nil {
			return reactor.Transition{}, err
		}
		switch m := msg.(type) {
		case *wire.BundleResult:
			d.onResultLocked(c, m)
		case *wire.Handshake:
			d.onReconfiguredLocked(c, m)
		default:
			return reactor.Transition{}, fmt.Errorf("%w: %s from node", wire.ErrUnexpectedMessage, msg.Kind())
		}
	}
	return d.nextLocked(c), nil
}

func (d *Driver) nextLocked(c *NodeContext) reactor.Transition {
	switch {
	case c.HasOutgoingLocked() && len(c.outstanding) > 0:
		return sendOrReceive
	case c.HasOutgoingLocked():
		return reactor.To(reactor.StateSend, reactor.InterestReadWrite)
	case len(c.outstanding) > 0:
		return reactor.To(reactor.StateWaitResponse, reactor.InterestRead)
	default:
		return reactor.To(reactor.StateIdle, reactor.InterestRead)
	}
}

func (d *Driver) onResultLocked(c *NodeContext, res *wire.BundleResult) {
	b, ok := c.outstanding[res.BundleID]
	if !ok {
		d.logger.Warn().Str("node_uuid", c.nodeUUID).Str("bundle_id", res.BundleID).Msg("Ignoring result of unknown bundle")
		return
	}
	delete(c.outstanding, res.BundleID)

	rtt := time.Since(b.CreatedAt)
	c.recordRoundTripLocked(rtt)
	if c.strategy != nil {
		c.strategy.Feedback(b.Size(), rtt)
	}
	metrics.BundleRoundTrip.Observe(rtt.Seconds())

	for i := range res.Results {
		r := &res.Results[i]
		if r.NodeUUID == "" {
			r.NodeUUID = c.nodeUUID
		}
		metrics.TasksCompleted.WithLabelValues(outcome(r)).Inc()
	}
	job := b.Job()
	job.Complete(b.ID, res.Results)

	if !c.failing.Load() && len(c.outstanding) < c.maxJobs {
		d.idle.Add(c)
	}
	d.handOff(func() { d.afterBundle(job) })
}

func outcome(r *types.TaskResult) string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Failed():
		return "error"
	default:
		return "success"
	}
}

// onReconfiguredLocked handles the handshake a node sends after applying a
// configuration.
func (d *Driver) onReconfiguredLocked(c *NodeContext, hs *wire.Handshake) {
	c.info = hs.SystemInfo
	c.config = hs.Config.Clone()
	if c.config == nil {
		c.config = types.NodeConfig{}
	}
	if !d.reservations.OnNodeConfigured(c, hs.ReservedJob) {
		d.logger.Debug().Str("node_uuid", c.nodeUUID).Str("job_uuid", hs.ReservedJob).Msg("Configuration update without matching reservation")
		return
	}
	d.logger.Info().Str("node_uuid", c.nodeUUID).Str("job_uuid", hs.ReservedJob).Msg("Node ready for reserved job")
	d.broker.Publish(events.New(events.EventReservationReady, "node configured for job", map[string]string{
		"node": c.nodeUUID,
		"job":  hs.ReservedJob,
	}))
	d.scheduler.Wakeup()
}
