package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
)

// roundTripWindow is the number of bundle round trips kept per channel.
const roundTripWindow = 16

// NodeContext is the driver side of a worker or peer data connection. It
// implements scheduler.Node.
type NodeContext struct {
	reactor.ConnContext

	d *Driver

	// Written by the handshake handler before the channel is published to
	// the idle set or the uuid index; read-only afterwards.
	nodeUUID  string
	role      types.NodeRole
	maxJobs   int
	local     bool
	strategy  loadbalancer.Strategy
	algorithm string
	connected time.Time

	// Guarded by the connection lock.
	info        types.SystemInfo
	config      types.NodeConfig
	outstanding map[string]*types.Bundle
	rtts        []time.Duration

	// resMu guards the reservation mirror. It is separate from the
	// connection lock because reservations change while a handler holds it.
	resMu              sync.Mutex
	pendingReservation string
	readyReservation   string

	usable  atomic.Bool
	failing atomic.Bool
}

func newNodeContext(d *Driver) *NodeContext {
	return &NodeContext{
		d:           d,
		outstanding: make(map[string]*types.Bundle),
	}
}

// UUID returns the node identity. It does not take the connection lock.
func (c *NodeContext) UUID() string {
	return c.nodeUUID
}

func (c *NodeContext) MaxJobs() int {
	return c.maxJobs
}

func (c *NodeContext) RoundTrips() []time.Duration {
	c.Lock()
	defer c.Unlock()
	return append([]time.Duration(nil), c.rtts...)
}

func (c *NodeContext) IsLocal() bool {
	return c.local
}

func (c *NodeContext) IsPeer() bool {
	return c.role == types.NodeRolePeer
}

func (c *NodeContext) Usable() bool {
	return c.usable.Load() && !c.failing.Load()
}

func (c *NodeContext) SystemInfo() types.SystemInfo {
	c.Lock()
	defer c.Unlock()
	return c.info
}

func (c *NodeContext) Config() types.NodeConfig {
	c.Lock()
	defer c.Unlock()
	return c.config.Clone()
}

func (c *NodeContext) CurrentJobs() int {
	c.Lock()
	defer c.Unlock()
	return len(c.outstanding)
}

func (c *NodeContext) Strategy() loadbalancer.Strategy {
	return c.strategy
}

func (c *NodeContext) SetReservation(pendingJob, readyJob string) {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	c.pendingReservation = pendingJob
	c.readyReservation = readyJob
}

func (c *NodeContext) reservation() (pending, ready string) {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return c.pendingReservation, c.readyReservation
}

// Dispatch records b as outstanding and hands its request to the
// connection.
func (c *NodeContext) Dispatch(b *types.Bundle) error {
	frame, err := wire.Frame(wire.NewBundleRequest(b))
	if err != nil {
		return err
	}

	c.Lock()
	if !c.Usable() {
		c.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, c.nodeUUID)
	}
	if len(c.outstanding) >= c.maxJobs {
		c.Unlock()
		return fmt.Errorf("%w: %s", ErrAtCapacity, c.nodeUUID)
	}
	c.outstanding[b.ID] = b
	if len(c.outstanding) >= c.maxJobs {
		c.d.idle.Remove(c.nodeUUID)
	}
	c.Unlock()

	c.DeliverFrom(frame, restingStates, sendOrReceive)
	if c.Closed() {
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, c.nodeUUID)
	}
	return nil
}

// Reconfigure sends the configuration a reserved node must apply.
func (c *NodeContext) Reconfigure(jobUUID string, config types.NodeConfig) error {
	if !c.Usable() {
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, c.nodeUUID)
	}
	frame, err := wire.Frame(wire.Reconfigure{JobUUID: jobUUID, Config: config})
	if err != nil {
		return err
	}
	c.DeliverFrom(frame, restingStates, reactor.To(reactor.StateSend, reactor.InterestReadWrite))
	if c.Closed() {
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, c.nodeUUID)
	}
	return nil
}

// status derives the channel status shown in snapshots and metrics.
func (c *NodeContext) status() types.NodeStatus {
	if !c.Usable() {
		return types.NodeStatusClosed
	}
	if pending, ready := c.reservation(); pending != "" || ready != "" {
		return types.NodeStatusReserved
	}
	if c.CurrentJobs() > 0 {
		return types.NodeStatusActive
	}
	return types.NodeStatusIdle
}

func (c *NodeContext) recordRoundTripLocked(rtt time.Duration) {
	c.rtts = append(c.rtts, rtt)
	if len(c.rtts) > roundTripWindow {
		c.rtts = c.rtts[len(c.rtts)-roundTripWindow:]
	}
}

// drainLocked empties the outstanding set and marks the channel unusable.
func (c *NodeContext) drainLocked() []*types.Bundle {
	c.usable.Store(false)
	bundles := make([]*types.Bundle, 0, len(c.outstanding))
	for _, b := range c.outstanding {
		bundles = append(bundles, b)
	}
	c.outstanding = make(map[string]*types.Bundle)
	return bundles
}

func (c *NodeContext) expired(now time.Time) *types.Bundle {
	c.Lock()
	defer c.Unlock()
	for _, b := range c.outstanding {
		if b.Expired(now) {
			return b
		}
	}
	return nil
}

func (c *NodeContext) describe() NodeInfo {
	status := c.status()

	c.Lock()
	defer c.Unlock()
	info := NodeInfo{
		UUID:        c.nodeUUID,
		Role:        c.role,
		Status:      status,
		Local:       c.local,
		RemoteAddr:  c.RemoteAddr(),
		MaxJobs:     c.maxJobs,
		CurrentJobs: len(c.outstanding),
		Algorithm:   c.algorithm,
		SystemInfo:  c.info,
		Config:      c.config.Clone(),
		ConnectedAt: c.connected,
	}
	if len(c.rtts) > 0 {
		var total time.Duration
		for _, rtt := range c.rtts {
			total += rtt
		}
		info.MeanRTT = total / time.Duration(len(c.rtts))
	}
	return info
}
