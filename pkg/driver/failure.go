package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/framing"
	"github.com/cuemby/hive/pkg/heartbeat"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/wire"
)

// failNode takes a channel out of the grid: its outstanding bundles go back
// to their jobs, its reservations and heartbeat are dropped and its
// load-balancer state is saved. Only the first call for a channel has an
// effect; the call made by the connection's close hook is usually a no-op
// re-entry.
func (d *Driver) failNode(c *NodeContext, cause error) {
	if !c.failing.CompareAndSwap(false, true) {
		return
	}

	c.Lock()
	bundles := c.drainLocked()
	id := c.nodeUUID
	strategy := c.strategy
	c.Unlock()

	d.mu.Lock()
	registered := id != "" && d.byUUID[id] == c
	var hb *heartbeat.Context
	if registered {
		delete(d.byUUID, id)
		hb = d.hbByUUID[id]
		delete(d.hbByUUID, id)
	}
	d.mu.Unlock()

	d.nodes.Close(c, cause)
	if !registered {
		return
	}

	d.idle.Remove(id)
	d.reservations.RemoveNode(c)
	d.monitor.Unregister(id)
	if hb != nil {
		d.heartbeats.Close(hb, nil)
	}

	resubmitted := 0
	for _, b := range bundles {
		job := b.Job()
		re, failed, ok := job.Resubmit(b.ID)
		if !ok {
			continue
		}
		resubmitted += re
		metrics.TasksResubmitted.Add(float64(re))
		if failed > 0 {
			metrics.TasksCompleted.WithLabelValues("node_failure").Add(float64(failed))
		}
		d.broker.Publish(events.New(events.EventTaskResubmitted, "tasks returned after node failure", map[string]string{
			"job":         job.UUID,
			"node":        id,
			"bundle":      b.ID,
			"resubmitted": strconv.Itoa(re),
			"failed":      strconv.Itoa(failed),
		}))
		if d.isStopping() {
			d.afterBundle(job)
		} else {
			d.handOff(func() { d.afterBundle(job) })
		}
	}

	d.releaseStrategy(id, strategy)

	label := failureCause(cause)
	metrics.NodeFailures.WithLabelValues(label).Inc()
	logger := d.logger.With().Str("node_uuid", id).Str("cause", label).Int("resubmitted", resubmitted).Logger()
	if label == "closed" {
		logger.Info().Msg("Node disconnected")
		d.broker.Publish(events.New(events.EventNodeClosed, "node disconnected", map[string]string{"node": id}))
	} else {
		logger.Warn().Err(cause).Msg("Node failed")
		d.broker.Publish(events.New(events.EventNodeFailed, "node failed", map[string]string{
			"node":  id,
			"cause": label,
			"error": fmt.Sprint(cause),
		}))
	}
	d.scheduler.Wakeup()
}

// releaseStrategy saves a persistent strategy's state and disposes it.
func (d *Driver) releaseStrategy(nodeUUID string, s loadbalancer.Strategy) {
	if s == nil {
		return
	}
	if p, ok := s.(loadbalancer.Persistent); ok && d.store != nil {
		state, err := p.State()
		if err == nil {
			err = d.store.SaveBalancerState(nodeUUID, d.cfg.LoadBalancer.Algorithm, state)
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("node_uuid", nodeUUID).Msg("Failed to save balancer state")
		}
	}
	s.Dispose()
}

func failureCause(err error) string {
	switch {
	case err == nil, errors.Is(err, framing.ErrPeerClosed), errors.Is(err, io.EOF):
		return "closed"
	case errors.Is(err, ErrHeartbeatLost):
		return "heartbeat"
	case errors.Is(err, ErrBundleTimeout):
		return "bundle_timeout"
	default:
		return "error"
	}
}

func (d *Driver) node(nodeUUID string) (*NodeContext, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byUUID[nodeUUID]
	return c, ok
}

func (d *Driver) onHeartbeatHandshake(hc *heartbeat.Context, hs *wire.Handshake) error {
	d.mu.Lock()
	if _, ok := d.byUUID[hs.UUID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, hs.UUID)
	}
	old := d.hbByUUID[hs.UUID]
	d.hbByUUID[hs.UUID] = hc
	d.mu.Unlock()

	if old != nil && old != hc {
		d.handOff(func() { d.heartbeats.Close(old, nil) })
	}
	d.monitor.Register(hs.UUID, hc)
	return nil
}

// onHeartbeatClose fails the node when its heartbeat connection goes away.
func (d *Driver) onHeartbeatClose(hc *heartbeat.Context, err error) {
	id := hc.NodeUUID()
	if id == "" {
		return
	}
	d.mu.Lock()
	current := d.hbByUUID[id] == hc
	if current {
		delete(d.hbByUUID, id)
	}
	c := d.byUUID[id]
	d.mu.Unlock()

	if !current {
		return
	}
	d.monitor.Unregister(id)
	if c == nil || d.isStopping() {
		return
	}
	if err == nil || errors.Is(err, framing.ErrPeerClosed) || errors.Is(err, io.EOF) {
		// The node process went away; its data connection is closing too.
		d.failNode(c, framing.ErrPeerClosed)
		return
	}
	d.failNode(c, fmt.Errorf("%w: %v", ErrHeartbeatLost, err))
}

func (d *Driver) onHeartbeatFailure(id string, err error) {
	d.broker.Publish(events.New(events.EventHeartbeatFailed, "heartbeat lost", map[string]string{
		"node":  id,
		"error": err.Error(),
	}))
	if c, ok := d.node(id); ok {
		d.failNode(c, fmt.Errorf("%w: %v", ErrHeartbeatLost, err))
	}
}

// sweepLoop fails nodes that hold a bundle past its job's dispatch timeout.
func (d *Driver) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *Driver) sweep(now time.Time) {
	d.mu.RLock()
	nodes := make([]*NodeContext, 0, len(d.byUUID))
	for _, c := range d.byUUID {
		nodes = append(nodes, c)
	}
	d.mu.RUnlock()

	for _, c := range nodes {
		if b := c.expired(now); b != nil {
			d.failNode(c, fmt.Errorf("%w: bundle %s of job %s", ErrBundleTimeout, b.ID, b.JobUUID))
		}
	}
}
