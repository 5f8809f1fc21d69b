package driver

import (
	"context"
	"slices"

	"github.com/cuemby/hive/pkg/node"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// startPeer connects to another driver as a worker of role peer. Bundles
// the remote driver sends are submitted here as jobs of their own.
func (d *Driver) startPeer(ctx context.Context, g *errgroup.Group, addr string) {
	n := node.New(node.Config{
		UUID:       d.uuid,
		DriverAddr: addr,
		MaxJobs:    d.cfg.PeerMaxJobs,
		Role:       types.NodeRolePeer,
	})
	n.SetRunner(node.RunnerFunc(d.relay))

	d.mu.Lock()
	d.localNodes = append(d.localNodes, n)
	d.mu.Unlock()

	d.logger.Info().Str("peer", addr).Msg("Connecting to peer driver")
	g.Go(func() error { return n.Run(ctx) })
}

// relay runs a bundle received from a peer driver through this driver's
// grid. The relay path of the local job records the sender so the bundle is
// never sent back to it.
func (d *Driver) relay(ctx context.Context, driverUUID string, req *wire.BundleRequest) []types.TaskResult {
	tasks := make([]*types.Task, len(req.Tasks))
	for i, t := range req.Tasks {
		tasks[i] = &types.Task{Kind: t.Kind, Payload: t.Payload}
	}

	sla := types.DefaultSLA()
	if req.SLA != nil {
		sla = *req.SLA
	}
	job := types.NewJob(req.JobName, tasks, sla)
	job.RelayPath = append(slices.Clone(req.RelayPath), driverUUID)

	logger := d.logger.With().
		Str("job_uuid", job.UUID).
		Str("origin_job", req.JobUUID).
		Str("peer_uuid", driverUUID).
		Logger()
	if err := d.Submit(job); err != nil {
		logger.Warn().Err(err).Msg("Failed to submit relayed bundle")
		return relayFailure(req, err.Error())
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		if err := d.Cancel(job.UUID); err != nil {
			logger.Debug().Err(err).Msg("Relayed job already finished")
		}
		return nil
	}

	results := job.Results()
	out := make([]types.TaskResult, len(results))
	for i, r := range results {
		r.Position = req.Tasks[i].Position
		out[i] = r
	}
	logger.Debug().Int("tasks", len(out)).Msg("Relayed bundle completed")
	return out
}

func relayFailure(req *wire.BundleRequest, msg string) []types.TaskResult {
	out := make([]types.TaskResult, len(req.Tasks))
	for i, t := range req.Tasks {
		out[i] = types.TaskResult{Position: t.Position, Err: msg}
	}
	return out
}
