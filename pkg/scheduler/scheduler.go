package scheduler

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultIdleBackoff is how long the loop sleeps when no dispatch succeeded
// and nothing woke it up.
const DefaultIdleBackoff = time.Second

// Node is the scheduler's view of a worker channel. Implementations guard
// their state with their own lock; the scheduler never holds one of its
// locks while calling them.
type Node interface {
	loadbalancer.ChannelInfo
	Reservable

	IsLocal() bool
	IsPeer() bool
	// Usable is false once the channel started failing or closing.
	Usable() bool
	SystemInfo() types.SystemInfo
	Config() types.NodeConfig
	CurrentJobs() int
	// Strategy returns the channel's load-balancer, or nil.
	Strategy() loadbalancer.Strategy
	// Reconfigure asks the worker to apply a configuration for a job it has
	// been reserved for.
	Reconfigure(jobUUID string, config types.NodeConfig) error
	// Dispatch records the bundle as outstanding on the channel and arms the
	// write. The channel leaves the idle set itself when it reaches capacity.
	Dispatch(b *types.Bundle) error
}

// Config holds the scheduler settings.
type Config struct {
	IdleBackoff time.Duration `yaml:"idleBackoff"`
	// LocalBias sends work to an in-process worker whenever it is eligible.
	LocalBias bool `yaml:"localBias"`
}

// Scheduler matches queued jobs with idle worker channels.
type Scheduler struct {
	cfg          Config
	queue        *queue.JobQueue
	idle         *IdleSet
	reservations *ReservationHandler
	broker       *events.Broker
	gridState    func() types.GridState
	lookup       func(jobUUID string) (*types.Job, bool)
	intn         func(n int) int
	logger       zerolog.Logger

	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler over a queue, an idle set and a reservation
// handler.
func New(cfg Config, q *queue.JobQueue, idle *IdleSet, reservations *ReservationHandler) *Scheduler {
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	s := &Scheduler{
		cfg:          cfg,
		queue:        q,
		idle:         idle,
		reservations: reservations,
		intn:         rand.IntN,
		logger:       log.WithComponent("scheduler"),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	s.gridState = func() types.GridState {
		return types.GridState{IdleNodes: idle.Len(), QueuedJobs: q.Len()}
	}
	s.lookup = q.Get
	return s
}

// SetBroker sets the broker dispatch and reservation events go to.
func (s *Scheduler) SetBroker(b *events.Broker) {
	s.broker = b
}

// SetGridState replaces the source of the state grid policies are
// evaluated against.
func (s *Scheduler) SetGridState(fn func() types.GridState) {
	s.gridState = fn
}

// SetJobLookup replaces the index job dependencies are resolved against.
// It must know finished jobs as well as queued ones.
func (s *Scheduler) SetJobLookup(fn func(jobUUID string) (*types.Job, bool)) {
	s.lookup = fn
}

// Start runs the scheduling loop in its own goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Wakeup makes the loop attempt a dispatch without waiting for the backoff.
func (s *Scheduler) Wakeup() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	timer := time.NewTimer(s.cfg.IdleBackoff)
	defer timer.Stop()

	for {
		for s.DispatchOnce() {
			select {
			case <-s.stopCh:
				return
			default:
			}
		}

		timer.Reset(s.cfg.IdleBackoff)
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

// DispatchOnce performs one dispatch attempt and reports whether a bundle
// was sent. Reserving a node does not count as a dispatch.
func (s *Scheduler) DispatchOnce() bool {
	if s.queue.IsEmpty() || s.idle.Len() == 0 {
		return false
	}
	timer := metrics.NewTimer()

	state := s.gridState()
	for _, job := range s.queue.Snapshot() {
		if s.idle.Len() == 0 {
			return false
		}
		if !s.acceptJob(job, state) {
			continue
		}
		node, reserve := s.findNode(job)
		if node == nil {
			continue
		}
		if reserve {
			s.reserve(job, node)
			continue
		}
		if s.dispatch(job, node) {
			timer.ObserveDuration(metrics.DispatchLatency)
			return true
		}
	}
	return false
}

// acceptJob runs the checks that do not depend on a particular node.
func (s *Scheduler) acceptJob(job *types.Job, state types.GridState) bool {
	if job.IsCancelled() || job.IsSuspended() || job.IsDone() {
		return false
	}
	if !s.dependenciesMet(job) {
		return false
	}
	limit := job.SLA.NodeLimit()
	if len(job.SLA.DesiredConfig) > 0 &&
		s.reservations.ReservedCount(job.UUID) >= limit &&
		len(s.reservations.ReadyNodes(job.UUID)) == 0 {
		return false
	}
	if job.ChannelCount() >= limit {
		return false
	}
	if !job.HasReadyTask() {
		return false
	}
	if p := job.SLA.GridPolicy; p != nil {
		ok, err := safeEvaluate(p.Evaluate, state)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_uuid", job.UUID).Msg("Grid policy failed")
		}
		if !ok {
			return false
		}
	}
	return true
}

// dependenciesMet reports whether every job job depends on has completed.
// An unknown or cancelled dependency is never met.
func (s *Scheduler) dependenciesMet(job *types.Job) bool {
	for _, dep := range job.Dependencies {
		other, ok := s.lookup(dep)
		if !ok || other.IsCancelled() || !other.IsDone() {
			return false
		}
	}
	return true
}

// findNode selects a channel for job. The second result is true when the
// channel must first be reserved and reconfigured.
func (s *Scheduler) findNode(job *types.Job) (Node, bool) {
	desired := job.SLA.DesiredConfig
	var (
		ready    map[string]bool
		reserved int
	)
	if len(desired) > 0 {
		ready = make(map[string]bool)
		for _, id := range s.reservations.ReadyNodes(job.UUID) {
			ready[id] = true
		}
		reserved = s.reservations.ReservedCount(job.UUID)
	}

	var candidates []Node
	for _, n := range s.idle.Snapshot() {
		if !n.Usable() {
			s.idle.Remove(n.UUID())
			continue
		}
		if n.CurrentJobs() >= n.MaxJobs() {
			continue
		}
		if s.reservations.PendingJob(n.UUID()) != "" {
			continue
		}
		if !acceptsJob(job, n) {
			continue
		}
		if p := job.SLA.ExecutionPolicy; p != nil {
			ok, err := safeEvaluate(p.Evaluate, n.SystemInfo())
			if err != nil {
				s.logger.Warn().Err(err).
					Str("job_uuid", job.UUID).
					Str("node_uuid", n.UUID()).
					Msg("Execution policy failed")
			}
			if !ok {
				continue
			}
		}
		if len(desired) > 0 {
			if readyFor := s.reservations.ReadyJob(n.UUID()); readyFor != "" && readyFor != job.UUID {
				continue
			}
			if len(ready) > 0 && !ready[n.UUID()] && reserved >= job.SLA.NodeLimit() {
				continue
			}
		}
		if s.cfg.LocalBias && n.IsLocal() {
			// A local worker cannot be reprovisioned.
			if len(desired) > 0 {
				continue
			}
			return n, false
		}
		candidates = append(candidates, n)
	}

	if job.IsCancelled() || len(candidates) == 0 {
		return nil, false
	}
	if len(desired) > 0 {
		candidates = closestConfigs(desired, candidates, ready)
		if len(candidates) == 0 {
			return nil, false
		}
	}

	n := candidates[0]
	if len(candidates) > 1 {
		n = candidates[s.intn(len(candidates))]
	}
	if len(desired) > 0 && !ready[n.UUID()] {
		return n, true
	}
	return n, false
}

// acceptsJob applies the relay and same-channel rules.
func acceptsJob(job *types.Job, n Node) bool {
	if slices.Contains(job.RelayPath, n.UUID()) {
		return false
	}
	if n.IsPeer() && len(job.RelayPath) >= job.SLA.RelayDepthLimit() {
		return false
	}
	if !job.SLA.AllowMultipleDispatchesToSameChannel && job.BundleCountFor(n.UUID()) > 0 {
		return false
	}
	return true
}

// closestConfigs keeps the nodes already reserved for the job if there are
// any, and otherwise the reconfigurable nodes whose configuration is the
// fewest changes away from the desired one.
func closestConfigs(desired types.NodeConfig, nodes []Node, ready map[string]bool) []Node {
	var reserved []Node
	for _, n := range nodes {
		if ready[n.UUID()] {
			reserved = append(reserved, n)
		}
	}
	if len(reserved) > 0 {
		return reserved
	}

	best := -1
	var closest []Node
	for _, n := range nodes {
		if n.IsPeer() || n.IsLocal() {
			continue
		}
		d := types.Distance(desired, n.Config())
		switch {
		case best < 0 || d < best:
			best = d
			closest = []Node{n}
		case d == best:
			closest = append(closest, n)
		}
	}
	return closest
}

func (s *Scheduler) reserve(job *types.Job, n Node) {
	s.reservations.Reserve(job.UUID, n)
	s.logger.Info().
		Str("job_uuid", job.UUID).
		Str("node_uuid", n.UUID()).
		Msg("Reserved node for job configuration")
	s.broker.Publish(events.New(events.EventReservationCreated, "node reserved for job", map[string]string{
		"job":  job.UUID,
		"node": n.UUID(),
	}))

	if err := n.Reconfigure(job.UUID, job.SLA.DesiredConfig.Clone()); err != nil {
		s.logger.Warn().Err(err).Str("node_uuid", n.UUID()).Msg("Failed to request node reconfiguration")
		s.reservations.RemoveNode(n)
	}
}

func (s *Scheduler) dispatch(job *types.Job, n Node) bool {
	size := s.bundleSize(job, n)
	if limit := job.SLA.DispatchLimit(); size > limit {
		size = limit
	}

	b, err := job.NextBundle(size, n.UUID())
	if err != nil || b == nil {
		return false
	}

	if err := n.Dispatch(b); err != nil {
		// Nothing reached the node: give the tasks back untouched.
		job.Complete(b.ID, nil)
		s.logger.Warn().Err(err).
			Str("job_uuid", job.UUID).
			Str("node_uuid", n.UUID()).
			Msg("Failed to dispatch bundle")
		return false
	}

	metrics.BundlesDispatched.Inc()
	metrics.TasksDispatched.Add(float64(b.Size()))
	s.logger.Debug().
		Str("job_uuid", job.UUID).
		Str("node_uuid", n.UUID()).
		Str("bundle_id", b.ID).
		Int("size", b.Size()).
		Msg("Dispatched bundle")
	s.broker.Publish(events.New(events.EventJobDispatched, "bundle dispatched", map[string]string{
		"job":    job.UUID,
		"node":   n.UUID(),
		"bundle": b.ID,
		"size":   fmt.Sprint(b.Size()),
	}))
	return true
}

// bundleSize asks the channel's strategy for a size, falling back to 1 when
// it fails.
func (s *Scheduler) bundleSize(job *types.Job, n Node) int {
	strategy := n.Strategy()
	if strategy == nil {
		strategy = loadbalancer.Fallback()
	}
	size, err := loadbalancer.BundleSize(strategy, n, job)
	if err != nil {
		metrics.LoadBalancerFallbacks.Inc()
		s.logger.Warn().Err(err).Str("node_uuid", n.UUID()).Msg("Load balancer failed, using bundle size 1")
		return 1
	}
	return size
}

// safeEvaluate runs a policy, turning a panic into an error and a false
// result.
func safeEvaluate[T any](eval func(T) (bool, error), v T) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("policy panicked: %v", r)
		}
	}()
	ok, err = eval(v)
	if err != nil {
		return false, err
	}
	return ok, nil
}
