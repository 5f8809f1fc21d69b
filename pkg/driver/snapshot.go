package driver

import (
	"sort"
	"time"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/scheduler"
	"github.com/cuemby/hive/pkg/types"
)

// NodeInfo describes a connected channel.
type NodeInfo struct {
	UUID        string           `json:"uuid"`
	Role        types.NodeRole   `json:"role"`
	Status      types.NodeStatus `json:"status"`
	Local       bool             `json:"local"`
	RemoteAddr  string           `json:"remoteAddr"`
	MaxJobs     int              `json:"maxJobs"`
	CurrentJobs int              `json:"currentJobs"`
	Algorithm   string           `json:"algorithm"`
	SystemInfo  types.SystemInfo `json:"systemInfo"`
	Config      types.NodeConfig `json:"config,omitempty"`
	ConnectedAt time.Time        `json:"connectedAt"`
	MeanRTT     time.Duration    `json:"meanRTT"`
	Heartbeat   bool             `json:"heartbeat"`
}

// JobInfo describes an active job.
type JobInfo struct {
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	Tasks       int       `json:"tasks"`
	Pending     int       `json:"pending"`
	Outstanding int       `json:"outstanding"`
	Terminal    int       `json:"terminal"`
	Channels    int       `json:"channels"`
	Suspended   bool      `json:"suspended"`
	Cancelled   bool      `json:"cancelled"`
	RelayPath   []string  `json:"relayPath,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Snapshot is a point-in-time view of the driver.
type Snapshot struct {
	DriverUUID        string                 `json:"driverUUID"`
	Time              time.Time              `json:"time"`
	StartedAt         time.Time              `json:"startedAt"`
	Nodes             []NodeInfo             `json:"nodes"`
	Jobs              []JobInfo              `json:"jobs"`
	Reservations      scheduler.Reservations `json:"reservations"`
	HeartbeatFailures []*events.Event        `json:"heartbeatFailures,omitempty"`
	ResourceCache     int                    `json:"resourceCache"`
	ResourceProviders int                    `json:"resourceProviders"`
}

// Snapshot captures the state of the grid.
func (d *Driver) Snapshot() Snapshot {
	d.mu.RLock()
	nodes := make([]*NodeContext, 0, len(d.byUUID))
	for _, c := range d.byUUID {
		nodes = append(nodes, c)
	}
	withHeartbeat := make(map[string]bool, len(d.hbByUUID))
	for id := range d.hbByUUID {
		withHeartbeat[id] = true
	}
	startedAt := d.startedAt
	d.mu.RUnlock()

	s := Snapshot{
		DriverUUID:        d.uuid,
		Time:              time.Now(),
		StartedAt:         startedAt,
		Nodes:             make([]NodeInfo, 0, len(nodes)),
		Reservations:      d.reservations.Snapshot(),
		HeartbeatFailures: d.broker.Recent(events.EventHeartbeatFailed, 10),
		ResourceCache:     d.resources.CacheLen(),
		ResourceProviders: d.resources.Providers(),
	}
	for _, c := range nodes {
		info := c.describe()
		info.Heartbeat = withHeartbeat[info.UUID]
		s.Nodes = append(s.Nodes, info)
	}
	sort.Slice(s.Nodes, func(i, k int) bool { return s.Nodes[i].UUID < s.Nodes[k].UUID })

	for _, j := range d.Jobs() {
		s.Jobs = append(s.Jobs, NewJobInfo(j))
	}
	return s
}

// NewJobInfo summarizes a job.
func NewJobInfo(j *types.Job) JobInfo {
	pending, outstanding, terminal := j.Counts()
	return JobInfo{
		UUID:        j.UUID,
		Name:        j.Name,
		Priority:    j.SLA.Priority,
		Tasks:       j.TaskCount(),
		Pending:     pending,
		Outstanding: outstanding,
		Terminal:    terminal,
		Channels:    j.ChannelCount(),
		Suspended:   j.IsSuspended(),
		Cancelled:   j.IsCancelled(),
		RelayPath:   j.RelayPath,
		SubmittedAt: j.SubmittedAt,
	}
}

// Stats feeds the metrics collector.
func (d *Driver) Stats() metrics.Stats {
	d.mu.RLock()
	nodes := make([]*NodeContext, 0, len(d.byUUID))
	for _, c := range d.byUUID {
		nodes = append(nodes, c)
	}
	d.mu.RUnlock()

	stats := metrics.Stats{
		NodesByStatus: make(map[string]map[string]int),
		QueuedJobs:    d.queue.Len(),
	}
	for _, c := range nodes {
		role := string(c.role)
		if stats.NodesByStatus[role] == nil {
			stats.NodesByStatus[role] = make(map[string]int)
		}
		stats.NodesByStatus[role][string(c.status())]++
	}
	for _, j := range d.queue.Snapshot() {
		pending, _, _ := j.Counts()
		stats.PendingTasks += pending
	}
	r := d.reservations.Snapshot()
	stats.Reservations = map[string]int{
		"pending": len(r.Pending),
		"ready":   len(r.Ready),
	}
	return stats
}

// gridState is what grid policies are evaluated against.
func (d *Driver) gridState() types.GridState {
	d.mu.RLock()
	var state types.GridState
	for _, c := range d.byUUID {
		if c.IsPeer() {
			state.Peers++
		} else {
			state.Nodes++
		}
	}
	d.mu.RUnlock()

	state.IdleNodes = d.idle.Len()
	state.QueuedJobs = d.queue.Len()
	for _, j := range d.queue.Snapshot() {
		state.JobChannels += j.ChannelCount()
	}
	return state
}
