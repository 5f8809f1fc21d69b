package types

import (
	"errors"
	"math"
	"runtime"
	"time"
)

var (
	// ErrNodeFailure is the cause recorded on tasks that exhausted their
	// resubmissions after the nodes executing them failed.
	ErrNodeFailure = errors.New("node failure: max resubmits exceeded")

	// ErrJobCancelled is returned when dispatching a cancelled job and is the
	// cause recorded on tasks terminated by a cancellation.
	ErrJobCancelled = errors.New("job cancelled")
)

// NodeRole defines the role a connection announces in its handshake
type NodeRole string

const (
	NodeRoleNode     NodeRole = "node"
	NodeRolePeer     NodeRole = "peer"
	NodeRoleProvider NodeRole = "provider"
)

// NodeStatus is the state of a worker channel as seen by the driver
type NodeStatus string

const (
	NodeStatusIdle     NodeStatus = "idle"
	NodeStatusActive   NodeStatus = "active"
	NodeStatusReserved NodeStatus = "reserved"
	NodeStatusClosed   NodeStatus = "closed"
)

// SystemInfo describes a worker process. Execution policies are evaluated
// against it.
type SystemInfo struct {
	Hostname   string            `json:"hostname"`
	OS         string            `json:"os"`
	Arch       string            `json:"arch"`
	CPUs       int               `json:"cpus"`
	Properties map[string]string `json:"properties,omitempty"`
}

// LocalSystemInfo returns the system information of the running process.
func LocalSystemInfo(hostname string, props map[string]string) SystemInfo {
	return SystemInfo{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		Properties: props,
	}
}

// Property returns a named property, falling back to the well-known fields.
func (s SystemInfo) Property(key string) (string, bool) {
	switch key {
	case "hostname":
		return s.Hostname, s.Hostname != ""
	case "os":
		return s.OS, s.OS != ""
	case "arch":
		return s.Arch, s.Arch != ""
	}
	v, ok := s.Properties[key]
	return v, ok
}

// NodeConfig is the set of configuration properties a worker runs with.
type NodeConfig map[string]string

// Clone returns a copy of the configuration.
func (c NodeConfig) Clone() NodeConfig {
	if c == nil {
		return nil
	}
	out := make(NodeConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Distance counts the desired keys whose value differs from, or is missing
// in, the actual configuration. Zero means the node already matches.
func Distance(desired, actual NodeConfig) int {
	d := 0
	for k, v := range desired {
		if got, ok := actual[k]; !ok || got != v {
			d++
		}
	}
	return d
}

// GridState is the global view a grid policy is evaluated against.
type GridState struct {
	Nodes       int `json:"nodes"`
	IdleNodes   int `json:"idleNodes"`
	Peers       int `json:"peers"`
	QueuedJobs  int `json:"queuedJobs"`
	JobChannels int `json:"jobChannels"`
}

// Policy is a predicate over a worker's system information.
type Policy interface {
	Evaluate(info SystemInfo) (bool, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(info SystemInfo) (bool, error)

func (f PolicyFunc) Evaluate(info SystemInfo) (bool, error) { return f(info) }

// GridPolicy is a predicate over the global grid state.
type GridPolicy interface {
	Evaluate(state GridState) (bool, error)
}

// GridPolicyFunc adapts a function to the GridPolicy interface.
type GridPolicyFunc func(state GridState) (bool, error)

func (f GridPolicyFunc) Evaluate(state GridState) (bool, error) { return f(state) }

// PropertyEquals matches nodes whose property equals value.
func PropertyEquals(key, value string) Policy {
	return PolicyFunc(func(info SystemInfo) (bool, error) {
		v, ok := info.Property(key)
		return ok && v == value, nil
	})
}

// AtLeastCPUs matches nodes with at least n processors.
func AtLeastCPUs(n int) Policy {
	return PolicyFunc(func(info SystemInfo) (bool, error) {
		return info.CPUs >= n, nil
	})
}

// MinNodes matches when at least n worker nodes are connected.
func MinNodes(n int) GridPolicy {
	return GridPolicyFunc(func(state GridState) (bool, error) {
		return state.Nodes >= n, nil
	})
}

// SLA holds the per-job dispatch constraints. Zero values of the limits
// mean "unlimited".
type SLA struct {
	Priority                             int           `json:"priority"`
	MaxNodes                             int           `json:"maxNodes"`
	MaxResubmits                         int           `json:"maxResubmits"`
	MaxDispatchSize                      int           `json:"maxDispatchSize"`
	MaxRelayDepth                        int           `json:"maxRelayDepth"`
	AllowMultipleDispatchesToSameChannel bool          `json:"allowMultipleDispatchesToSameChannel"`
	Suspended                            bool          `json:"suspended"`
	DispatchTimeout                      time.Duration `json:"dispatchTimeout"`
	DesiredConfig                        NodeConfig    `json:"desiredConfig,omitempty"`

	ExecutionPolicy Policy     `json:"-"`
	GridPolicy      GridPolicy `json:"-"`
}

// DefaultSLA returns the SLA applied to jobs that do not specify one.
func DefaultSLA() SLA {
	return SLA{MaxResubmits: 1}
}

// NodeLimit returns the maximum number of channels the job may use at once.
func (s SLA) NodeLimit() int {
	if s.MaxNodes <= 0 {
		return math.MaxInt
	}
	return s.MaxNodes
}

// DispatchLimit returns the maximum bundle size.
func (s SLA) DispatchLimit() int {
	if s.MaxDispatchSize <= 0 {
		return math.MaxInt
	}
	return s.MaxDispatchSize
}

// Portable returns a copy of the SLA that can be serialized. Policies are
// code and are dropped.
func (s SLA) Portable() SLA {
	s.ExecutionPolicy = nil
	s.GridPolicy = nil
	s.DesiredConfig = s.DesiredConfig.Clone()
	return s
}

// RelayDepthLimit returns the maximum number of coordinator hops.
func (s SLA) RelayDepthLimit() int {
	if s.MaxRelayDepth <= 0 {
		return math.MaxInt
	}
	return s.MaxRelayDepth
}

// Task is one independently executable unit of a job.
type Task struct {
	Position      int         `json:"position"`
	Kind          string      `json:"kind"`
	Payload       []byte      `json:"payload,omitempty"`
	DependsOn     []int       `json:"dependsOn,omitempty"`
	ResubmitCount int         `json:"resubmitCount"`
	Result        *TaskResult `json:"result,omitempty"`
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	Position    int    `json:"position"`
	Output      []byte `json:"output,omitempty"`
	Err         string `json:"err,omitempty"`
	NodeFailure bool   `json:"nodeFailure,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
	NodeUUID    string `json:"nodeUUID,omitempty"`
}

// Failed reports whether the task ended without a usable output.
func (r *TaskResult) Failed() bool {
	return r.Err != "" || r.NodeFailure || r.Cancelled
}

// Bundle is the slice of a job's tasks sent to one channel in one dispatch.
// It is not modified after it has been created.
type Bundle struct {
	ID          string    `json:"id"`
	JobUUID     string    `json:"jobUUID"`
	JobName     string    `json:"jobName"`
	ChannelUUID string    `json:"channelUUID"`
	RelayPath   []string  `json:"relayPath,omitempty"`
	Tasks       []*Task   `json:"tasks"`
	CreatedAt   time.Time `json:"createdAt"`

	job *Job
}

// Job returns the job the bundle was sliced from.
func (b *Bundle) Job() *Job {
	return b.job
}

// Size returns the number of tasks in the bundle.
func (b *Bundle) Size() int {
	return len(b.Tasks)
}

// Expired reports whether the bundle has been outstanding longer than the
// job's dispatch timeout.
func (b *Bundle) Expired(now time.Time) bool {
	if b.job == nil || b.job.SLA.DispatchTimeout <= 0 {
		return false
	}
	return now.Sub(b.CreatedAt) > b.job.SLA.DispatchTimeout
}
