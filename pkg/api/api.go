package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidRequest is returned for malformed submissions.
var ErrInvalidRequest = errors.New("invalid request")

// Driver is the part of the driver the management API serves.
type Driver interface {
	UUID() string
	Snapshot() driver.Snapshot
	Submit(job *types.Job) error
	Job(jobUUID string) (*types.Job, bool)
	Cancel(jobUUID string) error
	Suspend(jobUUID string, suspended bool) error
	Broker() *events.Broker
}

// TaskSpec describes one task of a submitted job.
type TaskSpec struct {
	Kind      string `json:"kind" yaml:"kind"`
	Payload   string `json:"payload,omitempty" yaml:"payload,omitempty"`
	DependsOn []int  `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Name            string           `json:"name" yaml:"name"`
	Priority        int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxNodes        int              `json:"maxNodes,omitempty" yaml:"maxNodes,omitempty"`
	MaxResubmits    *int             `json:"maxResubmits,omitempty" yaml:"maxResubmits,omitempty"`
	MaxDispatchSize int              `json:"maxDispatchSize,omitempty" yaml:"maxDispatchSize,omitempty"`
	DispatchTimeout string           `json:"dispatchTimeout,omitempty" yaml:"dispatchTimeout,omitempty"`
	Suspended       bool             `json:"suspended,omitempty" yaml:"suspended,omitempty"`
	DesiredConfig   types.NodeConfig `json:"desiredConfig,omitempty" yaml:"desiredConfig,omitempty"`
	Tasks           []TaskSpec       `json:"tasks" yaml:"tasks"`
}

// Job builds the job described by the request.
func (r SubmitRequest) Job() (*types.Job, error) {
	if len(r.Tasks) == 0 {
		return nil, fmt.Errorf("%w: job has no tasks", ErrInvalidRequest)
	}
	sla := types.DefaultSLA()
	sla.Priority = r.Priority
	sla.MaxNodes = r.MaxNodes
	sla.MaxDispatchSize = r.MaxDispatchSize
	sla.Suspended = r.Suspended
	sla.DesiredConfig = r.DesiredConfig
	if r.MaxResubmits != nil {
		sla.MaxResubmits = *r.MaxResubmits
	}
	if r.DispatchTimeout != "" {
		d, err := time.ParseDuration(r.DispatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: dispatch timeout: %v", ErrInvalidRequest, err)
		}
		sla.DispatchTimeout = d
	}

	tasks := make([]*types.Task, len(r.Tasks))
	for i, spec := range r.Tasks {
		if spec.Kind == "" {
			return nil, fmt.Errorf("%w: task %d has no kind", ErrInvalidRequest, i)
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= len(r.Tasks) || dep == i {
				return nil, fmt.Errorf("%w: task %d depends on invalid task %d", ErrInvalidRequest, i, dep)
			}
		}
		tasks[i] = &types.Task{Kind: spec.Kind, Payload: []byte(spec.Payload), DependsOn: spec.DependsOn}
	}
	return types.NewJob(r.Name, tasks, sla), nil
}

// JobDetail is a job summary with the results recorded so far.
type JobDetail struct {
	driver.JobInfo
	Done    bool               `json:"done"`
	Results []types.TaskResult `json:"results,omitempty"`
}

// NewJobDetail describes a job.
func NewJobDetail(job *types.Job) JobDetail {
	return JobDetail{
		JobInfo: driver.NewJobInfo(job),
		Done:    job.IsDone(),
		Results: job.Results(),
	}
}

// EventInfo is the wire form of a broker event.
type EventInfo struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newEventInfo(e *events.Event) EventInfo {
	return EventInfo{
		ID:        e.ID,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Metadata:  e.Metadata,
	}
}

// ToStruct converts a JSON-encodable value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a protobuf Struct into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
