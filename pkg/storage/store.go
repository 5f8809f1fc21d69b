package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/types"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("not found")

// Store defines the interface for driver state that outlives a process:
// load-balancer strategy state per node and jobs awaiting completion.
type Store interface {
	// Load-balancer state, keyed by node uuid and algorithm name
	SaveBalancerState(nodeUUID, algorithm string, state []byte) error
	GetBalancerState(nodeUUID, algorithm string) ([]byte, error)
	DeleteBalancerState(nodeUUID, algorithm string) error

	// Jobs
	SaveJob(rec *JobRecord) error
	GetJob(uuid string) (*JobRecord, error)
	ListJobs() ([]*JobRecord, error)
	DeleteJob(uuid string) error

	// Utility
	Close() error
}

// JobRecord is the persisted form of a job. Policies are code and are not
// stored; a restored job carries none.
type JobRecord struct {
	UUID         string       `json:"uuid"`
	Name         string       `json:"name"`
	SLA          types.SLA    `json:"sla"`
	RelayPath    []string     `json:"relayPath,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Tasks        []types.Task `json:"tasks"`
	SubmittedAt  time.Time    `json:"submittedAt"`
}

// NewJobRecord captures the current state of a job, including the results
// recorded so far.
func NewJobRecord(job *types.Job) *JobRecord {
	sla := job.SLA.Portable()
	sla.Suspended = job.IsSuspended()
	return &JobRecord{
		UUID:         job.UUID,
		Name:         job.Name,
		SLA:          sla,
		RelayPath:    append([]string(nil), job.RelayPath...),
		Dependencies: append([]string(nil), job.Dependencies...),
		Tasks:        job.Tasks(),
		SubmittedAt:  job.SubmittedAt,
	}
}

// Job rebuilds the job. Tasks that were in flight when the record was saved
// are pending again.
func (r *JobRecord) Job() *types.Job {
	tasks := make([]*types.Task, len(r.Tasks))
	for i := range r.Tasks {
		t := r.Tasks[i]
		tasks[i] = &t
	}
	job := types.RestoreJob(r.UUID, r.Name, tasks, r.SLA)
	job.RelayPath = append([]string(nil), r.RelayPath...)
	job.Dependencies = append([]string(nil), r.Dependencies...)
	if !r.SubmittedAt.IsZero() {
		job.SubmittedAt = r.SubmittedAt
	}
	return job
}

// Config selects and configures a store backend.
type Config struct {
	// Type is one of "bolt", "sqlite", "redis" or "none".
	Type string `yaml:"type"`

	// DataDir holds hive.db for the bolt backend.
	DataDir string `yaml:"dataDir"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// Redis settings.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	RedisPrefix   string `yaml:"redisPrefix"`
}

// NewStore opens the backend named by cfg.Type. It returns a nil store for
// type "none".
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return NewBoltStore(cfg.DataDir)
	case "sqlite":
		return NewSQLStore(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func balancerKey(nodeUUID, algorithm string) string {
	return nodeUUID + "/" + algorithm
}
