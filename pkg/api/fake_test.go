package api

import (
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/types"
)

type fakeDriver struct {
	broker *events.Broker

	mu   sync.Mutex
	jobs map[string]*types.Job
	err  error
}

func newFakeDriver() *fakeDriver {
	b := events.NewBroker()
	b.Start()
	return &fakeDriver{broker: b, jobs: make(map[string]*types.Job)}
}

func (f *fakeDriver) UUID() string { return "driver-1" }

func (f *fakeDriver) Snapshot() driver.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := driver.Snapshot{
		DriverUUID: "driver-1",
		Time:       time.Now(),
		Nodes: []driver.NodeInfo{
			{UUID: "node-1", Role: types.NodeRoleNode, MaxJobs: 4, MeanRTT: 1500 * time.Millisecond},
		},
	}
	for _, j := range f.jobs {
		s.Jobs = append(s.Jobs, driver.NewJobInfo(j))
	}
	return s
}

func (f *fakeDriver) Submit(job *types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs[job.UUID] = job
	f.broker.Publish(events.New(events.EventJobQueued, "queued", map[string]string{"job_uuid": job.UUID}))
	return nil
}

func (f *fakeDriver) Job(id string) (*types.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeDriver) Cancel(id string) error {
	j, ok := f.Job(id)
	if !ok {
		return driver.ErrJobNotFound
	}
	j.Cancel()
	return nil
}

func (f *fakeDriver) Suspend(id string, suspended bool) error {
	j, ok := f.Job(id)
	if !ok {
		return driver.ErrJobNotFound
	}
	j.SetSuspended(suspended)
	return nil
}

func (f *fakeDriver) Broker() *events.Broker { return f.broker }

func (f *fakeDriver) add(name string, kinds ...string) *types.Job {
	tasks := make([]*types.Task, len(kinds))
	for i, k := range kinds {
		tasks[i] = &types.Task{Kind: k}
	}
	j := types.NewJob(name, tasks, types.DefaultSLA())
	f.mu.Lock()
	f.jobs[j.UUID] = j
	f.mu.Unlock()
	return j
}
