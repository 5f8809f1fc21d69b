package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/cuemby/hive/pkg/types"
)

// ErrDuplicateJob is returned when adding a job whose uuid is already queued.
var ErrDuplicateJob = errors.New("job already queued")

type entry struct {
	job      *types.Job
	priority int
	seq      uint64
}

// JobQueue holds the non-terminal jobs awaiting dispatch, ordered by
// priority and then by arrival.
type JobQueue struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	seq      uint64
	onChange func()
}

// New creates an empty queue.
func New() *JobQueue {
	return &JobQueue{entries: make(map[string]*entry)}
}

// OnChange installs a callback run after every addition or priority change.
// It is called without the queue lock held.
func (q *JobQueue) OnChange(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// Add queues a job.
func (q *JobQueue) Add(job *types.Job) error {
	q.mu.Lock()
	if _, exists := q.entries[job.UUID]; exists {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	q.seq++
	q.entries[job.UUID] = &entry{job: job, priority: job.SLA.Priority, seq: q.seq}
	fn := q.onChange
	q.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Remove takes a job out of the queue.
func (q *JobQueue) Remove(jobUUID string) (*types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobUUID]
	if !ok {
		return nil, false
	}
	delete(q.entries, jobUUID)
	return e.job, true
}

// Get returns a queued job.
func (q *JobQueue) Get(jobUUID string) (*types.Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.entries[jobUUID]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// UpdatePriority changes a queued job's priority. Its arrival rank is kept.
func (q *JobQueue) UpdatePriority(jobUUID string, priority int) bool {
	q.mu.Lock()
	e, ok := q.entries[jobUUID]
	if ok {
		e.priority = priority
	}
	fn := q.onChange
	q.mu.Unlock()

	if ok && fn != nil {
		fn()
	}
	return ok
}

// Snapshot returns the queued jobs in dispatch order: highest priority
// first, earliest arrival first among equal priorities.
func (q *JobQueue) Snapshot() []*types.Job {
	q.mu.RLock()
	sorted := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		sorted = append(sorted, &entry{job: e.job, priority: e.priority, seq: e.seq})
	}
	q.mu.RUnlock()

	sort.Slice(sorted, func(i, j int) bool {
		if pi, pj := sorted[i].priority, sorted[j].priority; pi != pj {
			return pi > pj
		}
		return sorted[i].seq < sorted[j].seq
	})

	jobs := make([]*types.Job, len(sorted))
	for i, e := range sorted {
		jobs[i] = e.job
	}
	return jobs
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// IsEmpty reports whether no job is queued.
func (q *JobQueue) IsEmpty() bool {
	return q.Len() == 0
}
