package types

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a submitted unit of distributed work. Every task of the job is at
// any time in exactly one of three places: the pending list, one outstanding
// bundle, or the terminal result slot.
type Job struct {
	UUID         string
	Name         string
	SLA          SLA
	RelayPath    []string
	Dependencies []string
	SubmittedAt  time.Time

	mu        sync.Mutex
	tasks     []*Task
	pending   []*Task
	bundles   map[string]*Bundle
	channels  map[string]int
	terminal  int
	cancelled bool
	suspended bool
	done      chan struct{}
}

// NewJob creates a job with a fresh uuid. Task positions are assigned in
// the order given.
func NewJob(name string, tasks []*Task, sla SLA) *Job {
	return RestoreJob(uuid.New().String(), name, tasks, sla)
}

// RestoreJob rebuilds a job with a known uuid, for instance one reloaded from
// persistent storage. Tasks that already carry a result stay terminal.
func RestoreJob(id, name string, tasks []*Task, sla SLA) *Job {
	j := &Job{
		UUID:        id,
		Name:        name,
		SLA:         sla,
		SubmittedAt: time.Now(),
		tasks:       tasks,
		bundles:     make(map[string]*Bundle),
		channels:    make(map[string]int),
		suspended:   sla.Suspended,
		done:        make(chan struct{}),
	}
	for i, t := range tasks {
		t.Position = i
		if t.Result != nil {
			j.terminal++
			continue
		}
		j.pending = append(j.pending, t)
	}
	if j.terminal == len(tasks) {
		close(j.done)
	}
	return j
}

// TaskCount returns the number of tasks in the job.
func (j *Job) TaskCount() int {
	return len(j.tasks)
}

// Tasks returns a copy of the task list.
func (j *Job) Tasks() []Task {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Task, len(j.tasks))
	for i, t := range j.tasks {
		out[i] = *t
		if t.Result != nil {
			r := *t.Result
			out[i].Result = &r
		}
	}
	return out
}

// Results returns the terminal results recorded so far, ordered by position.
func (j *Job) Results() []TaskResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	results := make([]TaskResult, 0, j.terminal)
	for _, t := range j.tasks {
		if t.Result != nil {
			results = append(results, *t.Result)
		}
	}
	return results
}

// Counts returns how many tasks are pending, inside outstanding bundles, and
// terminal. The three always sum to TaskCount.
func (j *Job) Counts() (pending, outstanding, terminal int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, b := range j.bundles {
		outstanding += len(b.Tasks)
	}
	return len(j.pending), outstanding, j.terminal
}

// Bundles returns the outstanding bundles.
func (j *Job) Bundles() []*Bundle {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*Bundle, 0, len(j.bundles))
	for _, b := range j.bundles {
		out = append(out, b)
	}
	return out
}

// ChannelCount returns the number of distinct channels currently holding
// bundles of this job.
func (j *Job) ChannelCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.channels)
}

// BundleCountFor returns the number of outstanding bundles on one channel.
func (j *Job) BundleCountFor(channelUUID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.channels[channelUUID]
}

// IsCancelled reports whether the job was cancelled.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// IsSuspended reports whether dispatching of the job is on hold.
func (j *Job) IsSuspended() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.suspended
}

// SetSuspended suspends or resumes the job.
func (j *Job) SetSuspended(suspended bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.suspended = suspended
}

// Cancel marks the job cancelled and terminates its pending tasks. Tasks in
// outstanding bundles terminate when their bundle completes or is returned.
// It returns false if the job was already cancelled.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelled {
		return false
	}
	j.cancelled = true
	for _, t := range j.pending {
		j.finishLocked(t, &TaskResult{Err: ErrJobCancelled.Error(), Cancelled: true})
	}
	j.pending = nil
	return true
}

// Done is closed once every task has a terminal result.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// IsDone reports whether every task has a terminal result.
func (j *Job) IsDone() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// HasTaskGraph reports whether any task depends on another.
func (j *Job) HasTaskGraph() bool {
	for _, t := range j.tasks {
		if len(t.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// HasReadyTask reports whether at least one pending task can be dispatched
// now, that is all of its dependencies have terminal results.
func (j *Job) HasReadyTask() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, t := range j.pending {
		if j.readyLocked(t) {
			return true
		}
	}
	return false
}

// NextBundle slices up to size dispatchable tasks off the pending list into
// a new outstanding bundle for the given channel. It returns nil when no task
// is ready.
func (j *Job) NextBundle(size int, channelUUID string) (*Bundle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelled {
		return nil, ErrJobCancelled
	}
	if size < 1 {
		size = 1
	}

	var selected []*Task
	remaining := j.pending[:0:0]
	for _, t := range j.pending {
		if len(selected) < size && j.readyLocked(t) {
			selected = append(selected, t)
			continue
		}
		remaining = append(remaining, t)
	}
	if len(selected) == 0 {
		return nil, nil
	}
	j.pending = remaining

	b := &Bundle{
		ID:          uuid.New().String(),
		JobUUID:     j.UUID,
		JobName:     j.Name,
		ChannelUUID: channelUUID,
		RelayPath:   append([]string(nil), j.RelayPath...),
		Tasks:       selected,
		CreatedAt:   time.Now(),
		job:         j,
	}
	j.bundles[b.ID] = b
	j.channels[channelUUID]++
	return b, nil
}

// Complete records the results of an outstanding bundle. Tasks of the bundle
// missing from results go back to the pending list unchanged. It returns
// false when the bundle is no longer outstanding, in which case nothing is
// recorded.
func (j *Job) Complete(bundleID string, results []TaskResult) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, ok := j.releaseLocked(bundleID)
	if !ok {
		return false
	}

	byPosition := make(map[int]TaskResult, len(results))
	for _, r := range results {
		byPosition[r.Position] = r
	}
	for _, t := range b.Tasks {
		r, ok := byPosition[t.Position]
		if !ok {
			j.requeueLocked(t)
			continue
		}
		r.Position = t.Position
		j.finishLocked(t, &r)
	}
	return true
}

// Resubmit returns the tasks of an outstanding bundle to the pending list
// after the channel holding it failed. Each task's resubmit counter is
// incremented; tasks that already used all of their resubmissions terminate
// with a node-failure result instead. It returns ok=false if the bundle was
// not outstanding, which makes repeated calls for the same bundle no-ops.
func (j *Job) Resubmit(bundleID string) (resubmitted, failed int, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, ok := j.releaseLocked(bundleID)
	if !ok {
		return 0, 0, false
	}
	for _, t := range b.Tasks {
		switch {
		case j.cancelled:
			j.finishLocked(t, &TaskResult{Err: ErrJobCancelled.Error(), Cancelled: true})
			failed++
		case t.ResubmitCount >= j.SLA.MaxResubmits:
			j.finishLocked(t, &TaskResult{
				Err:         ErrNodeFailure.Error(),
				NodeFailure: true,
				NodeUUID:    b.ChannelUUID,
			})
			failed++
		default:
			t.ResubmitCount++
			j.requeueLocked(t)
			resubmitted++
		}
	}
	return resubmitted, failed, true
}

func (j *Job) releaseLocked(bundleID string) (*Bundle, bool) {
	b, ok := j.bundles[bundleID]
	if !ok {
		return nil, false
	}
	delete(j.bundles, bundleID)
	if n := j.channels[b.ChannelUUID] - 1; n > 0 {
		j.channels[b.ChannelUUID] = n
	} else {
		delete(j.channels, b.ChannelUUID)
	}
	return b, true
}

func (j *Job) requeueLocked(t *Task) {
	if j.cancelled {
		j.finishLocked(t, &TaskResult{Err: ErrJobCancelled.Error(), Cancelled: true})
		return
	}
	i := sort.Search(len(j.pending), func(i int) bool {
		return j.pending[i].Position >= t.Position
	})
	j.pending = append(j.pending, nil)
	copy(j.pending[i+1:], j.pending[i:])
	j.pending[i] = t
}

func (j *Job) finishLocked(t *Task, r *TaskResult) {
	if t.Result != nil {
		return
	}
	r.Position = t.Position
	t.Result = r
	j.terminal++
	if j.terminal == len(j.tasks) {
		close(j.done)
	}
}

func (j *Job) readyLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		if dep < 0 || dep >= len(j.tasks) {
			continue
		}
		if j.tasks[dep].Result == nil {
			return false
		}
	}
	return true
}
