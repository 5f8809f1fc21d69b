package driver

import (
	"fmt"
	"slices"
	"sort"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
)

// finishedJobs is the number of completed jobs kept for lookups.
const finishedJobs = 256

// Submit queues a job for execution. Its results are available once
// job.Done() is closed.
func (d *Driver) Submit(job *types.Job) error {
	if job.TaskCount() == 0 {
		return fmt.Errorf("job %s has no tasks", job.UUID)
	}
	if err := d.track(job); err != nil {
		return err
	}
	d.persist(job)

	d.logger.Info().
		Str("job_uuid", job.UUID).
		Str("job_name", job.Name).
		Int("tasks", job.TaskCount()).
		Int("priority", job.SLA.Priority).
		Msg("Job queued")
	d.broker.Publish(events.New(events.EventJobQueued, "job queued", map[string]string{
		"job":  job.UUID,
		"name": job.Name,
	}))
	return nil
}

// track indexes a job and adds it to the dispatch queue.
func (d *Driver) track(job *types.Job) error {
	d.mu.Lock()
	if _, ok := d.jobs[job.UUID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", queue.ErrDuplicateJob, job.UUID)
	}
	d.jobs[job.UUID] = job
	d.mu.Unlock()

	if err := d.queue.Add(job); err != nil {
		d.mu.Lock()
		delete(d.jobs, job.UUID)
		d.mu.Unlock()
		return err
	}
	if job.IsDone() {
		d.handOff(func() { d.finishJob(job) })
	}
	return nil
}

// Cancel cancels a queued or running job. Pending tasks terminate at once;
// tasks already on a node terminate when their bundle returns.
func (d *Driver) Cancel(jobUUID string) error {
	job, ok := d.activeJob(jobUUID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobUUID)
	}
	if !job.Cancel() {
		return nil
	}
	d.queue.Remove(jobUUID)
	d.reservations.RemoveJob(jobUUID)

	d.logger.Info().Str("job_uuid", jobUUID).Msg("Job cancelled")
	d.broker.Publish(events.New(events.EventJobCancelled, "job cancelled", map[string]string{"job": jobUUID}))
	if job.IsDone() {
		d.finishJob(job)
	} else if d.cfg.PersistJobs && d.store != nil {
		// A cancelled job is not resumed by a restart.
		if err := d.store.DeleteJob(jobUUID); err != nil {
			d.logger.Warn().Err(err).Str("job_uuid", jobUUID).Msg("Failed to delete persisted job")
		}
	}
	d.cancelDependents(jobUUID)
	return nil
}

// cancelDependents cancels the active jobs that can no longer run because
// they depend on a cancelled job.
func (d *Driver) cancelDependents(jobUUID string) {
	for _, job := range d.Jobs() {
		if !slices.Contains(job.Dependencies, jobUUID) || job.IsCancelled() {
			continue
		}
		d.logger.Info().Str("job_uuid", job.UUID).Str("dependency", jobUUID).Msg("Cancelling job with cancelled dependency")
		_ = d.Cancel(job.UUID)
	}
}

// Suspend holds or resumes the dispatching of a job. Bundles already on a
// node are not recalled.
func (d *Driver) Suspend(jobUUID string, suspended bool) error {
	job, ok := d.activeJob(jobUUID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobUUID)
	}
	job.SetSuspended(suspended)
	d.persist(job)
	if !suspended {
		d.scheduler.Wakeup()
	}
	return nil
}

// Resume is Suspend(jobUUID, false).
func (d *Driver) Resume(jobUUID string) error {
	return d.Suspend(jobUUID, false)
}

// SetPriority changes the dispatch priority of a queued job.
func (d *Driver) SetPriority(jobUUID string, priority int) error {
	job, ok := d.activeJob(jobUUID)
	if !ok || !d.queue.UpdatePriority(jobUUID, priority) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobUUID)
	}
	d.persist(job)
	return nil
}

// Job returns an active job or one of the most recently finished ones.
func (d *Driver) Job(jobUUID string) (*types.Job, bool) {
	if job, ok := d.activeJob(jobUUID); ok {
		return job, true
	}
	if v, ok := d.finished.Get(jobUUID); ok {
		return v.(*types.Job), true
	}
	return nil, false
}

// Jobs returns the active jobs, oldest first.
func (d *Driver) Jobs() []*types.Job {
	d.mu.RLock()
	out := make([]*types.Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})
	return out
}

func (d *Driver) activeJob(jobUUID string) (*types.Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	job, ok := d.jobs[jobUUID]
	return job, ok
}

// afterBundle runs after tasks of a job changed state outside the queue.
func (d *Driver) afterBundle(job *types.Job) {
	if job.IsDone() {
		d.finishJob(job)
		return
	}
	d.persist(job)
}

// finishJob retires a job whose tasks all have results. Only the first call
// for a job has an effect.
func (d *Driver) finishJob(job *types.Job) {
	d.mu.Lock()
	if _, ok := d.jobs[job.UUID]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.jobs, job.UUID)
	d.mu.Unlock()

	d.finished.Add(job.UUID, job)
	d.queue.Remove(job.UUID)
	d.reservations.RemoveJob(job.UUID)
	if d.cfg.PersistJobs && d.store != nil {
		if err := d.store.DeleteJob(job.UUID); err != nil {
			d.logger.Warn().Err(err).Str("job_uuid", job.UUID).Msg("Failed to delete persisted job")
		}
	}

	failed := 0
	for _, r := range job.Results() {
		if r.Failed() {
			failed++
		}
	}
	d.logger.Info().
		Str("job_uuid", job.UUID).
		Str("job_name", job.Name).
		Int("tasks", job.TaskCount()).
		Int("failed", failed).
		Bool("cancelled", job.IsCancelled()).
		Msg("Job completed")
	d.broker.Publish(events.New(events.EventJobCompleted, "job completed", map[string]string{
		"job":       job.UUID,
		"name":      job.Name,
		"failed":    fmt.Sprint(failed),
		"cancelled": fmt.Sprint(job.IsCancelled()),
	}))
}

func (d *Driver) persist(job *types.Job) {
	if !d.cfg.PersistJobs || d.store == nil || job.IsDone() || job.IsCancelled() {
		return
	}
	if err := d.store.SaveJob(storage.NewJobRecord(job)); err != nil {
		d.logger.Warn().Err(err).Str("job_uuid", job.UUID).Msg("Failed to persist job")
	}
}

// recoverJobs queues the jobs persisted by a previous run. Tasks that were
// in flight when it stopped run again.
func (d *Driver) recoverJobs() error {
	recs, err := d.store.ListJobs()
	if err != nil {
		return err
	}
	recovered := 0
	for _, rec := range recs {
		job := rec.Job()
		if job.IsDone() {
			if err := d.store.DeleteJob(rec.UUID); err != nil {
				d.logger.Warn().Err(err).Str("job_uuid", rec.UUID).Msg("Failed to delete finished job")
			}
			continue
		}
		if err := d.track(job); err != nil {
			d.logger.Warn().Err(err).Str("job_uuid", rec.UUID).Msg("Failed to recover job")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		d.logger.Info().Int("jobs", recovered).Msg("Recovered persisted jobs")
	}
	return nil
}
