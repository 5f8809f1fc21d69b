/*
Package storage persists the driver state that must survive a restart.

Two kinds of data are stored:

  - load-balancer strategy state, keyed by node uuid and algorithm name, so a
    node that reconnects resumes with the bundle sizes it had converged to;
  - job records (header, SLA without policies, tasks with the results
    recorded so far), saved on submission and on every completed bundle and
    deleted once the job is done.

# Backends

	┌─────────────┬──────────────────────────┬──────────────────────────────┐
	│ Type        │ Implementation           │ Layout                       │
	├─────────────┼──────────────────────────┼──────────────────────────────┤
	│ bolt        │ BoltStore (bbolt)        │ <dataDir>/hive.db, buckets   │
	│             │                          │ "balancers" and "jobs"       │
	│ sqlite      │ SQLStore (sqlx, sqlite3) │ tables balancer_state, jobs  │
	│ redis       │ RedisStore (go-redis)    │ hashes <prefix>:balancers,   │
	│             │                          │ <prefix>:jobs                │
	│ none        │ -                        │ nothing is persisted         │
	└─────────────┴──────────────────────────┴──────────────────────────────┘

All values are JSON encoded. Balancer state is opaque bytes produced by the
strategy itself.

# Usage

	store, err := storage.NewStore(storage.Config{Type: "bolt", DataDir: "/var/lib/hive"})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveJob(storage.NewJobRecord(job)); err != nil {
		return err
	}

	recs, _ := store.ListJobs()
	for _, rec := range recs {
		queue.Add(rec.Job())
	}

Missing keys are reported with an error wrapping ErrNotFound:

	state, err := store.GetBalancerState(nodeUUID, "proportional")
	if errors.Is(err, storage.ErrNotFound) {
		// fresh strategy
	}

ListJobs returns records ordered by submission time so recovered jobs keep
their arrival order in the queue.
*/
package storage
