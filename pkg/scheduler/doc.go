/*
Package scheduler matches queued jobs with idle worker channels.

The scheduler runs one loop. While the queue holds jobs and the idle set
holds channels it performs dispatch attempts back to back; when an attempt
sends nothing it waits for a wakeup (new job, channel back to idle) or the
idle backoff.

# Dispatch attempt

Jobs are visited in queue order (priority, then arrival). A job is skipped
when it is cancelled, suspended, or already spread over its maximum number of
channels. It is also skipped while a job it depends on has not completed
(an unknown or cancelled dependency never completes), when none of its tasks has its dependencies complete, and
when its grid policy rejects the current grid state.

For the first job that passes, each idle channel is checked against:

  - the job's relay path (a job never goes back through a channel it came from)
  - the relay depth limit, for peer channels
  - the execution policy, evaluated against the channel's system information
  - the channel's own concurrent job limit
  - the same-channel rule, unless the SLA allows several bundles per channel
  - for jobs with a desired configuration, the reservation state

Policies run without any scheduler lock held. A policy that errors or panics
counts as a non-match and is logged.

With local bias enabled an eligible in-process worker is chosen right away.
Otherwise jobs with a desired configuration narrow the candidates to the
channels already reserved for them, or else to the channels closest to the
desired configuration, and a channel is picked at random among what remains.

A channel that still has to be reconfigured is reserved and sent a
reconfiguration request; nothing is dispatched to it in this attempt. Any
other channel receives a bundle sized by its load-balancing strategy (1 when
the strategy fails) and clamped to the job's dispatch limit.

# Locking

The idle set and the reservation handler each use a single mutex and never
call into a channel while holding it. Channels add and remove themselves
from the idle set under their own lock, so membership always agrees with
their outstanding work.
*/
package scheduler
