/*
Package types defines the data model shared by every hive component: jobs,
tasks, bundles, service level agreements, node configurations and the policy
predicates evaluated by the scheduler.

# Ownership

A Job owns its Tasks. The scheduler slices pending tasks off a job into a
Bundle with NextBundle; the bundle is then owned by the connection it was sent
to until Complete records its results or Resubmit hands its tasks back after a
failure. Both operations release the bundle exactly once, so a racing second
call for the same bundle is a no-op. This keeps every task in exactly one of
the pending list, one outstanding bundle, or the terminal result slot.

# SLA

Zero-valued limits mean unlimited; use NodeLimit, DispatchLimit and
RelayDepthLimit rather than reading the raw fields. MaxResubmits bounds how
many times a task is handed back after node failures before it terminates
with ErrNodeFailure.

# Policies

Execution policies (Policy) are evaluated against a worker's SystemInfo and
grid policies (GridPolicy) against the driver's GridState. Both may return an
error; callers treat errors as "no match".
*/
package types
