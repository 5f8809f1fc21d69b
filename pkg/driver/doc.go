/*
Package driver implements the hive driver: it accepts jobs, keeps them in a
priority queue and distributes their tasks over the worker nodes connected
to it.

# Connections

A driver listens on three ports. Worker nodes and peer drivers open their
data connection on the node port and announce themselves with a handshake;
the acknowledgement tells them the heartbeat and resource ports. Every
connection family runs on its own reactor.

	node port       bundles out, results and reconfiguration handshakes in
	heartbeat port  probes out, echoes in
	resource port   batched resource lookups, answered from the cache or a provider

# Failures

A node fails when its data connection breaks, when its heartbeat stops
answering, or when it holds a bundle past the job's dispatch timeout. The
tasks of its outstanding bundles go back to their jobs; a task that already
used all of its resubmissions terminates with a node-failure result.

# Peers

With peers configured, the driver connects to other drivers as a worker of
role peer. Bundles it receives that way are submitted locally as jobs whose
relay path names the sender, so that work never travels back the way it
came.

# Persistence

With a store and job persistence enabled, queued jobs and their results are
saved as they progress and re-queued on the next start. Load-balancer state
is saved per node when a node disconnects and restored when it reconnects.
*/
package driver
