/*
Package node implements the worker process of a hive grid.

A node dials the driver's node port, announces itself with a handshake
(uuid, role, capacity, system information, configuration) and waits for
the acknowledgement, which names the heartbeat and resource ports. It then
runs three things side by side, bound together in an errgroup:

  - the data channel: bundle requests are executed, at most MaxJobs at a
    time, and answered with bundle results; reconfiguration requests are
    applied and answered with a fresh handshake carrying the reserved job;
  - the heartbeat responder on its own connection;
  - a resource client for tasks that look up resources on the driver.

When any of them fails the session ends and the node reconnects after
ReconnectDelay, until its context is cancelled.

# Executors

Tasks name the executor they run with:

	echo      returns the payload
	sleep     waits for the duration in the payload ("250ms")
	sha256    returns the hex digest of the payload
	resource  returns the driver resource named by the payload

More can be registered through Executors().Register. A node relaying work
to another driver replaces the default runner with SetRunner.
*/
package node
