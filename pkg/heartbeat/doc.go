// Package heartbeat detects worker processes that stopped answering.
//
// A Monitor probes a target as soon as it is registered, then one interval
// after each probe started, through a small bounded pool. Each probe carries a message id drawn from the
// monitor's own counter and must be answered within the timeout. A target
// that misses MaxRetries probes in a row is unregistered and reported once
// to the failure callback; the driver then runs its recovery path for the
// node.
//
// On the driver, probes travel over a dedicated connection family driven by
// the reactor: NewProtocol reads the node's handshake, then alternates
// between IDLE and a SEND / WAIT_RESPONSE round trip for every probe the
// Context is asked to deliver. The first probe on a connection also carries
// the timeout and retry settings so the node knows how long the driver
// waits. Respond implements the node side over a blocking connection.
package heartbeat
