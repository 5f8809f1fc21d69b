/*
Package reactor provides the generic non-blocking connection reactor every
hive wire protocol is built on: worker data channels, heartbeats and resource
lookups.

# Architecture

	net.Conn ──► ConnChannel pumps ──► wake(id) ──┐
	              (reader / writer goroutines)     │
	                                               ▼
	┌──────────────────── Reactor[C] loop ─────────────────────┐
	│  wait on readiness signal                                  │
	│  for each selected connection:                             │
	│     ready ∩ interest ≠ ∅ ?                                 │
	│        handler := protocol.Handlers[state]                 │
	│        t, err := handler(ctx)       (context lock held)   │
	│        state, interest = t.Next, t.Interest                │
	│     error or CLOSED ──► Close(ctx, err) ──► OnClose once   │
	└────────────────────────────────────────────────────────────┘
	                    │ blocking hand-off
	                    ▼
	              Pool (bounded) ──► ctx.Deliver / ctx.Transition

A protocol is a table from State to Handler. Handlers never block: framing
reads and writes only consume what the ConnChannel has buffered. A Transition
names the next state and the readiness to watch for.

# Hand-offs

Code outside the reactor, including handlers of another connection, never
touches a foreign context's frames directly. It calls Deliver, which queues
the frame under the target's lock and re-arms the target when it is idle, or
Transition and SetInterest to re-arm after blocking work ran on the Pool.

# Failure

A handler error, a panic, a missing handler or a closed peer all end in
Close, which is idempotent: only the first caller removes the connection,
releases its socket and runs Protocol.OnClose. This is where protocol
families requeue outstanding work.
*/
package reactor
