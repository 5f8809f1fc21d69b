/*
Package resources implements the resource lookup protocol: nodes ask the
driver for named resources (libraries, configuration files, data sets) they
need to run tasks.

The driver side is a reactor protocol family of its own. Each connection
opens with a handshake whose role tells a requesting node from a provider:

	node ──composite[ResourceRequest...]──► Server ──cache hit──► composite[ResourceResponse...]
	                                          │
	                                          └─miss─► provider.Deliver(ResourceRequest)
	                                                        │
	node ◄──composite[ResourceResponse...]── answer ◄───────┘ ResourceResponse

A node sends its lookups batched in one composite frame. Hits are answered
from an LRU cache. Each miss is forwarded to a provider connection with
deliver-and-re-arm; concurrent lookups of the same name share one forward.
The node's connection waits without I/O interest until every answer arrived,
then the whole batch is answered at once in request order. Found resources
are cached. When a provider disconnects, lookups it still owed are answered
as not found.

Answers are handed to waiting nodes through the reactor pool so that a
provider's handler never takes a node's lock.

The blocking side lives in the same package: Client for nodes and Provide
for provider processes.

	c, err := resources.Dial(ctx, "driver:11113", nodeUUID)
	resps, err := c.Fetch("model.bin", "labels.txt")
*/
package resources
