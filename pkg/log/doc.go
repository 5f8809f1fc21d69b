/*
Package log provides structured logging for hive using zerolog.

A single package-level Logger is configured once through Init and shared by
every component. Long-lived components derive a child logger carrying their
component name, and connection-scoped code adds the protocol family and the
reactor connection id so that one connection's lifecycle can be followed
through the logs.

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	logger := log.WithComponent("scheduler")
	logger.Debug().Str("job_uuid", job.UUID).Int("size", size).Msg("dispatching bundle")

Context loggers:
  - WithComponent: component name (scheduler, heartbeat, driver, node, api)
  - WithNodeUUID: worker or peer identity
  - WithJobUUID: job identity
  - WithConnID: reactor protocol family and connection id

Until Init is called the Logger discards everything, which keeps package tests
quiet.
*/
package log
