/*
Package api implements the hive management API: a gRPC service and an HTTP
server exposing driver snapshots, job control and events.

# Architecture

	┌──────────── CLIENT (hive status / scripts) ────────────┐
	│                                                         │
	│   pkg/client (gRPC)            curl / dashboards (HTTP) │
	└───────────┬──────────────────────────────┬──────────────┘
	            │ gRPC :11120                  │ HTTP :11121
	            │ unix socket (read-only)      │
	┌───────────▼──────────────────────────────▼──────────────┐
	│  api.Server                     api.HTTPServer           │
	│  - HiveAPI service              - /health /ready /live   │
	│  - grpc.health.v1               - /metrics               │
	│  - metrics interceptor          - /api/v1/...            │
	│  - read-only interceptor                                 │
	│               │                          │               │
	│               └────────── Driver ────────┘               │
	│        Snapshot, Submit, Job, Cancel, Suspend, Broker    │
	└──────────────────────────────────────────────────────────┘

# gRPC Methods

The service has no generated stubs. Its descriptor, ServiceDesc, is written
by hand and every message is a google.protobuf.Struct holding the JSON form
of the driver types, or google.protobuf.Empty:

	GetSnapshot   Empty  -> driver.Snapshot
	ListNodes     Empty  -> {"nodes": [driver.NodeInfo]}
	ListJobs      Empty  -> {"jobs": [driver.JobInfo]}
	GetJob        {uuid} -> JobDetail
	ListEvents    {type, limit} -> {"events": [EventInfo]}
	SubmitJob     SubmitRequest -> {"uuid"}
	CancelJob     {uuid} -> Empty
	SuspendJob    {uuid} -> Empty
	ResumeJob     {uuid} -> Empty
	StreamEvents  {type} -> stream of EventInfo

ToStruct and FromStruct convert between Go values and Structs.

# Read-only Socket

StartUnix serves the same service on a Unix socket behind
ReadOnlyInterceptor. Only List*, Get*, Watch* and Stream* methods and the
health service pass; job control returns PermissionDenied.

# HTTP Routes

	GET  /health /ready /live /metrics
	GET  /api/v1/snapshot
	GET  /api/v1/nodes
	GET  /api/v1/jobs
	POST /api/v1/jobs                 SubmitRequest -> 202 {"uuid"}
	GET  /api/v1/jobs/{uuid}
	POST /api/v1/jobs/{uuid}/cancel   204
	POST /api/v1/jobs/{uuid}/suspend  204
	POST /api/v1/jobs/{uuid}/resume   204
	GET  /api/v1/events/{type}?limit=n

# Error Handling

gRPC errors carry status codes: NotFound for unknown jobs, InvalidArgument
for malformed submissions, Internal otherwise. HTTP handlers map the same
cases to 404, 400 and 500 with a JSON {"error": "..."} body.

# Metrics Instrumentation

MetricsInterceptor records hive_api_requests_total{method,status} and
hive_api_request_duration_seconds{method} for every unary call.
*/
package api
