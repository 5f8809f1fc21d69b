// Package loadbalancer defines the pluggable strategy that decides how many
// tasks a worker channel receives in one dispatch, and the named registry
// strategies are resolved from.
//
// Each channel owns its own Strategy instance, created from the registry when
// the channel completes its handshake and disposed when it closes. Strategies
// that learn from round trips may implement Persistent so that the driver can
// save their state and restore it when the same node reconnects.
//
// Callers use BundleSize rather than calling NextBundleSize directly: it turns
// panics and non-positive answers into errors so that the scheduler can fall
// back to a bundle of one task without aborting its dispatch cycle.
package loadbalancer
