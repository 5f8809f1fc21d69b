// Package queue holds the jobs waiting for dispatch. Snapshot copies a
// consistent, priority-ordered view under a short read lock so that the
// scheduler can evaluate policies without holding it.
package queue
