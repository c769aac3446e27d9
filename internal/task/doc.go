// Package task runs units of work on in-process worker pools.
// Tasks wait in a bounded priority queue and are executed under a
// per-task deadline, retried on recoverable failure, and kept in a
// result table until their caller releases them.
package task
