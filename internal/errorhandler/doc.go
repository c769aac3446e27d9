// Package errorhandler classifies failures into categories and severities,
// decides whether and when they are retried, keeps rolling error
// statistics, and switches the system into and out of degraded mode.
//
// Handler satisfies the task package's ErrorPolicy, so worker pools consult
// it before retrying and report every attempt outcome to it.
package errorhandler
