// Package storage persists job records. The store is the source of truth for
// job state; the scheduler's queue is only a cache rebuilt from it.
//
// Drivers: memory, file (snapshot + journal), sqlite and redis. Every driver
// applies job.Update atomically so lifecycle rules hold no matter which
// process writes.
package storage
