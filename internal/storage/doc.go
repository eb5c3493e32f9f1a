// Package storage is the append-only audit journal: operator actions taken
// through the ops server and health status transitions.
package storage
