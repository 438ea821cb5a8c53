// Package storage keeps an append-only journal of execution transitions.
//
// The journal is for inspection only: the local backend never reads it back,
// so executions do not survive a restart.
package storage
