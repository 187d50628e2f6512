// Package storage persists device measurements and serves range queries.
//
// The backing store is InfluxDB 2.x. Writes are blocking so that errors
// surface to the polling task, which logs them and moves on; only the
// startup connectivity check is allowed to be fatal to the process.
package storage

import (
	"context"
	"time"
)

// Measurement is one normalized sample from a device adapter. A failed
// fetch still produces a record, with FetchSuccess false and zero fields,
// so error-rate calculations can distinguish "device answered garbage"
// from "no sample at all".
type Measurement struct {
	Device       string
	Time         time.Time
	FetchSuccess bool
	Power        float64
	EnergyWh     float64
	Temperature  float64
	IsValid      bool
	// Extra carries adapter-specific numeric fields, e.g. the per-phase
	// readings of a three-phase meter.
	Extra map[string]float64
}

// Sink is the storage collaborator contract consumed by the poller, the
// cost engine and the energy monitor.
type Sink interface {
	// Write persists a single measurement. Errors are non-fatal to the
	// caller.
	Write(ctx context.Context, m Measurement) error

	// Query returns all measurements of one device in [start, end),
	// ordered by time.
	Query(ctx context.Context, device string, start, end time.Time) ([]Measurement, error)

	// Ping verifies connectivity. Called once at startup; a failure
	// there terminates the process.
	Ping(ctx context.Context) error

	// Close releases client resources.
	Close()
}
