// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package backend defines the store back-end contract and its
// implementations: the btree-ordered in-memory engine and the InfluxDB
// engine.
package backend

import (
	"context"

	"github.com/google/uuid"

	"github.com/pointvault/pointvault/point"
)

// BackEnd is the storage engine behind a store server. Updates are
// transactional: the server brackets each batch with BeginUpdates and
// EndUpdates and settles it with exactly one Commit or Rollback. Reads
// may run concurrently with each other but never with an update batch;
// the server enforces that.
type BackEnd interface {
	// Open prepares the engine for use.
	Open(ctx context.Context) error
	// Close releases the engine. Uncommitted updates are lost.
	Close() error

	// BeginUpdates opens an update transaction.
	BeginUpdates()
	// Commit makes the transaction's updates durable.
	Commit() error
	// Rollback discards the transaction's updates.
	Rollback()
	// EndUpdates closes the transaction bracket.
	EndUpdates()

	// Update stores one versioned value inside the open transaction.
	Update(value point.VersionedValue) error
	// Delete removes the value at the stamp of the supplied value and
	// returns the number of values removed (0 or 1).
	Delete(value point.VersionedValue) (int, error)

	// CreateResponse answers one store query.
	CreateResponse(ctx context.Context, query point.Query) *point.StoreValues

	// SupportsCount reports whether count queries are answered.
	SupportsCount() bool
	// SupportsPurge reports whether Purge is implemented.
	SupportsPurge() bool

	// Purge removes all values of the given points within the interval
	// and returns the number of values removed.
	Purge(ctx context.Context, pointUUIDs []uuid.UUID, interval point.TimeInterval) (int, error)
}
