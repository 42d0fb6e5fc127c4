// Package eventstore persists case histories as append-only event logs with
// optimistic-concurrency writes. Two backends satisfy the same contract: a
// Postgres store for production and a file store for single-node deployments
// and tests.
package eventstore

import (
	"context"

	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

// Store is the append-only persistence contract. The case version is the
// count of persisted events and the sole concurrency token: an append
// succeeds iff the stored version equals expectedVersion, otherwise it fails
// with a CONCURRENCY error carrying both versions. Creating a new case is an
// append with expectedVersion 0; pre-existing history at that point is a
// conflict like any other.
type Store interface {
	// Append persists one event. Returns the new version.
	Append(ctx context.Context, e event.Event, expectedVersion int) (int, error)

	// AppendBatch persists several events for one case all-or-nothing.
	// Returns the new version (expectedVersion + len(events)).
	AppendBatch(ctx context.Context, events []event.Event, expectedVersion int) (int, error)

	// GetEvents returns the full ordered history and current version. A case
	// with no history yields an empty slice and version 0, not an error: the
	// distinction between "new" and "missing" belongs to the caller.
	GetEvents(ctx context.Context, caseID string) ([]event.Event, int, error)

	// ListCaseIDs enumerates every case with at least one event, for index
	// rebuilds.
	ListCaseIDs(ctx context.Context) ([]string, error)
}
