package eventstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/khjohns/unified-timeline-sub000/internal/database"
	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

// Schema is the event log DDL. The primary key on (case_id, seq) is what
// makes the compare-and-append race-proof: two writers that both pass the
// in-transaction version check cannot both insert the same sequence number.
const Schema = `
CREATE TABLE IF NOT EXISTS case_events (
    case_id    TEXT        NOT NULL,
    seq        INTEGER     NOT NULL,
    event_id   TEXT        NOT NULL UNIQUE,
    event_type TEXT        NOT NULL,
    actor_id   TEXT        NOT NULL,
    actor_role TEXT        NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    payload    JSONB       NOT NULL,
    PRIMARY KEY (case_id, seq)
);

CREATE TABLE IF NOT EXISTS case_index (
    case_id       TEXT        PRIMARY KEY,
    title         TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL,
    version       INTEGER     NOT NULL,
    last_event_at TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const pgUniqueViolation = "23505"

// PostgresStore implements Store on the case_events table.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the event log schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "apply event store schema")
	}
	return nil
}

// Append persists one event iff the case version matches expectedVersion.
func (s *PostgresStore) Append(ctx context.Context, e event.Event, expectedVersion int) (int, error) {
	return s.AppendBatch(ctx, []event.Event{e}, expectedVersion)
}

// AppendBatch persists events for a single case inside one transaction.
// Writers on the same case are serialized with a per-case advisory lock,
// which also covers the creation race where no row exists to lock yet. The
// primary key on (case_id, seq) backstops the rare hashtext collision, with
// the resulting unique violation reported as a concurrency conflict.
func (s *PostgresStore) AppendBatch(ctx context.Context, events []event.Event, expectedVersion int) (int, error) {
	if len(events) == 0 {
		return 0, errors.New(errors.ErrCodeValidation, "batch must contain at least one event")
	}
	caseID := events[0].CaseID
	for _, e := range events {
		if e.CaseID != caseID {
			return 0, errors.New(errors.ErrCodeValidation, "batch events must belong to a single case")
		}
	}

	newVersion := expectedVersion + len(events)
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, caseID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "lock case")
		}

		var current int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM case_events WHERE case_id = $1`,
			caseID,
		).Scan(&current)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "read case version")
		}
		if current != expectedVersion {
			return errors.Concurrency(expectedVersion, current)
		}

		for i, e := range events {
			_, err := tx.Exec(ctx,
				`INSERT INTO case_events (case_id, seq, event_id, event_type, actor_id, actor_role, recorded_at, payload)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				e.CaseID, expectedVersion+i+1, e.ID, string(e.Type), e.ActorID, string(e.ActorRole), e.RecordedAt, []byte(e.Payload),
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "append event")
			}
		}
		return nil
	})
	if err == nil {
		return newVersion, nil
	}

	// A unique violation means another writer won the creation race between
	// our version check and insert. Report it as a version conflict.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		_, actual, verr := s.GetEvents(ctx, caseID)
		if verr != nil {
			return 0, verr
		}
		return 0, errors.Concurrency(expectedVersion, actual)
	}
	return 0, err
}

// GetEvents returns the ordered history and current version.
func (s *PostgresStore) GetEvents(ctx context.Context, caseID string) ([]event.Event, int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT event_id, event_type, actor_id, actor_role, recorded_at, payload
		 FROM case_events
		 WHERE case_id = $1
		 ORDER BY seq`,
		caseID,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "load case history")
	}
	defer rows.Close()

	var history []event.Event
	for rows.Next() {
		e := event.Event{CaseID: caseID}
		var typ, role string
		if err := rows.Scan(&e.ID, &typ, &e.ActorID, &role, &e.RecordedAt, &e.Payload); err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "scan event")
		}
		e.Type = event.Type(typ)
		e.ActorRole = event.Role(role)
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "iterate case history")
	}
	return history, len(history), nil
}

// ListCaseIDs enumerates every case present in the log.
func (s *PostgresStore) ListCaseIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT case_id FROM case_events ORDER BY case_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "list case ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "scan case id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "iterate case ids")
	}
	return ids, nil
}
