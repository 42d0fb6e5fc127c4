package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khjohns/unified-timeline-sub000/internal/database"
	"github.com/khjohns/unified-timeline-sub000/internal/errors"
)

// CaseSummary is the denormalized index row kept per case. It exists only
// for listing and lookup; the event log remains the source of truth and the
// index can always be rebuilt from it.
type CaseSummary struct {
	CaseID      string
	Title       string
	Status      string
	Version     int
	LastEventAt time.Time
	UpdatedAt   time.Time
}

// CaseIndex maintains case summaries alongside the event log.
type CaseIndex interface {
	Upsert(ctx context.Context, summary CaseSummary) error
	Get(ctx context.Context, caseID string) (*CaseSummary, error)
	List(ctx context.Context, status *string, limit, offset int) ([]*CaseSummary, int64, error)
	Clear(ctx context.Context) error
}

// PostgresCaseIndex stores summaries in the case_index table.
type PostgresCaseIndex struct {
	db *database.DB
}

// NewPostgresCaseIndex creates a Postgres-backed case index.
func NewPostgresCaseIndex(db *database.DB) *PostgresCaseIndex {
	return &PostgresCaseIndex{db: db}
}

// Upsert inserts or refreshes the summary row for a case.
func (r *PostgresCaseIndex) Upsert(ctx context.Context, summary CaseSummary) error {
	query := `
		INSERT INTO case_index (case_id, title, status, version, last_event_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (case_id) DO UPDATE
		SET title = EXCLUDED.title,
		    status = EXCLUDED.status,
		    version = EXCLUDED.version,
		    last_event_at = EXCLUDED.last_event_at,
		    updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		summary.CaseID,
		summary.Title,
		summary.Status,
		summary.Version,
		summary.LastEventAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert case summary")
	}

	return nil
}

// Get retrieves the summary for a single case.
func (r *PostgresCaseIndex) Get(ctx context.Context, caseID string) (*CaseSummary, error) {
	summary := &CaseSummary{}

	query := `
		SELECT case_id, title, status, version, last_event_at, updated_at
		FROM case_index
		WHERE case_id = $1
	`

	err := r.db.QueryRow(ctx, query, caseID).Scan(
		&summary.CaseID,
		&summary.Title,
		&summary.Status,
		&summary.Version,
		&summary.LastEventAt,
		&summary.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("case", caseID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get case summary")
	}

	return summary, nil
}

// List retrieves case summaries with optional status filtering and pagination.
func (r *PostgresCaseIndex) List(ctx context.Context, status *string, limit, offset int) ([]*CaseSummary, int64, error) {
	query := `
		SELECT case_id, title, status, version, last_event_at, updated_at
		FROM case_index
	`
	countQuery := `SELECT COUNT(*) FROM case_index`

	args := []interface{}{}
	argCount := 1

	if status != nil {
		query += fmt.Sprintf(" WHERE status = $%d", argCount)
		countQuery += fmt.Sprintf(" WHERE status = $%d", argCount)
		args = append(args, *status)
		argCount++
	}

	query += " ORDER BY last_event_at DESC, case_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)

	queryArgs := append(args, limit, offset)

	var total int64
	err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count cases")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list cases")
	}
	defer rows.Close()

	summaries := make([]*CaseSummary, 0)
	for rows.Next() {
		summary := &CaseSummary{}
		err := rows.Scan(
			&summary.CaseID,
			&summary.Title,
			&summary.Status,
			&summary.Version,
			&summary.LastEventAt,
			&summary.UpdatedAt,
		)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan case summary")
		}

		summaries = append(summaries, summary)
	}

	return summaries, total, nil
}

// Clear removes every row, typically before a full rebuild.
func (r *PostgresCaseIndex) Clear(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `TRUNCATE case_index`); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear case index")
	}
	return nil
}

// MemoryCaseIndex keeps summaries in process memory. It pairs with the
// file-backed event store, where the log itself is the durable state and the
// index is rebuilt on startup.
type MemoryCaseIndex struct {
	mu    sync.RWMutex
	cases map[string]CaseSummary
}

// NewMemoryCaseIndex creates an empty in-memory case index.
func NewMemoryCaseIndex() *MemoryCaseIndex {
	return &MemoryCaseIndex{cases: make(map[string]CaseSummary)}
}

func (r *MemoryCaseIndex) Upsert(ctx context.Context, summary CaseSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary.UpdatedAt = time.Now().UTC()
	r.cases[summary.CaseID] = summary
	return nil
}

func (r *MemoryCaseIndex) Get(ctx context.Context, caseID string) (*CaseSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary, ok := r.cases[caseID]
	if !ok {
		return nil, errors.NotFound("case", caseID)
	}
	return &summary, nil
}

func (r *MemoryCaseIndex) List(ctx context.Context, status *string, limit, offset int) ([]*CaseSummary, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]CaseSummary, 0, len(r.cases))
	for _, summary := range r.cases {
		if status != nil && summary.Status != *status {
			continue
		}
		matched = append(matched, summary)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastEventAt.Equal(matched[j].LastEventAt) {
			return matched[i].LastEventAt.After(matched[j].LastEventAt)
		}
		return matched[i].CaseID < matched[j].CaseID
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*CaseSummary{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	summaries := make([]*CaseSummary, 0, len(matched))
	for i := range matched {
		s := matched[i]
		summaries = append(summaries, &s)
	}
	return summaries, total, nil
}

func (r *MemoryCaseIndex) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cases = make(map[string]CaseSummary)
	return nil
}
