package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

func testEvent(caseID string, seq int) event.Event {
	return event.Event{
		ID:         fmt.Sprintf("%s-evt-%d", caseID, seq),
		CaseID:     caseID,
		Type:       event.TypeBasisUpdated,
		ActorID:    "user-1",
		ActorRole:  event.RoleClaimant,
		RecordedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Payload:    json.RawMessage(`{"description":"d"}`),
	}
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestFileStoreAppendAdvancesVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		version, err := store.Append(ctx, testEvent("case-1", i+1), i)
		require.NoError(t, err)
		assert.Equal(t, i+1, version)
	}

	history, version, err := store.GetEvents(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 5, version)
	require.Len(t, history, 5)
	assert.Equal(t, "case-1-evt-1", history[0].ID)
	assert.Equal(t, "case-1-evt-5", history[4].ID)
}

func TestFileStoreMissingCaseIsEmptyNotError(t *testing.T) {
	store := newTestStore(t)

	history, version, err := store.GetEvents(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Empty(t, history)
}

func TestFileStoreVersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, testEvent("case-1", 1), 0)
	require.NoError(t, err)

	// Stale expected version.
	_, err = store.Append(ctx, testEvent("case-1", 2), 0)
	require.Error(t, err)

	e := errors.AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, errors.ErrCodeConcurrency, e.Code)
	assert.Equal(t, 0, e.ExpectedVersion)
	assert.Equal(t, 1, e.ActualVersion)

	// Creating over an existing case conflicts the same way.
	_, err = store.Append(ctx, testEvent("case-1", 2), 2)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConcurrency, errors.CodeOf(err))

	// The failed appends left nothing behind.
	_, version, err := store.GetEvents(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestFileStoreConcurrentWritersOneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, testEvent("case-1", 1), 0)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Append(ctx, testEvent("case-1", 100+i), 1)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, errors.ErrCodeConcurrency, errors.CodeOf(err))
		}
	}
	assert.Equal(t, 1, succeeded)

	_, version, err := store.GetEvents(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestFileStoreIndependentCasesDoNotConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const cases = 4
	var wg sync.WaitGroup
	for c := 0; c < cases; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			caseID := fmt.Sprintf("case-%d", c)
			for i := 0; i < 10; i++ {
				_, err := store.Append(ctx, testEvent(caseID, i+1), i)
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	for c := 0; c < cases; c++ {
		_, version, err := store.GetEvents(ctx, fmt.Sprintf("case-%d", c))
		require.NoError(t, err)
		assert.Equal(t, 10, version)
	}
}

func TestFileStoreBatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []event.Event{testEvent("case-1", 1), testEvent("case-1", 2), testEvent("case-1", 3)}
	version, err := store.AppendBatch(ctx, batch, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	// A conflicting batch leaves the history untouched.
	_, err = store.AppendBatch(ctx, batch, 0)
	require.Error(t, err)

	history, version, err := store.GetEvents(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	require.Len(t, history, 3)
}

func TestFileStoreBatchRejectsMixedCases(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AppendBatch(context.Background(),
		[]event.Event{testEvent("case-1", 1), testEvent("case-2", 1)}, 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))

	_, err = store.AppendBatch(context.Background(), nil, 0)
	require.Error(t, err)
}

func TestFileStoreRejectsUnsafeCaseIDs(t *testing.T) {
	store := newTestStore(t)

	for _, caseID := range []string{"", "../escape", "a/b", ".hidden"} {
		e := testEvent("x", 1)
		e.CaseID = caseID
		_, err := store.Append(context.Background(), e, 0)
		require.Error(t, err, "case id %q must be rejected", caseID)
		assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
	}
}

func TestFileStoreListCaseIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, testEvent("case-a", 1), 0)
	require.NoError(t, err)
	_, err = store.Append(ctx, testEvent("case-b", 1), 0)
	require.NoError(t, err)

	ids, err := store.ListCaseIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"case-a", "case-b"}, ids)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Append(ctx, testEvent("case-1", 1), 0)
	require.NoError(t, err)
	_, err = store.Append(ctx, testEvent("case-1", 2), 1)
	require.NoError(t, err)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	history, version, err := reopened.GetEvents(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	require.Len(t, history, 2)
	assert.Equal(t, "case-1-evt-2", history[1].ID)
}

func TestFileStoreIgnoresStrayStagingFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Append(ctx, testEvent("case-1", 1), 0)
	require.NoError(t, err)

	// A crash between staging and rename leaves a temp file behind; it must
	// not surface as a case.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".staging-123"), []byte("partial"), 0o644))

	ids, err := store.ListCaseIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"case-1"}, ids)
}
