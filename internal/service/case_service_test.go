package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khjohns/unified-timeline-sub000/internal/client"
	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
	"github.com/khjohns/unified-timeline-sub000/internal/eventstore"
	"github.com/khjohns/unified-timeline-sub000/internal/logger"
	"github.com/khjohns/unified-timeline-sub000/internal/projection"
	"github.com/khjohns/unified-timeline-sub000/internal/repository"
	"github.com/khjohns/unified-timeline-sub000/internal/rules"
)

type capturedNotifier struct {
	published []client.CaseNotification
}

func (n *capturedNotifier) PublishCaseEvent(_ context.Context, c client.CaseNotification) {
	n.published = append(n.published, c)
}

type testHarness struct {
	service  *CaseService
	store    eventstore.Store
	index    repository.CaseIndex
	notifier *capturedNotifier
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := eventstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	index := repository.NewMemoryCaseIndex()
	notifier := &capturedNotifier{}
	log := logger.New(logger.Config{Level: "error", Environment: "test", ServiceName: "test"})

	svc := NewCaseService(
		store,
		index,
		event.NewCatalog(),
		rules.NewValidator(rules.Policy{}),
		notifier,
		nil,
		log,
	)
	return &testHarness{service: svc, store: store, index: index, notifier: notifier}
}

func submit(t *testing.T, h *testHarness, caseID string, typ event.Type, role event.Role, version int, payload string) *SubmitResult {
	t.Helper()
	result, err := h.service.SubmitEvent(context.Background(), &SubmitEventRequest{
		CaseID:          caseID,
		Type:            typ,
		ActorID:         "user-1",
		ActorRole:       role,
		ExpectedVersion: version,
		Payload:         json.RawMessage(payload),
	})
	require.NoError(t, err)
	return result
}

func TestSubmitEventCreatesCase(t *testing.T) {
	h := newHarness(t)

	result := submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0,
		`{"title":"Unforeseen ground conditions"}`)

	assert.Equal(t, 1, result.Version)
	require.Len(t, result.EventIDs, 1)
	assert.NotEmpty(t, result.EventIDs[0])
	assert.Equal(t, "Unforeseen ground conditions", result.State.Title)
	assert.Equal(t, projection.CaseDraft, result.State.Status)
}

func TestBasisClaimCanOpenCase(t *testing.T) {
	h := newHarness(t)

	// A basis claim is a legal first event; case_opened is conventional, not
	// mandatory.
	result := submit(t, h, "case-1", event.TypeBasisClaimed, event.RoleClaimant, 0,
		`{"description":"rock not in survey"}`)

	assert.Equal(t, 1, result.Version)
	assert.Equal(t, projection.StatusSent, result.State.Basis.Status)
}

func TestSubmitEventWorkflow(t *testing.T) {
	h := newHarness(t)

	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"t"}`)
	result := submit(t, h, "case-1", event.TypeBasisClaimed, event.RoleClaimant, 1,
		`{"description":"rock not in survey"}`)

	assert.Equal(t, 2, result.Version)
	assert.Equal(t, projection.StatusSent, result.State.Basis.Status)
	assert.Equal(t, projection.CaseSent, result.State.Status)
	assert.Equal(t, event.RoleResponder, result.State.NextAction.Actor)
}

func TestSubmitEventConcurrencyConflict(t *testing.T) {
	h := newHarness(t)
	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"t"}`)

	_, err := h.service.SubmitEvent(context.Background(), &SubmitEventRequest{
		CaseID:          "case-1",
		Type:            event.TypeBasisClaimed,
		ActorID:         "user-1",
		ActorRole:       event.RoleClaimant,
		ExpectedVersion: 0,
		Payload:         json.RawMessage(`{"description":"d"}`),
	})
	require.Error(t, err)

	e := errors.AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, errors.ErrCodeConcurrency, e.Code)
	assert.Equal(t, 0, e.ExpectedVersion)
	assert.Equal(t, 1, e.ActualVersion)
}

func TestSubmitEventRuleViolationAppendsNothing(t *testing.T) {
	h := newHarness(t)
	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"t"}`)

	// No basis claim yet, so a compensation claim is premature.
	_, err := h.service.SubmitEvent(context.Background(), &SubmitEventRequest{
		CaseID:          "case-1",
		Type:            event.TypeCompensationClaimed,
		ActorID:         "user-1",
		ActorRole:       event.RoleClaimant,
		ExpectedVersion: 1,
		Payload:         json.RawMessage(`{"amount_ore":100}`),
	})
	require.Error(t, err)

	e := errors.AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, errors.ErrCodeRuleViolation, e.Code)
	assert.Equal(t, "GRUNNLAG_REQUIRED", e.Rule)

	_, version, err := h.store.GetEvents(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestSubmitBatchValidatesAgainstProspectiveState(t *testing.T) {
	h := newHarness(t)

	// The compensation claim is only legal because the basis claim earlier in
	// the same batch establishes the ground.
	result, err := h.service.SubmitBatch(context.Background(), &SubmitBatchRequest{
		CaseID:          "case-1",
		ActorID:         "user-1",
		ActorRole:       event.RoleClaimant,
		ExpectedVersion: 0,
		Events: []BatchEventRequest{
			{Type: event.TypeCaseOpened, Payload: json.RawMessage(`{"title":"t"}`)},
			{Type: event.TypeBasisClaimed, Payload: json.RawMessage(`{"description":"d"}`)},
			{Type: event.TypeCompensationClaimed, Payload: json.RawMessage(`{"amount_ore":250000}`)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Version)
	assert.Len(t, result.EventIDs, 3)
	assert.Equal(t, int64(250000), result.State.TotalClaimedOre)
}

func TestSubmitBatchIsAtomic(t *testing.T) {
	h := newHarness(t)

	// The second event violates a rule, so the valid first one must not land.
	_, err := h.service.SubmitBatch(context.Background(), &SubmitBatchRequest{
		CaseID:          "case-1",
		ActorID:         "user-1",
		ActorRole:       event.RoleClaimant,
		ExpectedVersion: 0,
		Events: []BatchEventRequest{
			{Type: event.TypeCaseOpened, Payload: json.RawMessage(`{"title":"t"}`)},
			{Type: event.TypeCompensationClaimed, Payload: json.RawMessage(`{"amount_ore":100}`)},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRuleViolation, errors.CodeOf(err))

	_, version, err := h.store.GetEvents(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	_, err = h.service.GetState(context.Background(), "case-1")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestSubmitBatchRejectsEmpty(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.SubmitBatch(context.Background(), &SubmitBatchRequest{
		CaseID:          "case-1",
		ActorID:         "user-1",
		ActorRole:       event.RoleClaimant,
		ExpectedVersion: 0,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestGetStateUnknownCase(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.GetState(context.Background(), "no-such-case")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestGetTimeline(t *testing.T) {
	h := newHarness(t)
	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"t"}`)
	submit(t, h, "case-1", event.TypeBasisClaimed, event.RoleClaimant, 1, `{"description":"d"}`)

	entries, err := h.service.GetTimeline(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, event.TypeCaseOpened, entries[0].Type)
	assert.Equal(t, event.TypeBasisClaimed, entries[1].Type)
}

func TestIndexFollowsWrites(t *testing.T) {
	h := newHarness(t)
	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"Tunnel dispute"}`)

	summary, err := h.index.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, "Tunnel dispute", summary.Title)
	assert.Equal(t, 1, summary.Version)
	assert.Equal(t, string(projection.CaseDraft), summary.Status)

	submit(t, h, "case-1", event.TypeBasisClaimed, event.RoleClaimant, 1, `{"description":"d"}`)

	summary, err = h.index.Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Version)
	assert.Equal(t, string(projection.CaseSent), summary.Status)
}

func TestListCases(t *testing.T) {
	h := newHarness(t)
	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"a"}`)
	submit(t, h, "case-2", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"b"}`)
	submit(t, h, "case-2", event.TypeBasisClaimed, event.RoleClaimant, 1, `{"description":"d"}`)

	cases, total, err := h.service.ListCases(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, cases, 2)

	sent := string(projection.CaseSent)
	cases, total, err = h.service.ListCases(context.Background(), &sent, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, cases, 1)
	assert.Equal(t, "case-2", cases[0].CaseID)
}

func TestRebuildIndex(t *testing.T) {
	h := newHarness(t)
	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"a"}`)
	submit(t, h, "case-2", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"b"}`)

	// Wreck the index, then rebuild it from the log.
	require.NoError(t, h.index.Clear(context.Background()))
	_, _, err := h.service.ListCases(context.Background(), nil, 0, 0)
	require.NoError(t, err)

	count, err := h.service.RebuildIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	summary, err := h.index.Get(context.Background(), "case-2")
	require.NoError(t, err)
	assert.Equal(t, "b", summary.Title)
}

func TestNotificationsFireAfterCommit(t *testing.T) {
	h := newHarness(t)

	submit(t, h, "case-1", event.TypeCaseOpened, event.RoleClaimant, 0, `{"title":"t"}`)
	require.Len(t, h.notifier.published, 1)
	n := h.notifier.published[0]
	assert.Equal(t, "case_opened", n.EventType)
	assert.Equal(t, "case-1", n.CaseID)
	assert.Equal(t, 1, n.Version)

	// A rejected submission publishes nothing.
	_, err := h.service.SubmitEvent(context.Background(), &SubmitEventRequest{
		CaseID:          "case-1",
		Type:            event.TypeCaseOpened,
		ActorID:         "user-1",
		ActorRole:       event.RoleClaimant,
		ExpectedVersion: 1,
		Payload:         json.RawMessage(`{"title":"again"}`),
	})
	require.Error(t, err)
	assert.Len(t, h.notifier.published, 1)
}
