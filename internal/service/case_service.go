package service

import (
	"context"
	"encoding/json"

	"github.com/khjohns/unified-timeline-sub000/internal/client"
	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
	"github.com/khjohns/unified-timeline-sub000/internal/eventstore"
	"github.com/khjohns/unified-timeline-sub000/internal/logger"
	"github.com/khjohns/unified-timeline-sub000/internal/projection"
	"github.com/khjohns/unified-timeline-sub000/internal/repository"
	"github.com/khjohns/unified-timeline-sub000/internal/rules"
)

// CaseService handles case business logic. Every write goes through the same
// pipeline: build the event, project current state from the stored history,
// run the business rules against that state, append with the caller's
// expected version, then update the index and fire post-commit notifications.
type CaseService struct {
	store    eventstore.Store
	index    repository.CaseIndex
	catalog  *event.Catalog
	rules    *rules.Validator
	notifier client.NotificationPublisherInterface
	hub      client.ProjectHubInterface
	log      *logger.Logger
}

// NewCaseService creates a new case service. notifier and hub may be nil.
func NewCaseService(
	store eventstore.Store,
	index repository.CaseIndex,
	catalog *event.Catalog,
	ruleValidator *rules.Validator,
	notifier client.NotificationPublisherInterface,
	hub client.ProjectHubInterface,
	log *logger.Logger,
) *CaseService {
	return &CaseService{
		store:    store,
		index:    index,
		catalog:  catalog,
		rules:    ruleValidator,
		notifier: notifier,
		hub:      hub,
		log:      log,
	}
}

// SubmitEventRequest represents a single event submission.
type SubmitEventRequest struct {
	CaseID          string
	Type            event.Type
	ActorID         string
	ActorRole       event.Role
	ExpectedVersion int
	Payload         json.RawMessage
}

// BatchEventRequest is one entry of a batch submission. Actor identity is
// shared across the batch and carried on the enclosing request.
type BatchEventRequest struct {
	Type    event.Type
	Payload json.RawMessage
}

// SubmitBatchRequest represents an all-or-nothing multi-event submission.
type SubmitBatchRequest struct {
	CaseID          string
	ActorID         string
	ActorRole       event.Role
	ExpectedVersion int
	Events          []BatchEventRequest
}

// SubmitResult is returned from successful writes.
type SubmitResult struct {
	EventIDs []string
	Version  int
	State    projection.CaseState
}

// CaseStateResult pairs a projected state with the version it was read at.
type CaseStateResult struct {
	State   projection.CaseState
	Version int
}

// SubmitEvent validates and appends a single event.
func (s *CaseService) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitResult, error) {
	return s.submit(ctx, req.CaseID, req.ExpectedVersion, []submittedEvent{{
		typ:     req.Type,
		actorID: req.ActorID,
		role:    req.ActorRole,
		payload: req.Payload,
	}})
}

// SubmitBatch validates and appends a group of events atomically. Each event
// is checked against the prospective state left behind by the ones before it,
// so a rule failure anywhere rejects the whole batch before any append.
func (s *CaseService) SubmitBatch(ctx context.Context, req *SubmitBatchRequest) (*SubmitResult, error) {
	if len(req.Events) == 0 {
		return nil, errors.InvalidInput("events", "batch must contain at least one event")
	}

	batch := make([]submittedEvent, 0, len(req.Events))
	for _, e := range req.Events {
		batch = append(batch, submittedEvent{
			typ:     e.Type,
			actorID: req.ActorID,
			role:    req.ActorRole,
			payload: e.Payload,
		})
	}
	return s.submit(ctx, req.CaseID, req.ExpectedVersion, batch)
}

type submittedEvent struct {
	typ     event.Type
	actorID string
	role    event.Role
	payload json.RawMessage
}

func (s *CaseService) submit(ctx context.Context, caseID string, expectedVersion int, submitted []submittedEvent) (*SubmitResult, error) {
	if caseID == "" {
		return nil, errors.InvalidInput("case_id", "case id is required")
	}
	if expectedVersion < 0 {
		return nil, errors.InvalidInput("expected_version", "expected version cannot be negative")
	}

	history, version, err := s.store.GetEvents(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if version != expectedVersion {
		return nil, errors.Concurrency(expectedVersion, version)
	}

	// Build and rule-check every event against the prospective history before
	// touching the store, so a failure anywhere leaves nothing appended.
	events := make([]event.Event, 0, len(submitted))
	prospective := history
	for _, sub := range submitted {
		e, err := s.catalog.Build(caseID, sub.typ, sub.actorID, sub.role, sub.payload)
		if err != nil {
			return nil, err
		}

		state := projection.Project(caseID, prospective)
		if err := s.rules.Validate(e, &state); err != nil {
			return nil, err
		}

		events = append(events, e)
		prospective = append(prospective, e)
	}

	newVersion, err := s.store.AppendBatch(ctx, events, expectedVersion)
	if err != nil {
		return nil, err
	}

	state := projection.Project(caseID, prospective)

	s.log.Info().
		Str("case_id", caseID).
		Int("events", len(events)).
		Int("version", newVersion).
		Str("status", string(state.Status)).
		Msg("events appended")

	s.updateIndex(ctx, state)
	s.notifyCommitted(ctx, events, state)

	eventIDs := make([]string, 0, len(events))
	for _, e := range events {
		eventIDs = append(eventIDs, e.ID)
	}

	return &SubmitResult{
		EventIDs: eventIDs,
		Version:  newVersion,
		State:    state,
	}, nil
}

// GetState projects the current state of a case from its full history.
func (s *CaseService) GetState(ctx context.Context, caseID string) (*CaseStateResult, error) {
	history, version, err := s.store.GetEvents(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, errors.NotFound("case", caseID)
	}

	state := projection.Project(caseID, history)
	return &CaseStateResult{State: state, Version: version}, nil
}

// GetTimeline returns the human-readable chronology of a case.
func (s *CaseService) GetTimeline(ctx context.Context, caseID string) ([]projection.TimelineEntry, error) {
	history, version, err := s.store.GetEvents(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, errors.NotFound("case", caseID)
	}

	return projection.Timeline(history), nil
}

// ListCases returns case summaries from the index.
func (s *CaseService) ListCases(ctx context.Context, status *string, limit, offset int) ([]*repository.CaseSummary, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.index.List(ctx, status, limit, offset)
}

// RebuildIndex drops and repopulates the case index from the event log.
// Returns the number of cases indexed.
func (s *CaseService) RebuildIndex(ctx context.Context) (int, error) {
	caseIDs, err := s.store.ListCaseIDs(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.index.Clear(ctx); err != nil {
		return 0, err
	}

	count := 0
	for _, caseID := range caseIDs {
		history, version, err := s.store.GetEvents(ctx, caseID)
		if err != nil {
			return count, err
		}
		if version == 0 {
			continue
		}

		state := projection.Project(caseID, history)
		if err := s.index.Upsert(ctx, summaryOf(state)); err != nil {
			return count, err
		}
		count++
	}

	s.log.Info().Int("cases", count).Msg("case index rebuilt")
	return count, nil
}

func summaryOf(state projection.CaseState) repository.CaseSummary {
	return repository.CaseSummary{
		CaseID:      state.CaseID,
		Title:       state.Title,
		Status:      string(state.Status),
		Version:     state.Version,
		LastEventAt: state.LastEventAt,
	}
}

// updateIndex refreshes the denormalized summary. Index failures are logged
// and swallowed: the index is rebuildable, the committed event log is not in
// question.
func (s *CaseService) updateIndex(ctx context.Context, state projection.CaseState) {
	if err := s.index.Upsert(ctx, summaryOf(state)); err != nil {
		s.log.Warn().Err(err).
			Str("case_id", state.CaseID).
			Msg("case index update failed, index is stale until rebuild")
	}
}

// notifyCommitted fires the post-commit side effects. These run after the
// append succeeded and never affect its outcome.
func (s *CaseService) notifyCommitted(ctx context.Context, events []event.Event, state projection.CaseState) {
	if s.notifier != nil {
		for _, e := range events {
			s.notifier.PublishCaseEvent(ctx, client.CaseNotification{
				EventType:  string(e.Type),
				EventID:    e.ID,
				CaseID:     e.CaseID,
				ActorID:    e.ActorID,
				ActorRole:  string(e.ActorRole),
				Version:    state.Version,
				CaseStatus: string(state.Status),
				RecordedAt: e.RecordedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			})
		}
	}

	if s.hub != nil {
		s.hub.PushSnapshot(ctx, client.CaseSnapshot{
			CaseID:           state.CaseID,
			Status:           string(state.Status),
			Version:          state.Version,
			TotalClaimedOre:  state.TotalClaimedOre,
			TotalApprovedOre: state.TotalApprovedOre,
			ClaimedDays:      int(state.ClaimedDays),
			ApprovedDays:     int(state.ApprovedDays),
			IssuanceEligible: state.IssuanceEligible,
			LastEventAt:      state.LastEventAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
}
