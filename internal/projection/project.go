package projection

import (
	"encoding/json"
	"time"

	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

// Project folds an ordered event history into case state. It performs no I/O
// and reads no clock: everything derives from the events themselves. Events
// of recognized types never fail to fold; payloads that do not decode (which
// the catalog prevents upstream) leave the state unchanged for that event.
func Project(caseID string, events []event.Event) CaseState {
	state := CaseState{
		CaseID:       caseID,
		Basis:        TrackState{Status: StatusNotApplicable},
		Compensation: TrackState{Status: StatusNotApplicable},
		Deadline:     TrackState{Status: StatusNotApplicable},
	}

	for _, e := range events {
		reduce(&state, e)
		state.Version++
		state.LastEventAt = e.RecordedAt
	}

	finalize(&state)
	return state
}

// reduce applies one event to the state. One branch per catalog type.
func reduce(s *CaseState, e event.Event) {
	switch e.Type {
	case event.TypeCaseOpened:
		var p event.CaseOpenedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		s.Title = p.Title
		s.Description = p.Description
		s.ContractRef = p.ContractRef
		if s.Basis.Status == StatusNotApplicable {
			s.Basis.Status = StatusDraft
			s.Basis.LastUpdated = e.RecordedAt
		}

	case event.TypeCaseDetailsUpdated:
		var p event.CaseDetailsUpdatedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		// The payload is the full replacement metadata, so an omitted
		// description clears the stored one.
		s.Title = p.Title
		s.Description = p.Description

	case event.TypeBasisClaimed, event.TypeBasisUpdated:
		ts := s.Basis
		ts.Status = StatusSent
		ts.Revision++
		ts.LastUpdated = e.RecordedAt
		s.Basis = ts

	case event.TypeCompensationClaimed, event.TypeCompensationUpdated:
		var p event.CompensationClaimPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		ts := s.Compensation
		ts.Status = StatusSent
		ts.ClaimedValue = p.AmountOre
		ts.Revision++
		ts.LastUpdated = e.RecordedAt
		s.Compensation = ts

	case event.TypeDeadlineClaimed, event.TypeDeadlineUpdated:
		var p event.DeadlineClaimPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		ts := s.Deadline
		ts.Status = StatusSent
		ts.ClaimedValue = int64(p.Days)
		ts.Revision++
		ts.LastUpdated = e.RecordedAt
		s.Deadline = ts

	case event.TypeReviewStarted:
		track := event.TrackOf(e)
		ts := s.TrackState(track)
		ts.Status = StatusUnderReview
		ts.LastUpdated = e.RecordedAt
		s.setTrack(track, ts)

	case event.TypeBasisResponded:
		var p event.BasisResponsePayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		ts := s.Basis
		applyOutcome(&ts, p.Outcome, p.Rationale, 0, e.RecordedAt)
		s.Basis = ts

	case event.TypeCompensationResponded:
		var p event.CompensationResponsePayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		ts := s.Compensation
		applyOutcome(&ts, p.Outcome, p.Rationale, p.ApprovedAmountOre, e.RecordedAt)
		s.Compensation = ts

	case event.TypeDeadlineResponded:
		var p event.DeadlineResponsePayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		ts := s.Deadline
		applyOutcome(&ts, p.Outcome, p.Rationale, int64(p.ApprovedDays), e.RecordedAt)
		s.Deadline = ts

	case event.TypeTrackWithdrawn:
		track := event.TrackOf(e)
		ts := s.TrackState(track)
		ts.Status = StatusWithdrawn
		ts.LastUpdated = e.RecordedAt
		s.setTrack(track, ts)

	case event.TypeTrackLocked:
		track := event.TrackOf(e)
		ts := s.TrackState(track)
		ts.Status = StatusLocked
		ts.Locked = true
		ts.LastUpdated = e.RecordedAt
		s.setTrack(track, ts)

	case event.TypeTrackReopened:
		track := event.TrackOf(e)
		ts := s.TrackState(track)
		ts.Status = StatusUnderReview
		ts.Locked = false
		ts.LastUpdated = e.RecordedAt
		s.setTrack(track, ts)

	case event.TypeIssuanceIssued:
		var p event.IssuancePayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		s.Issued = true
		s.IssuanceRef = p.Reference

	case event.TypeCaseClosed:
		var p event.CaseClosedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		s.Closed = true
		s.ClosedReason = p.Reason
	}
}

// applyOutcome maps a responder outcome to the track status and approved
// value. A full approval grants the claimed value; a rejection grants zero;
// negotiation keeps the previous grant on the table.
func applyOutcome(ts *TrackState, outcome event.Outcome, rationale string, approved int64, at time.Time) {
	ts.Outcome = outcome
	ts.Rationale = rationale
	ts.LastUpdated = at
	switch outcome {
	case event.OutcomeApproved:
		ts.Status = StatusApproved
		ts.ApprovedValue = ts.ClaimedValue
	case event.OutcomePartiallyApproved:
		ts.Status = StatusPartiallyApproved
		ts.ApprovedValue = approved
	case event.OutcomeRejected:
		ts.Status = StatusRejected
		ts.ApprovedValue = 0
	case event.OutcomeUnderNegotiation:
		ts.Status = StatusUnderNegotiation
	}
}

// finalize computes the derived case-level fields after the fold.
func finalize(s *CaseState) {
	s.TotalClaimedOre, s.TotalApprovedOre = 0, 0
	s.ClaimedDays, s.ApprovedDays = 0, 0
	if s.Compensation.Active() {
		s.TotalClaimedOre = s.Compensation.ClaimedValue
		s.TotalApprovedOre = s.Compensation.ApprovedValue
	}
	if s.Deadline.Active() {
		s.ClaimedDays = s.Deadline.ClaimedValue
		s.ApprovedDays = s.Deadline.ApprovedValue
	}

	s.IssuanceEligible = issuanceEligible(s)
	s.Status = overallStatus(s)
	s.NextAction = nextAction(s)
}

// issuanceEligible is true iff every active track is in a terminal accepted
// state. A case with no active tracks has nothing to issue.
func issuanceEligible(s *CaseState) bool {
	if s.Closed {
		return false
	}
	anyActive := false
	for _, ts := range []TrackState{s.Basis, s.Compensation, s.Deadline} {
		if !ts.Active() {
			continue
		}
		anyActive = true
		if !ts.Accepted() {
			return false
		}
	}
	return anyActive
}

func overallStatus(s *CaseState) CaseStatus {
	switch {
	case s.Closed:
		return CaseClosed
	case s.Issued:
		return CaseSettled
	case s.Basis.Status == StatusNotApplicable || s.Basis.Status == StatusDraft:
		return CaseDraft
	}
	for _, ts := range []TrackState{s.Basis, s.Compensation, s.Deadline} {
		if ts.Active() && ts.Outcome != "" {
			return CaseUnderNegotiation
		}
	}
	return CaseSent
}

// nextAction resolves whose move it is: the claimant until the basis is sent,
// the responder while any active track awaits an answer, the claimant again
// while a non-terminal outcome stands, nobody once everything is accepted.
func nextAction(s *CaseState) NextAction {
	if s.Closed || s.Issued {
		return NextAction{}
	}
	if s.Basis.Status == StatusNotApplicable || s.Basis.Status == StatusDraft {
		return NextAction{Actor: event.RoleClaimant, Track: event.TrackBasis}
	}
	ordered := []struct {
		track event.Track
		state TrackState
	}{
		{event.TrackBasis, s.Basis},
		{event.TrackCompensation, s.Compensation},
		{event.TrackDeadline, s.Deadline},
	}
	for _, t := range ordered {
		if t.state.Active() && t.state.AwaitingResponse() {
			return NextAction{Actor: event.RoleResponder, Track: t.track}
		}
	}
	for _, t := range ordered {
		if !t.state.Active() || t.state.Accepted() {
			continue
		}
		// rejected, partially approved or under negotiation: the claimant
		// resubmits, withdraws, or concedes.
		return NextAction{Actor: event.RoleClaimant, Track: t.track}
	}
	return NextAction{}
}
