// Package rules gates every prospective event against the legal/workflow
// invariants of the negotiation protocol. Rules are pure predicates over the
// event and the current projected state; the validator performs no I/O and
// persists nothing.
package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
	"github.com/khjohns/unified-timeline-sub000/internal/projection"
)

// Rule names are stable identifiers surfaced in errors, so the calling layer
// can present precise explanations.
const (
	RuleActorRole        = "ACTOR_ROLE"
	RuleCaseNotClosed    = "CASE_NOT_CLOSED"
	RuleCaseNotStarted   = "CASE_NOT_STARTED"
	RuleGrunnlagRequired = "GRUNNLAG_REQUIRED"
	RuleClaimOnce        = "CLAIM_ONCE"
	RuleActiveClaim      = "ACTIVE_CLAIM"
	RuleNotLocked        = "NOT_LOCKED"
	RuleNotTerminal      = "NOT_TERMINAL"
	RuleTrackSent        = "TRACK_SENT"
	RuleApprovedRequired = "APPROVED_REQUIRED"
	RuleTerminalRequired = "TERMINAL_REQUIRED"
	RuleAllApproved      = "ALL_APPROVED"
	RuleSendWindow       = "SEND_WINDOW"
)

// Policy holds tunable thresholds. The notice window is a legal standard, not
// a fixed day count, so it is configuration rather than a constant; zero
// disables the check.
type Policy struct {
	SendWindowDays int
}

// CheckFunc evaluates one rule. A false result carries the human-readable
// reason.
type CheckFunc func(e event.Event, s *projection.CaseState) (bool, string)

// Rule pairs a stable name with its predicate.
type Rule struct {
	Name  string
	Check CheckFunc
}

// Validator evaluates the ordered rule list for an event type and returns the
// first violation.
type Validator struct {
	policy Policy
	common []Rule
	byType map[event.Type][]Rule
}

// NewValidator builds the full rule registry.
func NewValidator(policy Policy) *Validator {
	v := &Validator{policy: policy}

	v.common = []Rule{
		{RuleActorRole, checkActorRole},
		{RuleCaseNotClosed, checkCaseNotClosed},
	}

	claim := []Rule{
		{RuleGrunnlagRequired, checkGrunnlagRequired},
		{RuleClaimOnce, checkClaimOnce},
	}
	update := []Rule{
		{RuleActiveClaim, checkActiveClaim},
		{RuleNotLocked, checkNotLocked},
		{RuleNotTerminal, checkNotTerminal},
	}
	respond := []Rule{
		{RuleTrackSent, checkTrackSent},
		{RuleNotLocked, checkNotLocked},
		{RuleNotTerminal, checkNotTerminal},
	}

	v.byType = map[event.Type][]Rule{
		event.TypeCaseOpened: {
			{RuleCaseNotStarted, checkCaseNotStarted},
		},
		event.TypeCaseDetailsUpdated: nil,
		event.TypeBasisClaimed: {
			{RuleClaimOnce, checkClaimOnce},
			{RuleSendWindow, v.checkSendWindow},
		},
		event.TypeBasisUpdated:          update,
		event.TypeCompensationClaimed:   claim,
		event.TypeCompensationUpdated:   update,
		event.TypeDeadlineClaimed:       claim,
		event.TypeDeadlineUpdated:       update,
		event.TypeReviewStarted:         respond,
		event.TypeBasisResponded:        respond,
		event.TypeCompensationResponded: respond,
		event.TypeDeadlineResponded:     respond,
		event.TypeTrackWithdrawn:        update,
		event.TypeTrackLocked: {
			{RuleApprovedRequired, checkApprovedRequired},
		},
		event.TypeTrackReopened: {
			{RuleTerminalRequired, checkTerminalRequired},
		},
		event.TypeIssuanceIssued: {
			{RuleAllApproved, checkAllApproved},
		},
		event.TypeCaseClosed: nil,
	}

	return v
}

// Validate runs the common rules and then the type's ordered rules against
// the prospective event and current state, short-circuiting on the first
// violation. The returned error names the violated rule.
func (v *Validator) Validate(e event.Event, s *projection.CaseState) error {
	for _, r := range v.common {
		if ok, msg := r.Check(e, s); !ok {
			return errors.RuleViolation(r.Name, msg)
		}
	}
	for _, r := range v.byType[e.Type] {
		if ok, msg := r.Check(e, s); !ok {
			return errors.RuleViolation(r.Name, msg)
		}
	}
	return nil
}

// ── Common rules ──────────────────────────────────────────────────────────────

func checkActorRole(e event.Event, _ *projection.CaseState) (bool, string) {
	if event.IsClaimantOnly(e.Type) && e.ActorRole != event.RoleClaimant {
		return false, fmt.Sprintf("%s may only be submitted by the claimant", e.Type)
	}
	if event.IsResponderOnly(e.Type) && e.ActorRole != event.RoleResponder {
		return false, fmt.Sprintf("%s may only be submitted by the responder", e.Type)
	}
	return true, ""
}

func checkCaseNotClosed(e event.Event, s *projection.CaseState) (bool, string) {
	if s.Closed {
		return false, "case is closed; no further events are accepted"
	}
	return true, ""
}

func checkCaseNotStarted(_ event.Event, s *projection.CaseState) (bool, string) {
	if s.Version > 0 {
		return false, "case already has a history; case_opened must be the first event"
	}
	return true, ""
}

// ── Track rules ───────────────────────────────────────────────────────────────

func checkGrunnlagRequired(e event.Event, s *projection.CaseState) (bool, string) {
	if s.Basis.Status == projection.StatusNotApplicable || s.Basis.Status == projection.StatusDraft {
		return false, fmt.Sprintf("%s requires an established basis claim first", e.Type)
	}
	return true, ""
}

func checkClaimOnce(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	if ts.Active() && ts.Revision > 0 {
		return false, fmt.Sprintf("%s track already has an active claim; use an update event", event.TrackOf(e))
	}
	return true, ""
}

func checkActiveClaim(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	if !ts.Active() || ts.Revision == 0 {
		return false, fmt.Sprintf("no active claim on the %s track to act on", event.TrackOf(e))
	}
	return true, ""
}

func checkNotLocked(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	if ts.Status == projection.StatusLocked {
		return false, fmt.Sprintf("%s track is locked", event.TrackOf(e))
	}
	return true, ""
}

func checkNotTerminal(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	if ts.Status == projection.StatusApproved {
		return false, fmt.Sprintf("%s track is already approved; a reopening correction is required first", event.TrackOf(e))
	}
	return true, ""
}

func checkTrackSent(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	if !ts.Active() || ts.Revision == 0 {
		return false, fmt.Sprintf("%s track was never sent", event.TrackOf(e))
	}
	return true, ""
}

func checkApprovedRequired(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	if ts.Status != projection.StatusApproved {
		return false, fmt.Sprintf("%s track can only be locked from approved, not %s", event.TrackOf(e), ts.Status)
	}
	return true, ""
}

func checkTerminalRequired(e event.Event, s *projection.CaseState) (bool, string) {
	ts := s.TrackState(event.TrackOf(e))
	switch ts.Status {
	case projection.StatusApproved, projection.StatusRejected, projection.StatusLocked:
		return true, ""
	}
	return false, fmt.Sprintf("%s track is not in a terminal state; nothing to reopen", event.TrackOf(e))
}

func checkAllApproved(_ event.Event, s *projection.CaseState) (bool, string) {
	if !s.IssuanceEligible {
		return false, "issuance requires every active track to be approved or locked"
	}
	return true, ""
}

// checkSendWindow enforces the configurable notice-window policy: a basis
// claim grounded on a dated circumstance must be sent within the configured
// number of days of that date.
func (v *Validator) checkSendWindow(e event.Event, _ *projection.CaseState) (bool, string) {
	if v.policy.SendWindowDays <= 0 {
		return true, ""
	}
	track := event.TrackOf(e)
	if track != event.TrackBasis {
		return true, ""
	}
	var p event.BasisClaimPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.GroundDate == "" {
		return true, ""
	}
	ground, err := time.Parse("2006-01-02", p.GroundDate)
	if err != nil {
		return true, ""
	}
	deadline := ground.AddDate(0, 0, v.policy.SendWindowDays)
	if e.RecordedAt.After(deadline) {
		return false, fmt.Sprintf("basis claim sent %s, more than %d days after the claimed circumstance (%s)",
			e.RecordedAt.Format("2006-01-02"), v.policy.SendWindowDays, p.GroundDate)
	}
	return true, ""
}
