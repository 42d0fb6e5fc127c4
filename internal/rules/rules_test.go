package rules

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
	"github.com/khjohns/unified-timeline-sub000/internal/projection"
)

var testClock = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func evt(seq int, typ event.Type, role event.Role, payload string) event.Event {
	if payload == "" {
		payload = "{}"
	}
	return event.Event{
		ID:         fmt.Sprintf("evt-%d", seq),
		CaseID:     "case-1",
		Type:       typ,
		ActorID:    "user-1",
		ActorRole:  role,
		RecordedAt: testClock.Add(time.Duration(seq) * time.Hour),
		Payload:    json.RawMessage(payload),
	}
}

func stateOf(events ...event.Event) *projection.CaseState {
	s := projection.Project("case-1", events)
	return &s
}

func openedAndClaimed() []event.Event {
	return []event.Event{
		evt(1, event.TypeCaseOpened, event.RoleClaimant, `{"title":"t"}`),
		evt(2, event.TypeBasisClaimed, event.RoleClaimant, `{"description":"d"}`),
	}
}

func requireViolation(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	e := errors.AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, errors.ErrCodeRuleViolation, e.Code)
	assert.Equal(t, rule, e.Rule)
}

func TestGrunnlagRequired(t *testing.T) {
	v := NewValidator(Policy{})

	// Compensation before any basis claim is rejected.
	comp := evt(2, event.TypeCompensationClaimed, event.RoleClaimant, `{"amount_ore":100}`)
	err := v.Validate(comp, stateOf(evt(1, event.TypeCaseOpened, event.RoleClaimant, `{"title":"t"}`)))
	requireViolation(t, err, "GRUNNLAG_REQUIRED")

	// Same for deadline claims.
	days := evt(2, event.TypeDeadlineClaimed, event.RoleClaimant, `{"days":7}`)
	err = v.Validate(days, stateOf(evt(1, event.TypeCaseOpened, event.RoleClaimant, `{"title":"t"}`)))
	requireViolation(t, err, "GRUNNLAG_REQUIRED")

	// Once the basis claim is sent, both pass.
	state := stateOf(openedAndClaimed()...)
	require.NoError(t, v.Validate(comp, state))
	require.NoError(t, v.Validate(days, state))
}

func TestNotLocked(t *testing.T) {
	v := NewValidator(Policy{})

	history := append(openedAndClaimed(),
		evt(3, event.TypeBasisResponded, event.RoleResponder, `{"outcome":"approved","rationale":"ok"}`),
		evt(4, event.TypeCompensationClaimed, event.RoleClaimant, `{"amount_ore":100}`),
		evt(5, event.TypeCompensationResponded, event.RoleResponder, `{"outcome":"approved","rationale":"ok"}`),
		evt(6, event.TypeTrackLocked, event.RoleClaimant, `{"track":"compensation"}`),
	)
	state := stateOf(history...)

	update := evt(7, event.TypeCompensationUpdated, event.RoleClaimant, `{"amount_ore":200}`)
	err := v.Validate(update, state)
	requireViolation(t, err, "NOT_LOCKED")

	respond := evt(7, event.TypeCompensationResponded, event.RoleResponder, `{"outcome":"rejected","rationale":"late"}`)
	err = v.Validate(respond, state)
	requireViolation(t, err, "NOT_LOCKED")
}

func TestRespondOnApprovedTrackRequiresReopen(t *testing.T) {
	v := NewValidator(Policy{})

	history := append(openedAndClaimed(),
		evt(3, event.TypeBasisResponded, event.RoleResponder, `{"outcome":"approved","rationale":"ok"}`),
	)
	state := stateOf(history...)

	// Approved is terminal. Neither a new response nor a fresh review can
	// move the track without a reopening correction first.
	resp := evt(4, event.TypeBasisResponded, event.RoleResponder, `{"outcome":"under_negotiation","rationale":"second thoughts"}`)
	requireViolation(t, v.Validate(resp, state), "NOT_TERMINAL")

	review := evt(4, event.TypeReviewStarted, event.RoleResponder, `{"track":"basis"}`)
	requireViolation(t, v.Validate(review, state), "NOT_TERMINAL")

	// After the correction event the response is legal again.
	reopened := stateOf(append(history,
		evt(4, event.TypeTrackReopened, event.RoleResponder, `{"track":"basis"}`),
	)...)
	require.NoError(t, v.Validate(resp, reopened))
}

func TestAllApproved(t *testing.T) {
	v := NewValidator(Policy{})
	issue := evt(9, event.TypeIssuanceIssued, event.RoleResponder, `{"reference":"EO-1"}`)

	history := append(openedAndClaimed(),
		evt(3, event.TypeBasisResponded, event.RoleResponder, `{"outcome":"approved","rationale":"ok"}`),
		evt(4, event.TypeDeadlineClaimed, event.RoleClaimant, `{"days":14}`),
		evt(5, event.TypeDeadlineResponded, event.RoleResponder, `{"outcome":"under_negotiation","rationale":"discuss"}`),
	)

	// Deadline still under negotiation blocks issuance.
	err := v.Validate(issue, stateOf(history...))
	requireViolation(t, err, "ALL_APPROVED")

	// A later approval on the same track flips eligibility.
	history = append(history,
		evt(6, event.TypeDeadlineResponded, event.RoleResponder, `{"outcome":"approved","rationale":"agreed"}`),
	)
	require.NoError(t, v.Validate(issue, stateOf(history...)))
}

func TestActorRole(t *testing.T) {
	v := NewValidator(Policy{})
	state := stateOf(openedAndClaimed()...)

	// Responder cannot raise claims.
	claim := evt(3, event.TypeCompensationClaimed, event.RoleResponder, `{"amount_ore":100}`)
	requireViolation(t, v.Validate(claim, state), "ACTOR_ROLE")

	// Claimant cannot respond.
	resp := evt(3, event.TypeBasisResponded, event.RoleClaimant, `{"outcome":"approved","rationale":"ok"}`)
	requireViolation(t, v.Validate(resp, state), "ACTOR_ROLE")
}

func TestCaseNotClosed(t *testing.T) {
	v := NewValidator(Policy{})
	state := stateOf(append(openedAndClaimed(),
		evt(3, event.TypeCaseClosed, event.RoleClaimant, `{}`),
	)...)

	update := evt(4, event.TypeBasisUpdated, event.RoleClaimant, `{"description":"more"}`)
	requireViolation(t, v.Validate(update, state), "CASE_NOT_CLOSED")
}

func TestCaseNotStarted(t *testing.T) {
	v := NewValidator(Policy{})

	open := evt(1, event.TypeCaseOpened, event.RoleClaimant, `{"title":"t"}`)
	require.NoError(t, v.Validate(open, stateOf()))

	requireViolation(t, v.Validate(open, stateOf(openedAndClaimed()...)), "CASE_NOT_STARTED")
}

func TestClaimOnce(t *testing.T) {
	v := NewValidator(Policy{})
	state := stateOf(openedAndClaimed()...)

	again := evt(3, event.TypeBasisClaimed, event.RoleClaimant, `{"description":"d2"}`)
	requireViolation(t, v.Validate(again, state), "CLAIM_ONCE")

	// The update variant is the correct follow-up and passes.
	update := evt(3, event.TypeBasisUpdated, event.RoleClaimant, `{"description":"d2"}`)
	require.NoError(t, v.Validate(update, state))
}

func TestRespondRequiresSentTrack(t *testing.T) {
	v := NewValidator(Policy{})
	state := stateOf(openedAndClaimed()...)

	resp := evt(3, event.TypeCompensationResponded, event.RoleResponder, `{"outcome":"approved","rationale":"ok"}`)
	requireViolation(t, v.Validate(resp, state), "TRACK_SENT")
}

func TestLockRequiresApproved(t *testing.T) {
	v := NewValidator(Policy{})
	state := stateOf(openedAndClaimed()...)

	lock := evt(3, event.TypeTrackLocked, event.RoleClaimant, `{"track":"basis"}`)
	requireViolation(t, v.Validate(lock, state), "APPROVED_REQUIRED")
}

func TestReopenRequiresTerminal(t *testing.T) {
	v := NewValidator(Policy{})
	state := stateOf(openedAndClaimed()...)

	reopen := evt(3, event.TypeTrackReopened, event.RoleResponder, `{"track":"basis"}`)
	requireViolation(t, v.Validate(reopen, state), "TERMINAL_REQUIRED")
}

func TestSendWindow(t *testing.T) {
	disabled := NewValidator(Policy{})
	enabled := NewValidator(Policy{SendWindowDays: 14})

	open := evt(1, event.TypeCaseOpened, event.RoleClaimant, `{"title":"t"}`)
	late := evt(2, event.TypeBasisClaimed, event.RoleClaimant,
		`{"description":"d","ground_date":"2026-01-01"}`)

	// Zero disables the policy entirely.
	require.NoError(t, disabled.Validate(late, stateOf(open)))

	requireViolation(t, enabled.Validate(late, stateOf(open)), "SEND_WINDOW")

	// Inside the window it passes.
	timely := late
	timely.RecordedAt = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, enabled.Validate(timely, stateOf(open)))

	// No ground date means the window cannot be evaluated.
	undated := evt(2, event.TypeBasisClaimed, event.RoleClaimant, `{"description":"d"}`)
	require.NoError(t, enabled.Validate(undated, stateOf(open)))
}

func TestValidateShortCircuitsOnFirstViolation(t *testing.T) {
	v := NewValidator(Policy{SendWindowDays: 14})

	// Both ACTOR_ROLE and GRUNNLAG_REQUIRED would fail; the common rule wins.
	claim := evt(1, event.TypeCompensationClaimed, event.RoleResponder, `{"amount_ore":100}`)
	requireViolation(t, v.Validate(claim, stateOf()), "ACTOR_ROLE")
}
