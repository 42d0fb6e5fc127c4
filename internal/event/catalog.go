package event

import (
	"bytes"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
)

// ErrUnknownEventType is wrapped into the validation error returned for an
// unregistered type tag.
var ErrUnknownEventType = goerrors.New("unknown event type")

// serverFields are assigned by the catalog and must never appear in a
// client-supplied payload. Their presence is a hard validation failure.
var serverFields = []string{"id", "event_id", "recorded_at", "timestamp"}

// ── Payload schemas ───────────────────────────────────────────────────────────

// CaseOpenedPayload opens a case with its descriptive metadata.
type CaseOpenedPayload struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description,omitempty"`
	ContractRef string `json:"contract_ref,omitempty"`
}

// CaseDetailsUpdatedPayload revises case metadata.
type CaseDetailsUpdatedPayload struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description,omitempty"`
}

// BasisClaimPayload asserts (or revises) the ground for the claim.
type BasisClaimPayload struct {
	Description string `json:"description" validate:"required"`
	// GroundDate is when the claimed circumstance arose, used by the
	// SEND_WINDOW policy rule.
	GroundDate string `json:"ground_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Reference  string `json:"reference,omitempty"`
}

// CompensationClaimPayload claims (or revises) a monetary amount, in øre.
type CompensationClaimPayload struct {
	AmountOre int64  `json:"amount_ore" validate:"required,gt=0"`
	Method    string `json:"method,omitempty" validate:"omitempty,oneof=fixed_price unit_rates cost_plus"`
	Note      string `json:"note,omitempty"`
}

// DeadlineClaimPayload claims (or revises) a deadline extension in whole days.
type DeadlineClaimPayload struct {
	Days         int    `json:"days" validate:"required,gt=0"`
	NewMilestone string `json:"new_milestone,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Note         string `json:"note,omitempty"`
}

// BasisResponsePayload is the responder's verdict on the basis track.
type BasisResponsePayload struct {
	Outcome   Outcome `json:"outcome" validate:"required,oneof=approved partially_approved rejected under_negotiation"`
	Rationale string  `json:"rationale" validate:"required"`
}

// CompensationResponsePayload is the responder's verdict on the compensation
// track. A partial approval must state the approved amount.
type CompensationResponsePayload struct {
	Outcome           Outcome `json:"outcome" validate:"required,oneof=approved partially_approved rejected under_negotiation"`
	Rationale         string  `json:"rationale" validate:"required"`
	ApprovedAmountOre int64   `json:"approved_amount_ore,omitempty" validate:"gte=0,required_if=Outcome partially_approved"`
}

// DeadlineResponsePayload is the responder's verdict on the deadline track.
type DeadlineResponsePayload struct {
	Outcome      Outcome `json:"outcome" validate:"required,oneof=approved partially_approved rejected under_negotiation"`
	Rationale    string  `json:"rationale" validate:"required"`
	ApprovedDays int     `json:"approved_days,omitempty" validate:"gte=0,required_if=Outcome partially_approved"`
}

// TrackRefPayload addresses a single track (review, withdraw, lock, reopen).
type TrackRefPayload struct {
	Track Track  `json:"track" validate:"required,oneof=basis compensation deadline"`
	Note  string `json:"note,omitempty"`
}

// IssuancePayload records the final formal instrument.
type IssuancePayload struct {
	Reference string `json:"reference" validate:"required"`
	Note      string `json:"note,omitempty"`
}

// CaseClosedPayload terminally closes the case.
type CaseClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ── Catalog ───────────────────────────────────────────────────────────────────

// schemas maps every type tag to a fresh payload value. The projection and
// rules packages dispatch on the same set; a type missing here does not exist.
var schemas = map[Type]func() any{
	TypeCaseOpened:            func() any { return &CaseOpenedPayload{} },
	TypeCaseDetailsUpdated:    func() any { return &CaseDetailsUpdatedPayload{} },
	TypeBasisClaimed:          func() any { return &BasisClaimPayload{} },
	TypeBasisUpdated:          func() any { return &BasisClaimPayload{} },
	TypeCompensationClaimed:   func() any { return &CompensationClaimPayload{} },
	TypeCompensationUpdated:   func() any { return &CompensationClaimPayload{} },
	TypeDeadlineClaimed:       func() any { return &DeadlineClaimPayload{} },
	TypeDeadlineUpdated:       func() any { return &DeadlineClaimPayload{} },
	TypeTrackWithdrawn:        func() any { return &TrackRefPayload{} },
	TypeTrackLocked:           func() any { return &TrackRefPayload{} },
	TypeReviewStarted:         func() any { return &TrackRefPayload{} },
	TypeBasisResponded:        func() any { return &BasisResponsePayload{} },
	TypeCompensationResponded: func() any { return &CompensationResponsePayload{} },
	TypeDeadlineResponded:     func() any { return &DeadlineResponsePayload{} },
	TypeTrackReopened:         func() any { return &TrackRefPayload{} },
	TypeIssuanceIssued:        func() any { return &IssuancePayload{} },
	TypeCaseClosed:            func() any { return &CaseClosedPayload{} },
}

// claimantOnly and responderOnly partition the catalog for the ACTOR_ROLE
// rule. Types in neither set accept both roles.
var claimantOnly = map[Type]bool{
	TypeCaseOpened:          true,
	TypeCaseDetailsUpdated:  true,
	TypeBasisClaimed:        true,
	TypeBasisUpdated:        true,
	TypeCompensationClaimed: true,
	TypeCompensationUpdated: true,
	TypeDeadlineClaimed:     true,
	TypeDeadlineUpdated:     true,
	TypeTrackWithdrawn:      true,
	TypeTrackLocked:         true,
}

var responderOnly = map[Type]bool{
	TypeReviewStarted:         true,
	TypeBasisResponded:        true,
	TypeCompensationResponded: true,
	TypeDeadlineResponded:     true,
	TypeTrackReopened:         true,
	TypeIssuanceIssued:        true,
}

// IsClaimantOnly reports whether a type may only be submitted by the claimant.
func IsClaimantOnly(t Type) bool { return claimantOnly[t] }

// IsResponderOnly reports whether a type may only be submitted by the responder.
func IsResponderOnly(t Type) bool { return responderOnly[t] }

// IsKnown reports whether the type tag is registered.
func IsKnown(t Type) bool {
	_, ok := schemas[t]
	return ok
}

// directTrack maps the per-track claim and response types to their track.
// Track-ref events carry the track in the payload instead.
var directTrack = map[Type]Track{
	TypeBasisClaimed:          TrackBasis,
	TypeBasisUpdated:          TrackBasis,
	TypeBasisResponded:        TrackBasis,
	TypeCompensationClaimed:   TrackCompensation,
	TypeCompensationUpdated:   TrackCompensation,
	TypeCompensationResponded: TrackCompensation,
	TypeDeadlineClaimed:       TrackDeadline,
	TypeDeadlineUpdated:       TrackDeadline,
	TypeDeadlineResponded:     TrackDeadline,
}

// TrackOf resolves the track an event addresses: from the type for claim and
// response events, from the payload for track-ref events. Returns "" for
// case-level events.
func TrackOf(e Event) Track {
	if tr, ok := directTrack[e.Type]; ok {
		return tr
	}
	switch e.Type {
	case TypeTrackWithdrawn, TypeTrackLocked, TypeReviewStarted, TypeTrackReopened:
		var p TrackRefPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.Track
		}
	}
	return ""
}

// Catalog validates raw payloads and mints finished events. It is the only
// place that assigns event identity and timestamps.
type Catalog struct {
	validate *validator.Validate
	newID    func() string
	now      func() time.Time
}

// NewCatalog creates a catalog with uuid identities and wall-clock time.
func NewCatalog() *Catalog {
	return &Catalog{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.now = now
	return c
}

// WithIDFunc overrides identity assignment, for tests.
func (c *Catalog) WithIDFunc(newID func() string) *Catalog {
	c.newID = newID
	return c
}

// Build validates the raw payload against the schema for typ and returns the
// finished immutable event. It fails when the type is unknown, when the
// payload carries server-controlled fields, when the payload shape does not
// match the schema, or when schema validation fails.
func (c *Catalog) Build(caseID string, typ Type, actorID string, role Role, raw json.RawMessage) (Event, error) {
	schema, ok := schemas[typ]
	if !ok {
		return Event{}, errors.Wrap(ErrUnknownEventType, errors.ErrCodeValidation,
			fmt.Sprintf("unknown event type %q", typ))
	}
	if caseID == "" {
		return Event{}, errors.InvalidInput("case_id", "case id is required")
	}
	if actorID == "" {
		return Event{}, errors.InvalidInput("actor_id", "actor id is required")
	}
	if role != RoleClaimant && role != RoleResponder {
		return Event{}, errors.InvalidInput("actor_role", fmt.Sprintf("unknown actor role %q", role))
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	// Server-controlled fields get a precise rejection before shape checking.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, errors.InvalidInput("payload", "payload must be a JSON object")
	}
	for _, field := range serverFields {
		if _, present := probe[field]; present {
			return Event{}, errors.InvalidInput(field, "payload must not carry server-assigned fields")
		}
	}

	payload := schema()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return Event{}, errors.Wrap(err, errors.ErrCodeValidation,
			fmt.Sprintf("payload does not match schema for %q", typ))
	}
	if err := c.validate.Struct(payload); err != nil {
		return Event{}, errors.Wrap(err, errors.ErrCodeValidation,
			fmt.Sprintf("payload failed validation for %q", typ))
	}

	// Re-marshal the typed payload so stored events carry the normalized form.
	normalized, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrap(err, errors.ErrCodeInternal, "marshal normalized payload")
	}

	return Event{
		ID:         c.newID(),
		CaseID:     caseID,
		Type:       typ,
		ActorID:    actorID,
		ActorRole:  role,
		RecordedAt: c.now().UTC().Truncate(time.Millisecond),
		Payload:    normalized,
	}, nil
}
