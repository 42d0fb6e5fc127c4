// Package event defines the immutable claim event, its closed set of types,
// and the catalog that turns raw payloads into finished events.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event semantic. The set is closed: every Type has a
// payload schema in the catalog, a reducer in the projection package, and a
// rule list in the rules package.
type Type string

// Claimant (contractor) event types.
const (
	TypeCaseOpened          Type = "case_opened"
	TypeCaseDetailsUpdated  Type = "case_details_updated"
	TypeBasisClaimed        Type = "basis_claimed"
	TypeBasisUpdated        Type = "basis_updated"
	TypeCompensationClaimed Type = "compensation_claimed"
	TypeCompensationUpdated Type = "compensation_updated"
	TypeDeadlineClaimed     Type = "deadline_claimed"
	TypeDeadlineUpdated     Type = "deadline_updated"
	TypeTrackWithdrawn      Type = "track_withdrawn"
	TypeTrackLocked         Type = "track_locked"
)

// Responder (owner) event types.
const (
	TypeReviewStarted         Type = "review_started"
	TypeBasisResponded        Type = "basis_responded"
	TypeCompensationResponded Type = "compensation_responded"
	TypeDeadlineResponded     Type = "deadline_responded"
	TypeTrackReopened         Type = "track_reopened"
	TypeIssuanceIssued        Type = "issuance_issued"
)

// Either-party event types.
const (
	TypeCaseClosed Type = "case_closed"
)

// Role identifies the acting party.
type Role string

const (
	// RoleClaimant is the contractor raising claims (TE).
	RoleClaimant Role = "TE"
	// RoleResponder is the owner/builder answering them (BH).
	RoleResponder Role = "BH"
)

// Track identifies one of the three negotiation dimensions.
type Track string

const (
	TrackBasis        Track = "basis"
	TrackCompensation Track = "compensation"
	TrackDeadline     Track = "deadline"
)

// Outcome is a responder's verdict on a claim track.
type Outcome string

const (
	OutcomeApproved          Outcome = "approved"
	OutcomePartiallyApproved Outcome = "partially_approved"
	OutcomeRejected          Outcome = "rejected"
	OutcomeUnderNegotiation  Outcome = "under_negotiation"
)

// Event is one immutable fact in a case history. ID and RecordedAt are
// server-assigned; a payload carrying either is rejected by the catalog.
// Corrections are new compensating events, never edits.
type Event struct {
	ID         string          `json:"id"`
	CaseID     string          `json:"case_id"`
	Type       Type            `json:"type"`
	ActorID    string          `json:"actor_id"`
	ActorRole  Role            `json:"actor_role"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode serializes the event for the wire or for file storage.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
