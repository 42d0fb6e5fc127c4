// Package projection folds ordered event histories into case state. Every
// function here is pure: the same ordered event list always produces an
// identical CaseState, because stored state does not exist anywhere else.
package projection

import (
	"time"

	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

// TrackStatus is the status of one negotiation track.
type TrackStatus string

const (
	StatusNotApplicable     TrackStatus = "not_applicable"
	StatusDraft             TrackStatus = "draft"
	StatusSent              TrackStatus = "sent"
	StatusUnderReview       TrackStatus = "under_review"
	StatusApproved          TrackStatus = "approved"
	StatusPartiallyApproved TrackStatus = "partially_approved"
	StatusRejected          TrackStatus = "rejected"
	StatusUnderNegotiation  TrackStatus = "under_negotiation"
	StatusWithdrawn         TrackStatus = "withdrawn"
	StatusLocked            TrackStatus = "locked"
)

// CaseStatus is the coarse status derived from the three tracks.
type CaseStatus string

const (
	CaseDraft            CaseStatus = "draft"
	CaseSent             CaseStatus = "sent"
	CaseUnderNegotiation CaseStatus = "under_negotiation"
	CaseSettled          CaseStatus = "settled"
	CaseClosed           CaseStatus = "closed"
)

// TrackState is the derived state of one track. ClaimedValue/ApprovedValue
// are øre for the compensation track, whole days for the deadline track, and
// zero for the basis track.
type TrackState struct {
	Status        TrackStatus   `json:"status"`
	ClaimedValue  int64         `json:"claimed_value"`
	ApprovedValue int64         `json:"approved_value"`
	Outcome       event.Outcome `json:"outcome,omitempty"`
	Rationale     string        `json:"rationale,omitempty"`
	Locked        bool          `json:"locked"`
	Revision      int           `json:"revision"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// Active reports whether the track participates in the negotiation at all.
func (t TrackState) Active() bool {
	return t.Status != StatusNotApplicable && t.Status != StatusWithdrawn
}

// Accepted reports whether the track has reached a terminal accepted state.
func (t TrackState) Accepted() bool {
	return t.Status == StatusApproved || t.Status == StatusLocked
}

// AwaitingResponse reports whether the responder owes the track an answer.
func (t TrackState) AwaitingResponse() bool {
	return t.Status == StatusSent || t.Status == StatusUnderReview
}

// NextAction names the party whose move it is and the track concerned. The
// zero value means no action remains.
type NextAction struct {
	Actor event.Role  `json:"actor,omitempty"`
	Track event.Track `json:"track,omitempty"`
}

// None reports whether any action remains.
func (n NextAction) None() bool { return n.Actor == "" }

// CaseState is the aggregate of the three tracks plus case-level metadata.
// It is derived, never stored.
type CaseState struct {
	CaseID      string `json:"case_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ContractRef string `json:"contract_ref,omitempty"`

	Status       CaseStatus `json:"status"`
	Basis        TrackState `json:"basis"`
	Compensation TrackState `json:"compensation"`
	Deadline     TrackState `json:"deadline"`

	IssuanceEligible bool   `json:"issuance_eligible"`
	Issued           bool   `json:"issued"`
	IssuanceRef      string `json:"issuance_ref,omitempty"`
	Closed           bool   `json:"closed"`
	ClosedReason     string `json:"closed_reason,omitempty"`

	NextAction NextAction `json:"next_action"`

	TotalClaimedOre  int64 `json:"total_claimed_ore"`
	TotalApprovedOre int64 `json:"total_approved_ore"`
	ClaimedDays      int64 `json:"claimed_days"`
	ApprovedDays     int64 `json:"approved_days"`

	Version     int       `json:"version"`
	LastEventAt time.Time `json:"last_event_at"`
}

// TrackState returns the state of the named track.
func (s *CaseState) TrackState(track event.Track) TrackState {
	switch track {
	case event.TrackBasis:
		return s.Basis
	case event.TrackCompensation:
		return s.Compensation
	case event.TrackDeadline:
		return s.Deadline
	}
	return TrackState{Status: StatusNotApplicable}
}

func (s *CaseState) setTrack(track event.Track, ts TrackState) {
	switch track {
	case event.TrackBasis:
		s.Basis = ts
	case event.TrackCompensation:
		s.Compensation = ts
	case event.TrackDeadline:
		s.Deadline = ts
	}
}
