package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

// TimelineEntry is a display-oriented summary of one event.
type TimelineEntry struct {
	Seq        int         `json:"seq"`
	EventID    string      `json:"event_id"`
	Type       event.Type  `json:"type"`
	Track      event.Track `json:"track,omitempty"`
	ActorID    string      `json:"actor_id"`
	ActorRole  event.Role  `json:"actor_role"`
	RecordedAt time.Time   `json:"recorded_at"`
	Summary    string      `json:"summary"`
}

// Timeline projects the raw history into ordered display summaries.
func Timeline(events []event.Event) []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(events))
	for i, e := range events {
		entries = append(entries, TimelineEntry{
			Seq:        i + 1,
			EventID:    e.ID,
			Type:       e.Type,
			Track:      event.TrackOf(e),
			ActorID:    e.ActorID,
			ActorRole:  e.ActorRole,
			RecordedAt: e.RecordedAt,
			Summary:    summarize(e),
		})
	}
	return entries
}

func summarize(e event.Event) string {
	switch e.Type {
	case event.TypeCaseOpened:
		var p event.CaseOpenedPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Case opened: %s", p.Title)
		}
		return "Case opened"
	case event.TypeCaseDetailsUpdated:
		return "Case details updated"
	case event.TypeBasisClaimed:
		return "Basis claim sent"
	case event.TypeBasisUpdated:
		return "Basis claim revised and resent"
	case event.TypeCompensationClaimed, event.TypeCompensationUpdated:
		var p event.CompensationClaimPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Compensation claim for %s", formatOre(p.AmountOre))
		}
		return "Compensation claim sent"
	case event.TypeDeadlineClaimed, event.TypeDeadlineUpdated:
		var p event.DeadlineClaimPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Deadline extension claim for %d days", p.Days)
		}
		return "Deadline extension claim sent"
	case event.TypeReviewStarted:
		return fmt.Sprintf("Review started on %s track", event.TrackOf(e))
	case event.TypeBasisResponded, event.TypeCompensationResponded, event.TypeDeadlineResponded:
		return responseSummary(e)
	case event.TypeTrackWithdrawn:
		return fmt.Sprintf("Claim withdrawn on %s track", event.TrackOf(e))
	case event.TypeTrackLocked:
		return fmt.Sprintf("%s track locked", event.TrackOf(e))
	case event.TypeTrackReopened:
		return fmt.Sprintf("%s track reopened for correction", event.TrackOf(e))
	case event.TypeIssuanceIssued:
		var p event.IssuancePayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Change order issued (%s)", p.Reference)
		}
		return "Change order issued"
	case event.TypeCaseClosed:
		return "Case closed"
	}
	return string(e.Type)
}

func responseSummary(e event.Event) string {
	track := event.TrackOf(e)
	var p struct {
		Outcome event.Outcome `json:"outcome"`
	}
	if json.Unmarshal(e.Payload, &p) != nil {
		return fmt.Sprintf("Response on %s track", track)
	}
	switch p.Outcome {
	case event.OutcomeApproved:
		return fmt.Sprintf("%s track approved", track)
	case event.OutcomePartiallyApproved:
		return fmt.Sprintf("%s track partially approved", track)
	case event.OutcomeRejected:
		return fmt.Sprintf("%s track rejected", track)
	case event.OutcomeUnderNegotiation:
		return fmt.Sprintf("%s track moved to negotiation", track)
	}
	return fmt.Sprintf("Response on %s track", track)
}

func formatOre(ore int64) string {
	return fmt.Sprintf("NOK %d.%02d", ore/100, ore%100)
}
