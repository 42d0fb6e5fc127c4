package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// NotificationPublisher publishes committed case events to NATS for
// consumption by downstream services (dashboards, reminders, reporting).
//
// Subject convention: claims.<event_type>
//
// Publishing happens strictly after the event store commit, and all publish
// operations are non-fatal. Errors are logged but never propagated to the
// caller, so notification failures never interrupt case operations.
type NotificationPublisher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// CaseNotification is the JSON schema published to NATS.
type CaseNotification struct {
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
	CaseID     string `json:"case_id"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Version    int    `json:"version"`
	CaseStatus string `json:"case_status"`
	RecordedAt string `json:"recorded_at"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
// A nil client disables publishing entirely.
func NewNotificationPublisher(nats *NATSClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishCaseEvent publishes a committed case event.
// Subject: claims.<event_type>
func (p *NotificationPublisher) PublishCaseEvent(ctx context.Context, n CaseNotification) {
	if p.nats == nil {
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("claims.%s", n.EventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("case_id", n.CaseID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("case_id", n.CaseID).
		Int("version", n.Version).
		Msg("notification: event published")
}
