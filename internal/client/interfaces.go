package client

import "context"

// NotificationPublisherInterface defines the post-commit event publisher boundary.
type NotificationPublisherInterface interface {
	PublishCaseEvent(ctx context.Context, n CaseNotification)
}

// ProjectHubInterface defines the project hub snapshot boundary.
type ProjectHubInterface interface {
	PushSnapshot(ctx context.Context, snapshot CaseSnapshot)
}
