package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ProjectHubClient pushes case status snapshots to the project hub, the
// portfolio system that aggregates claim cases across projects. Like the
// NATS publisher this runs post-commit and is non-fatal: a hub outage must
// never fail a case operation.
type ProjectHubClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// CaseSnapshot is the status payload pushed to the hub after each commit.
type CaseSnapshot struct {
	CaseID           string `json:"case_id"`
	Status           string `json:"status"`
	Version          int    `json:"version"`
	TotalClaimedOre  int64  `json:"total_claimed_ore"`
	TotalApprovedOre int64  `json:"total_approved_ore"`
	ClaimedDays      int    `json:"claimed_days"`
	ApprovedDays     int    `json:"approved_days"`
	IssuanceEligible bool   `json:"issuance_eligible"`
	LastEventAt      string `json:"last_event_at"`
}

// NewProjectHubClient creates a hub client. An empty base URL returns nil,
// which callers treat as "hub integration disabled".
func NewProjectHubClient(baseURL string, timeout time.Duration, log zerolog.Logger) *ProjectHubClient {
	if baseURL == "" {
		return nil
	}
	return &ProjectHubClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// PushSnapshot PUTs the latest case snapshot to the hub.
func (c *ProjectHubClient) PushSnapshot(ctx context.Context, snapshot CaseSnapshot) {
	if c == nil {
		return
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		c.log.Warn().Err(err).Str("case_id", snapshot.CaseID).Msg("hub: failed to marshal snapshot")
		return
	}

	url := fmt.Sprintf("%s/api/cases/%s/snapshot", c.baseURL, snapshot.CaseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		c.log.Warn().Err(err).Str("case_id", snapshot.CaseID).Msg("hub: failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).
			Str("case_id", snapshot.CaseID).
			Msg("hub: failed to push snapshot (non-fatal)")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("case_id", snapshot.CaseID).
			Msg("hub: snapshot rejected (non-fatal)")
		return
	}

	c.log.Debug().
		Str("case_id", snapshot.CaseID).
		Int("version", snapshot.Version).
		Msg("hub: snapshot pushed")
}
