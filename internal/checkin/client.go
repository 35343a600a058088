// Package checkin is a thin HTTP client for the external check-in
// collaborator: the account check-in business logic itself lives outside
// this service (it drives the shared browser for each account's own
// sign-in flow), but the scheduler still needs something implementing
// scheduler.CheckinRunner to call on its cron tick.
package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Client calls a sibling service's run-all-accounts check-in endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. An empty baseURL disables check-in: RunCheckin
// becomes a no-op success, letting operators run this proxy standalone
// without the check-in collaborator deployed.
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

type checkinResponse struct {
	Message      string `json:"message"`
	SuccessCount int    `json:"total_success"`
	TotalCount   int    `json:"total_count"`
}

// RunCheckin implements scheduler.CheckinRunner.
func (c *Client) RunCheckin(ctx context.Context) (message string, successCount, totalCount int, err error) {
	if c.baseURL == "" {
		return "check-in collaborator not configured", 0, 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkin/run", nil)
	if err != nil {
		return "", 0, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", 0, 0, fmt.Errorf("check-in collaborator returned status %d", resp.StatusCode)
	}

	var body checkinResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, 0, err
	}
	return body.Message, body.SuccessCount, body.TotalCount, nil
}
