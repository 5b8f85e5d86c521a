package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// IdentityHTTPClient implements workflow.IdentityClient against the platform
// identity service's internal HTTP API.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityHTTPClient creates a client for the identity service.
func NewIdentityHTTPClient(baseURL string) *IdentityHTTPClient {
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type userListResponse struct {
	UserIDs []string `json:"user_ids"`
}

// GetUsersWithRole returns user IDs holding the given role within an
// organization.
func (c *IdentityHTTPClient) GetUsersWithRole(ctx context.Context, organizationID, role string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/roles/%s/users?organization_id=%s",
		c.baseURL, url.PathEscape(role), url.QueryEscape(organizationID))
	return c.getUsers(ctx, endpoint)
}

// GetTeamMembers returns user IDs belonging to a team.
func (c *IdentityHTTPClient) GetTeamMembers(ctx context.Context, organizationID, teamID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/teams/%s/members?organization_id=%s",
		c.baseURL, url.PathEscape(teamID), url.QueryEscape(organizationID))
	return c.getUsers(ctx, endpoint)
}

func (c *IdentityHTTPClient) getUsers(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var body userListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}
	return body.UserIDs, nil
}
