// Package platformclient implements the engine's external-collaborator
// lookups: resolving a user id to an email or account type, and listing
// admin ids, by calling the platform's own internal user-service HTTP
// API. The engine treats these as pure lookups and owns no user data
// itself. Lookups are never cached; a stale account type or admin list
// is a correctness risk.
package platformclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the platform's internal user-service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against baseURL (e.g. "http://user-service.internal").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type userRecord struct {
	Email     string `json:"email"`
	IsCreator bool   `json:"isCreator"`
	IsAdmin   bool   `json:"isAdmin"`
}

func (c *Client) getUser(ctx context.Context, userID string) (userRecord, error) {
	var rec userRecord
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/users/%s", c.baseURL, userID), nil)
	if err != nil {
		return rec, fmt.Errorf("build user lookup request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return rec, fmt.Errorf("user lookup request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rec, fmt.Errorf("user lookup for %s returned status %d", userID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode user lookup response: %w", err)
	}
	return rec, nil
}

// Email implements escrow.UserDirectory.
func (c *Client) Email(ctx context.Context, userID string) (string, error) {
	rec, err := c.getUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.Email, nil
}

// IsCreator implements payout.AccountTypeChecker.
func (c *Client) IsCreator(ctx context.Context, userID string) (bool, error) {
	rec, err := c.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.IsCreator, nil
}

// Admins implements escrow.AdminDirectory.
func (c *Client) Admins(ctx context.Context) ([]string, error) {
	var ids []string
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/users/admins", c.baseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build admin list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("admin list request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin list returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode admin list response: %w", err)
	}
	return ids, nil
}
