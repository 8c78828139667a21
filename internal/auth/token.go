package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Token represents OAuth tokens for a connected mail account
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSupplier hands out valid provider tokens for a user. Implementations
// own caching and refresh; callers never hold a token across calls.
type TokenSupplier interface {
	// Token returns a currently valid token for the user's connected account.
	Token(ctx context.Context, provider Provider, userID string) (*Token, error)
	// Refresh forces a refresh, used after the provider rejects a token
	// that the supplier still considered valid.
	Refresh(ctx context.Context, provider Provider, userID string) (*Token, error)
}

// TokenClient fetches OAuth tokens from the account service, which handles
// storage and refresh for all connected providers.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

// NewTokenClient creates a client against the account service.
func NewTokenClient(baseURL string) *TokenClient {
	return &TokenClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TokenClient) Token(ctx context.Context, provider Provider, userID string) (*Token, error) {
	return c.fetch(ctx, provider, userID, false)
}

func (c *TokenClient) Refresh(ctx context.Context, provider Provider, userID string) (*Token, error) {
	return c.fetch(ctx, provider, userID, true)
}

func (c *TokenClient) fetch(ctx context.Context, provider Provider, userID string, force bool) (*Token, error) {
	url := fmt.Sprintf("%s/api/accounts/%s/token?user=%s", c.baseURL, provider, userID)
	if force {
		url += "&refresh=true"
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("no %s account connected for user %s", provider, userID)
	}

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
