package investment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the investment service: portfolio and risk-profile reads,
// reference prices, the trade-execution primitive and active-user listing.
type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("investment API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, host, apiKey string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// GetPortfolio returns the user's current holdings, or nil when the user has
// no portfolio.
func (c *Client) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/portfolio", nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var out Portfolio
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode portfolio: %w", err)
	}
	return &out, nil
}

// GetRiskProfile returns the user's target allocations, or nil when absent.
func (c *Client) GetRiskProfile(ctx context.Context, userID string) (*RiskProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/risk-profile", nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var out RiskProfile
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode risk profile: %w", err)
	}
	return &out, nil
}

// GetAssetPrice returns a reference price per unit for an asset. Used when
// planning a buy for an asset with no current position.
func (c *Client) GetAssetPrice(ctx context.Context, assetID string) (*AssetPrice, error) {
	if assetID == "" {
		return nil, fmt.Errorf("asset_id is required")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/assets/"+url.PathEscape(assetID)+"/price", nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var out AssetPrice
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode asset price: %w", err)
	}
	return &out, nil
}

// ExecuteTrade submits one buy/sell leg. A non-2xx response is an error;
// the engine does not interpret structured failure codes beyond that.
func (c *Client) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if req.UserID == "" || req.AssetID == "" {
		return nil, fmt.Errorf("user_id and asset_id are required")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v1/trades", nil, req)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("trade endpoint not found")
	}
	var out TradeResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode trade result: %w", err)
	}
	return &out, nil
}

// ListActiveUsers enumerates users eligible for the scheduled sweep.
func (c *Client) ListActiveUsers(ctx context.Context) ([]string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/users/active", nil, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var out activeUsersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode active users: %w", err)
	}
	return out.UserIDs, nil
}
