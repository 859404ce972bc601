package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Client sends rebalance outcome notifications. Delivery is best-effort:
// callers log failures and never fail a run because of one.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type rebalanceCompleteRequest struct {
	UserID          string          `json:"user_id"`
	RebalanceAmount decimal.Decimal `json:"rebalance_amount"`
	TradeCount      int             `json:"trade_count"`
}

type rebalanceErrorRequest struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

func (c *Client) SendRebalanceComplete(ctx context.Context, userID string, amount decimal.Decimal, tradeCount int) error {
	return c.post(ctx, "/api/v1/notifications/rebalance-complete", rebalanceCompleteRequest{
		UserID:          userID,
		RebalanceAmount: amount,
		TradeCount:      tradeCount,
	})
}

func (c *Client) SendRebalanceError(ctx context.Context, userID string, errMsg string) error {
	return c.post(ctx, "/api/v1/notifications/rebalance-error", rebalanceErrorRequest{
		UserID: userID,
		Error:  errMsg,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("notify base url is empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
