package marketsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
)

// System is the external-system tag used for sync state, credentials, and
// connections.
const System = "marketplace"

// Credentials is the secret blob stored per tenant in the credential store.
type Credentials struct {
	TenantID string `json:"-"`
	APIKey   string `json:"api_key"`
}

// ListQuery selects the change window for an order listing. Exactly one of
// UpdatedAfter/CreatedAfter is set: delta sync uses the former, backfill the
// latter.
type ListQuery struct {
	UpdatedAfter time.Time
	CreatedAfter time.Time
	PageToken    string
}

type OrderRecord struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	BuyerName  string    `json:"buyer_name"`
	BuyerEmail string    `json:"buyer_email"`
	PlacedAt   time.Time `json:"placed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type OrdersPage struct {
	Orders        []OrderRecord `json:"orders"`
	NextPageToken string        `json:"next_page_token"`
}

type ItemRecord struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

type ItemsPage struct {
	Items         []ItemRecord `json:"items"`
	NextPageToken string       `json:"next_page_token"`
}

// API is the marketplace surface the sync engine and delivery worker
// consume. HTTPClient is the real implementation; tests substitute fakes.
type API interface {
	ListOrders(ctx context.Context, creds Credentials, q ListQuery) (*OrdersPage, error)
	ListOrderItems(ctx context.Context, creds Credentials, orderID, pageToken string) (*ItemsPage, error)
	SendMessage(ctx context.Context, creds Credentials, orderRef, body string) error
}

// HTTPClient talks to the marketplace REST API. Calls use a fixed timeout;
// a 429 surfaces as domain.ErrRateLimited so callers apply the capped
// rate-limit backoff instead of the generic failure path.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  *TokenCache
}

func NewHTTPClient(baseURL string, tokens *TokenCache) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
	}
}

func (c *HTTPClient) ListOrders(ctx context.Context, creds Credentials, q ListQuery) (*OrdersPage, error) {
	v := url.Values{}
	if !q.UpdatedAfter.IsZero() {
		v.Set("updated_after", q.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	if !q.CreatedAfter.IsZero() {
		v.Set("created_after", q.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		v.Set("page_token", q.PageToken)
	}

	var page OrdersPage
	if err := c.get(ctx, creds, "/v1/orders?"+v.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) ListOrderItems(ctx context.Context, creds Credentials, orderID, pageToken string) (*ItemsPage, error) {
	path := "/v1/orders/" + url.PathEscape(orderID) + "/items"
	if pageToken != "" {
		path += "?page_token=" + url.QueryEscape(pageToken)
	}

	var page ItemsPage
	if err := c.get(ctx, creds, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, creds Credentials, orderRef, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	path := "/v1/orders/" + url.PathEscape(orderRef) + "/messages"
	return c.do(ctx, creds, http.MethodPost, path, payload, nil)
}

func (c *HTTPClient) get(ctx context.Context, creds Credentials, path string, out any) error {
	return c.do(ctx, creds, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) do(ctx context.Context, creds Credentials, method, path string, body []byte, out any) error {
	token, err := c.accessToken(ctx, creds)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		// Token may have been revoked early; drop it so the next call
		// re-authenticates.
		c.tokens.Evict(creds.TenantID)
		return fmt.Errorf("%s %s: unauthorized", method, path)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", path)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *HTTPClient) accessToken(ctx context.Context, creds Credentials) (string, error) {
	if tok, ok := c.tokens.Get(creds.TenantID); ok {
		return tok, nil
	}

	payload, _ := json.Marshal(map[string]string{"api_key": creds.APIKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "exchange token")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", domain.ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("token exchange: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "decode token")
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	// Renew a little early rather than racing the expiry.
	if ttl > time.Minute {
		ttl -= 30 * time.Second
	}
	c.tokens.Put(creds.TenantID, tr.AccessToken, ttl)
	return tr.AccessToken, nil
}
