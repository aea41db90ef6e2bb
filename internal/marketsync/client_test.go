package marketsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/supportd/internal/domain"
)

func marketplaceStub(t *testing.T, tokenCalls *int32, orderStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		atomic.AddInt32(tokenCalls, 1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key-1", body["api_key"])
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-abc", ExpiresIn: 3600}) //nolint:errcheck
	})

	mux.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		if orderStatus != http.StatusOK {
			w.WriteHeader(orderStatus)
			return
		}
		page := OrdersPage{}
		switch r.URL.Query().Get("page_token") {
		case "":
			assert.NotEmpty(t, r.URL.Query().Get("updated_after"))
			page.Orders = []OrderRecord{{ID: "o1", Status: "shipped"}}
			page.NextPageToken = "p2"
		case "p2":
			page.Orders = []OrderRecord{{ID: "o2", Status: "open"}}
		}
		json.NewEncoder(w).Encode(page) //nolint:errcheck
	})

	mux.HandleFunc("/v1/orders/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/items"):
			json.NewEncoder(w).Encode(ItemsPage{ //nolint:errcheck
				Items: []ItemRecord{{ID: "i1", SKU: "s1", Quantity: 1, PriceCents: 999}},
			})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "thanks!", body["body"])
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_PaginatesAndCachesToken(t *testing.T) {
	var tokenCalls int32
	srv := marketplaceStub(t, &tokenCalls, http.StatusOK)

	c := NewHTTPClient(srv.URL, NewTokenCache())
	creds := Credentials{TenantID: "t1", APIKey: "key-1"}
	ctx := context.Background()

	page, err := c.ListOrders(ctx, creds, ListQuery{UpdatedAfter: ts("2026-08-01T00:00:00Z")})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, "o1", page.Orders[0].ID)
	require.Equal(t, "p2", page.NextPageToken)

	page, err = c.ListOrders(ctx, creds, ListQuery{UpdatedAfter: ts("2026-08-01T00:00:00Z"), PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, "o2", page.Orders[0].ID)
	assert.Empty(t, page.NextPageToken)

	items, err := c.ListOrderItems(ctx, creds, "o1", "")
	require.NoError(t, err)
	require.Len(t, items.Items, 1)
	assert.Equal(t, int64(999), items.Items[0].PriceCents)

	require.NoError(t, c.SendMessage(ctx, creds, "o1", "thanks!"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token fetched once, then cached")
}

func TestHTTPClient_RateLimitIsDistinguished(t *testing.T) {
	var tokenCalls int32
	srv := marketplaceStub(t, &tokenCalls, http.StatusTooManyRequests)

	c := NewHTTPClient(srv.URL, NewTokenCache())
	_, err := c.ListOrders(context.Background(), Credentials{TenantID: "t1", APIKey: "key-1"}, ListQuery{UpdatedAfter: ts("2026-08-01T00:00:00Z")})

	assert.True(t, errors.Is(err, domain.ErrRateLimited))
}
