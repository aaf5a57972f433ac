package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"marketfeed/internal/api/auth"
	"marketfeed/internal/catalog"
	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/search"

	"github.com/gin-gonic/gin"
)

type fakeBatches struct {
	runs []string
	err  error
}

func (f *fakeBatches) RunBatch(_ context.Context, name string) error {
	f.runs = append(f.runs, name)
	return f.err
}

func (f *fakeBatches) Batches() []string { return []string{"prices", "publish"} }

type testServer struct {
	srv     *Server
	cat     *catalog.Catalog
	batches *fakeBatches
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat, err := catalog.Open(config.CatalogConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	idx, err := search.NewMemOnly()
	if err != nil {
		t.Fatalf("NewMemOnly: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	ctx := context.Background()
	posted := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	for i, l := range []*model.CatalogLot{
		{LotID: "market/2024/05/1-0", Chat: "market", Seller: "alice", Deal: "sell", Title: "City bike", AIPrice: 120, AIPriceUSD: 120, PostedAt: posted},
		{LotID: "market/2024/05/2-0", Chat: "market", Seller: "bob", Deal: "sell", Title: "Sofa", AIPrice: 300, AIPriceUSD: 300, PostedAt: posted.Add(time.Hour)},
		{LotID: "flats/2024/05/3-0", Chat: "flats", Seller: "carol", Deal: "rent", Title: "Flat in Vake", AIPrice: 700, AIPriceUSD: 700, PostedAt: posted.Add(2 * time.Hour)},
	} {
		if _, err := cat.UpsertLot(ctx, l); err != nil {
			t.Fatalf("UpsertLot #%d: %v", i, err)
		}
		if err := idx.IndexDocument(search.FromCatalog(l)); err != nil {
			t.Fatalf("IndexDocument #%d: %v", i, err)
		}
	}

	cfg := &config.Config{
		Catalog:  config.CatalogConfig{SiteURL: "https://feed.example.com/"},
		Security: config.SecurityConfig{JWTSecret: "test-secret", AdminEmail: "Admin@Example.com", AdminPassword: "hunter22"},
	}
	b := &fakeBatches{}
	srv := NewServer(cfg, cat, Options{Index: idx, Batches: b}, logger)
	if err := srv.SeedAdmin(ctx); err != nil {
		t.Fatalf("SeedAdmin: %v", err)
	}
	return &testServer{srv: srv, cat: cat, batches: b}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		r = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/login", map[string]string{"email": "admin@example.com", "password": "hunter22"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("token response: %s", w.Body.String())
	}
	return resp.Token
}

func TestListLots(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{"newest first", "", []string{"flats/2024/05/3-0", "market/2024/05/2-0", "market/2024/05/1-0"}},
		{"by chat", "?chat=market", []string{"market/2024/05/2-0", "market/2024/05/1-0"}},
		{"by seller", "?seller=alice", []string{"market/2024/05/1-0"}},
		{"price range", "?min_price=200&max_price=500", []string{"market/2024/05/2-0"}},
		{"paged", "?limit=1&offset=1", []string{"market/2024/05/2-0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/lots"+tt.query, nil, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status %d", w.Code)
			}
			var resp struct {
				Items []lotResponse `json:"items"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Items) != len(tt.wantIDs) {
				t.Fatalf("items = %+v", resp.Items)
			}
			for i, id := range tt.wantIDs {
				if resp.Items[i].ID != id {
					t.Fatalf("item %d = %s, want %s", i, resp.Items[i].ID, id)
				}
			}
		})
	}
}

func TestGetLot(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/lot/market/2024/05/1-0", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"url":"https://feed.example.com/lot/market/2024/05/1-0"`) {
		t.Fatalf("missing lot url: %s", w.Body.String())
	}

	if w := ts.do(t, http.MethodGet, "/api/lot/market/2024/05/9-0", nil, ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing lot status %d", w.Code)
	}
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/api/search", nil, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("empty query status %d", w.Code)
	}
	w := ts.do(t, http.MethodGet, "/api/search?q=sofa", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Items []lotResponse `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Items) != 1 || resp.Items[0].Seller != "bob" {
		t.Fatalf("search = %s", w.Body.String())
	}
}

func TestSubscriptions(t *testing.T) {
	ts := newTestServer(t)

	bad := []struct {
		name string
		body map[string]any
	}{
		{"missing email", map[string]any{"keyword": "bike"}},
		{"blank keyword", map[string]any{"email": "buyer@example.com", "keyword": "   "}},
		{"inverted range", map[string]any{"email": "buyer@example.com", "keyword": "bike", "min_price": 50, "max_price": 10}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodPost, "/api/subscriptions", tt.body, ""); w.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", w.Code, w.Body.String())
			}
		})
	}

	w := ts.do(t, http.MethodPost, "/api/subscriptions", map[string]any{"email": "Buyer@Example.com", "keyword": "bike", "max_price": 200}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	var created subscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.Status != catalog.StatusActive {
		t.Fatalf("created = %s", w.Body.String())
	}

	if w := ts.do(t, http.MethodGet, "/api/subscriptions", nil, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("list without email status %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/subscriptions?email=buyer@example.com", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"keyword":"bike"`) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}

	path := "/api/subscriptions/" + strconv.FormatUint(uint64(created.ID), 10)
	if w := ts.do(t, http.MethodDelete, path+"?email=other@example.com", nil, ""); w.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, path+"?email=buyer@example.com", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("delete status %d", w.Code)
	}
	subs, _ := ts.cat.ListSubscriptions(context.Background(), "")
	if len(subs) != 0 {
		t.Fatalf("subscriptions left: %+v", subs)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do(t, http.MethodGet, "/admin/stats", nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous stats status %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/login", map[string]string{"email": "admin@example.com", "password": "wrong"}, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", w.Code)
	}
	token := ts.login(t)

	w := ts.do(t, http.MethodGet, "/admin/stats", nil, token)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"lots":3`) || !strings.Contains(w.Body.String(), `"indexed":3`) {
		t.Fatalf("stats = %d %s", w.Code, w.Body.String())
	}

	if w := ts.do(t, http.MethodPost, "/admin/batches/prices", nil, token); w.Code != http.StatusOK {
		t.Fatalf("run batch status %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/admin/batches/ontology", nil, token); w.Code != http.StatusNotFound {
		t.Fatalf("unknown batch status %d", w.Code)
	}
	ts.batches.err = errors.New("disk full")
	if w := ts.do(t, http.MethodPost, "/admin/batches/publish", nil, token); w.Code != http.StatusInternalServerError {
		t.Fatalf("failing batch status %d", w.Code)
	}
	if len(ts.batches.runs) != 2 || ts.batches.runs[0] != "prices" {
		t.Fatalf("runs = %v", ts.batches.runs)
	}
}

func TestViewerCannotRunBatches(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.srv.Auth().EnsureUser(ctx, "viewer@example.com", "secret1", auth.RoleViewer); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	w := ts.do(t, http.MethodPost, "/login", map[string]string{"email": "viewer@example.com", "password": "secret1"}, "")
	var resp struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	if w := ts.do(t, http.MethodGet, "/admin/stats", nil, resp.Token); w.Code != http.StatusOK {
		t.Fatalf("viewer stats status %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/admin/batches/prices", nil, resp.Token); w.Code != http.StatusForbidden {
		t.Fatalf("viewer batch status %d", w.Code)
	}
	if len(ts.batches.runs) != 0 {
		t.Fatalf("viewer ran batches: %v", ts.batches.runs)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/healthz", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("healthz status %d", w.Code)
	}
}
