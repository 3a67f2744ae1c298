package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/internal/explorer"
	"github.com/betbot/orderdesk/internal/services"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/pkg/ratelimit"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

type stubExchange struct{}

func (stubExchange) DeriveAPIKey(ctx context.Context) (*exchange.APICreds, error) {
	return &exchange.APICreds{Key: "k", Secret: "cw==", Passphrase: "p"}, nil
}
func (stubExchange) GetMarket(ctx context.Context, conditionID string) (*exchange.Market, error) {
	return &exchange.Market{ConditionID: conditionID, Active: true}, nil
}
func (stubExchange) GetOrderBook(ctx context.Context, tokenID string) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{
		TokenID: tokenID,
		Bids:    []exchange.BookLevel{{Price: "0.5", Size: "10"}},
	}, nil
}
func (stubExchange) GetTokenBalance(ctx context.Context, tokenID string) (float64, error) {
	return 1e9, nil
}
func (stubExchange) PostOrder(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
	return &exchange.OrderResponse{Success: true, OrderID: "ex-1"}, nil
}
func (stubExchange) GetOrder(ctx context.Context, orderID string) (*exchange.OrderStatusResponse, error) {
	return &exchange.OrderStatusResponse{ID: orderID, Status: "LIVE"}, nil
}
func (stubExchange) CancelOrder(ctx context.Context, orderID string) error { return nil }

type stubExplorer struct{ transfers []explorer.TokenTransfer }

func (s stubExplorer) TokenTransfers(ctx context.Context, address, contract string, startBlock uint64) ([]explorer.TokenTransfer, error) {
	return s.transfers, nil
}

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := reqchannel.NewManager()
	t.Cleanup(mgr.Close)
	exchCh := mgr.Register(reqchannel.Config{Name: "exchange", PerSecond: 10000})
	explCh := mgr.Register(reqchannel.Config{Name: "explorer", PerSecond: 10000})

	clients := services.NewClientCache(func(ctx context.Context, userID string) (services.ExchangeClient, error) {
		return stubExchange{}, nil
	}, time.Hour, 16)

	engine := services.NewEngine(store, clients, exchCh,
		ratelimit.NewTokenBucket(1000, 1000, time.Second),
		ratelimit.NewTokenBucket(1000, 1000, time.Second),
		services.ExecutionConfig{
			SlippageTolerance: 0.02,
			MinPrice:          0.001,
			MaxPrice:          0.999,
			MinOrderValue:     1,
			RetryLimit:        1,
			RetryBase:         time.Millisecond,
			RetryMax:          time.Millisecond,
		})
	monitor := services.NewMonitor(store, clients, exchCh, services.MonitorConfig{
		PollInterval: 5 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	})
	t.Cleanup(monitor.Close)

	addr := "0x1111111111111111111111111111111111111111"
	if err := store.InsertUser(context.Background(), &domain.User{
		ID: "u1", Address: addr, FunderAddress: addr, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	usdc := "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"
	scanner := services.NewScanner(store, stubExplorer{transfers: []explorer.TokenTransfer{{
		Hash: "0xdep", From: "0x9", To: addr, Contract: usdc,
		Value: decimal.RequireFromString("50"), BlockNumber: 123, Timestamp: time.Now().UTC(),
	}}}, explCh, services.ScannerConfig{TrackedAsset: usdc})

	return New(store, engine, monitor, scanner, mgr), store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w, _ := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}

func TestServer_ChannelsStats(t *testing.T) {
	srv, _ := newTestServer(t)
	w, body := doJSON(t, srv.Router(), http.MethodGet, "/api/channels", "")
	if w.Code != http.StatusOK {
		t.Fatalf("channels: %d", w.Code)
	}
	if _, ok := body["channels"]; !ok {
		t.Fatalf("missing channels key: %v", body)
	}
}

func TestServer_SubmitAndGetOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w, body := doJSON(t, router, http.MethodPost, "/api/orders",
		`{"user_id":"u1","condition_id":"c1","token_id":"123","side":"BUY","price":0.5,"size":100}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	orderID, _ := body["order_id"].(string)
	if orderID == "" {
		t.Fatalf("no order id: %v", body)
	}
	if body["price"].(float64) != 0.51 {
		t.Fatalf("slippage not applied: %v", body["price"])
	}

	w, body = doJSON(t, router, http.MethodGet, "/api/orders/"+orderID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get order: %d", w.Code)
	}
	if body["status"] != string(domain.StatusSubmitted) {
		t.Fatalf("unexpected status: %v", body["status"])
	}

	w, _ = doJSON(t, router, http.MethodGet, "/api/orders/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing order: %d", w.Code)
	}
}

func TestServer_SubmitValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	// Notional 0.05*10 = 0.5 USDC, below the floor of 1.
	w, body := doJSON(t, srv.Router(), http.MethodPost, "/api/orders",
		`{"user_id":"u1","condition_id":"c1","token_id":"123","side":"BUY","price":0.05,"size":10}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if body["code"] != string(services.CodeBelowMinimumSize) {
		t.Fatalf("unexpected code: %v", body["code"])
	}
}

func TestServer_DepositSyncAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w, body := doJSON(t, router, http.MethodPost, "/api/users/u1/deposits/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", w.Code, w.Body.String())
	}
	if body["synced"].(float64) != 1 {
		t.Fatalf("unexpected sync result: %v", body)
	}

	// Second sync skips everything.
	w, body = doJSON(t, router, http.MethodPost, "/api/users/u1/deposits/sync", "")
	if w.Code != http.StatusOK || body["synced"].(float64) != 0 || body["skipped"].(float64) != 1 {
		t.Fatalf("sync not idempotent: %d %v", w.Code, body)
	}

	w, body = doJSON(t, router, http.MethodGet, "/api/users/u1/deposits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	deposits := body["deposits"].([]any)
	if len(deposits) != 1 {
		t.Fatalf("expected 1 deposit, got %d", len(deposits))
	}

	w, body = doJSON(t, router, http.MethodGet, "/api/users/u1/deposits/summary", "")
	if w.Code != http.StatusOK || body["total"] != "50" {
		t.Fatalf("summary: %d %v", w.Code, body)
	}
	byStatus, _ := body["by_status"].(map[string]any)
	if byStatus[string(domain.DepositDetected)].(float64) != 1 {
		t.Fatalf("summary missing status counts: %v", body)
	}
	if recs := body["deposits"].([]any); len(recs) != 1 {
		t.Fatalf("summary missing records: %v", body)
	}
}

func TestServer_UserCreateAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w, _ := doJSON(t, router, http.MethodPost, "/api/users",
		`{"id":"u2","address":"0x3333333333333333333333333333333333333333","derivation_path":"m/44'/60'/0'/0/2"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	// Duplicate id conflicts.
	w, _ = doJSON(t, router, http.MethodPost, "/api/users",
		`{"id":"u2","address":"0x3333333333333333333333333333333333333333"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d", w.Code)
	}

	w, body := doJSON(t, router, http.MethodGet, "/api/users", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if users := body["users"].([]any); len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestServer_UnknownUser(t *testing.T) {
	srv, _ := newTestServer(t)
	w, _ := doJSON(t, srv.Router(), http.MethodPost, "/api/users/nobody/deposits/sync", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
