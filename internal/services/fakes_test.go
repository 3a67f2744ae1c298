package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/internal/explorer"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

// fakeExchange implements ExchangeClient with function fields so each
// test overrides only what it needs.
type fakeExchange struct {
	deriveFn   func(ctx context.Context) (*exchange.APICreds, error)
	marketFn   func(ctx context.Context, conditionID string) (*exchange.Market, error)
	bookFn     func(ctx context.Context, tokenID string) (*exchange.OrderBook, error)
	balanceFn  func(ctx context.Context, tokenID string) (float64, error)
	postFn     func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error)
	getOrderFn func(ctx context.Context, orderID string) (*exchange.OrderStatusResponse, error)
	cancelFn   func(ctx context.Context, orderID string) error
}

func (f *fakeExchange) DeriveAPIKey(ctx context.Context) (*exchange.APICreds, error) {
	if f.deriveFn != nil {
		return f.deriveFn(ctx)
	}
	return &exchange.APICreds{Key: "k", Secret: "cw==", Passphrase: "p"}, nil
}

func (f *fakeExchange) GetMarket(ctx context.Context, conditionID string) (*exchange.Market, error) {
	if f.marketFn != nil {
		return f.marketFn(ctx, conditionID)
	}
	return &exchange.Market{ConditionID: conditionID, Active: true}, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, tokenID string) (*exchange.OrderBook, error) {
	if f.bookFn != nil {
		return f.bookFn(ctx, tokenID)
	}
	return &exchange.OrderBook{
		TokenID: tokenID,
		Bids:    []exchange.BookLevel{{Price: "0.5", Size: "100"}},
		Asks:    []exchange.BookLevel{{Price: "0.6", Size: "100"}},
	}, nil
}

func (f *fakeExchange) GetTokenBalance(ctx context.Context, tokenID string) (float64, error) {
	if f.balanceFn != nil {
		return f.balanceFn(ctx, tokenID)
	}
	return 1e9, nil
}

func (f *fakeExchange) PostOrder(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
	if f.postFn != nil {
		return f.postFn(ctx, args)
	}
	return &exchange.OrderResponse{Success: true, OrderID: "ex-1"}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (*exchange.OrderStatusResponse, error) {
	if f.getOrderFn != nil {
		return f.getOrderFn(ctx, orderID)
	}
	return &exchange.OrderStatusResponse{ID: orderID, Status: "LIVE"}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, orderID)
	}
	return nil
}

type fakeExplorer struct {
	fn func(ctx context.Context, address, contract string, startBlock uint64) ([]explorer.TokenTransfer, error)
}

func (f *fakeExplorer) TokenTransfers(ctx context.Context, address, contract string, startBlock uint64) ([]explorer.TokenTransfer, error) {
	return f.fn(ctx, address, contract, startBlock)
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testUser(t *testing.T, s *storage.Store, id string) *domain.User {
	t.Helper()
	u := &domain.User{
		ID:            id,
		Address:       "0x1111111111111111111111111111111111111111",
		FunderAddress: "0x2222222222222222222222222222222222222222",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return u
}

func testChannel(t *testing.T, name string) *reqchannel.Channel {
	t.Helper()
	ch := reqchannel.New(reqchannel.Config{Name: name, PerSecond: 10000, CacheTTL: time.Minute})
	t.Cleanup(ch.Close)
	return ch
}

func staticClients(client ExchangeClient) *ClientCache {
	return NewClientCache(func(ctx context.Context, userID string) (ExchangeClient, error) {
		return client, nil
	}, time.Hour, 16)
}
