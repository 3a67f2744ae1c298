package services

import (
	"context"

	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/internal/explorer"
)

// ExchangeClient is the slice of the exchange API the services use.
// *exchange.Client satisfies it; tests substitute fakes.
type ExchangeClient interface {
	DeriveAPIKey(ctx context.Context) (*exchange.APICreds, error)
	GetMarket(ctx context.Context, conditionID string) (*exchange.Market, error)
	GetOrderBook(ctx context.Context, tokenID string) (*exchange.OrderBook, error)
	GetTokenBalance(ctx context.Context, tokenID string) (float64, error)
	PostOrder(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*exchange.OrderStatusResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// ExplorerSource lists token transfers; *explorer.Client satisfies it.
type ExplorerSource interface {
	TokenTransfers(ctx context.Context, address, contract string, startBlock uint64) ([]explorer.TokenTransfer, error)
}
