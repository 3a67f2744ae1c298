package exchange

import "fmt"

// Market is the metadata for one binary-outcome market.
type Market struct {
	ConditionID string  `json:"condition_id"`
	Slug        string  `json:"market_slug"`
	Question    string  `json:"question"`
	YesTokenID  string  `json:"yes_token_id"`
	NoTokenID   string  `json:"no_token_id"`
	Active      bool    `json:"active"`
	Closed      bool    `json:"closed"`
	TickSize    float64 `json:"minimum_tick_size"`
	NegRisk     bool    `json:"neg_risk"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderBook is a snapshot of one token's book.
type OrderBook struct {
	TokenID   string      `json:"asset_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// Empty reports whether the book has no resting liquidity at all.
func (b *OrderBook) Empty() bool {
	return b == nil || (len(b.Bids) == 0 && len(b.Asks) == 0)
}

// APICreds are the L2 credentials derived for one signing wallet.
type APICreds struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// OrderArgs is what callers provide to place an order; amounts in
// decimal units, converted to wire amounts during building.
type OrderArgs struct {
	TokenID    string
	Side       string // "BUY" or "SELL"
	Price      float64
	Size       float64
	FeeRateBps int64
	Nonce      int64
	Expiration int64
	NegRisk    bool
}

// SignedOrder is the wire form posted to the exchange.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// OrderResponse is the exchange's reply to an order post.
type OrderResponse struct {
	Success   bool   `json:"success"`
	OrderID   string `json:"orderID"`
	ErrorMsg  string `json:"errorMsg"`
	Status    string `json:"status"`
	TransHash string `json:"transactionHash"`
}

// OrderStatusResponse is the reply to a single-order query.
type OrderStatusResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"` // LIVE, MATCHED, CANCELED
	SizeMatched     string `json:"size_matched"`
	AssociatedTrade string `json:"associate_trades"`
	TxHash          string `json:"transaction_hash"`
}

// BalanceResponse is the reply to a balance-allowance query.
type BalanceResponse struct {
	Balance string `json:"balance"`
}

// APIError is a structured non-2xx reply from the exchange.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exchange api %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange api %d: %s", e.StatusCode, e.Code)
}
