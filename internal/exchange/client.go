package exchange

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// CTF exchange contracts on Polygon mainnet.
const (
	exchangeContract        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeContract = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// usdcDecimals: wire amounts are 6-decimal fixed point.
const amountScale = 1e6

// Client is one user's authenticated exchange client. Construction is
// cheap; DeriveAPIKey performs the wallet-signature handshake and must
// be called before any private endpoint.
type Client struct {
	http    *resty.Client
	chainID int64
	key     *ecdsa.PrivateKey
	address common.Address
	funder  string
	sigType int
	creds   *APICreds
}

// NewClient builds an exchange client for the given signing key. funder
// is the address holding balances; pass the signing address itself for
// plain EOA accounts (sigType SigTypeEOA).
func NewClient(host string, chainID int64, key *ecdsa.PrivateKey, funder string, sigType int) *Client {
	httpc := resty.New().
		SetBaseURL(strings.TrimSuffix(host, "/")).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "*/*").
		SetHeader("User-Agent", "orderdesk/1.0").
		SetRetryCount(0) // retry policy lives in the execution layer

	return &Client{
		http:    httpc,
		chainID: chainID,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		funder:  funder,
		sigType: sigType,
	}
}

// Address returns the signing wallet address.
func (c *Client) Address() string { return c.address.Hex() }

// SetCreds installs previously derived API credentials.
func (c *Client) SetCreds(creds *APICreds) { c.creds = creds }

// Creds returns the installed API credentials, nil before DeriveAPIKey.
func (c *Client) Creds() *APICreds { return c.creds }

// DeriveAPIKey obtains L2 credentials for the signing wallet:
// derive-api-key returns the existing set, falling back to creating a
// fresh one for wallets the exchange has not seen.
func (c *Client) DeriveAPIKey(ctx context.Context) (*APICreds, error) {
	headers, err := l1Headers(c.key, c.chainID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "build l1 headers")
	}

	var creds APICreds
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, errors.Wrap(err, "derive api key")
	}
	if resp.IsSuccess() && creds.Key != "" {
		c.creds = &creds
		return &creds, nil
	}

	resp, err = c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Post("/auth/api-key")
	if err != nil {
		return nil, errors.Wrap(err, "create api key")
	}
	if !resp.IsSuccess() {
		return nil, apiError(resp)
	}
	c.creds = &creds
	return &creds, nil
}

// GetMarket fetches metadata for one market by condition id or token id.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*Market, error) {
	var raw struct {
		ConditionID string `json:"condition_id"`
		Slug        string `json:"market_slug"`
		Question    string `json:"question"`
		Active      bool   `json:"active"`
		Closed      bool   `json:"closed"`
		TickSize    string `json:"minimum_tick_size"`
		NegRisk     bool   `json:"neg_risk"`
		Tokens      []struct {
			TokenID string `json:"token_id"`
			Outcome string `json:"outcome"`
		} `json:"tokens"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/markets/" + conditionID)
	if err != nil {
		return nil, errors.Wrap(err, "get market")
	}
	if !resp.IsSuccess() {
		return nil, apiError(resp)
	}

	m := &Market{
		ConditionID: raw.ConditionID,
		Slug:        raw.Slug,
		Question:    raw.Question,
		Active:      raw.Active,
		Closed:      raw.Closed,
		NegRisk:     raw.NegRisk,
	}
	fmt.Sscanf(raw.TickSize, "%f", &m.TickSize)
	for _, tok := range raw.Tokens {
		switch strings.ToUpper(tok.Outcome) {
		case "YES":
			m.YesTokenID = tok.TokenID
		case "NO":
			m.NoTokenID = tok.TokenID
		}
	}
	return m, nil
}

// GetOrderBook fetches the book snapshot for one token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	var book OrderBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return nil, errors.Wrap(err, "get order book")
	}
	if !resp.IsSuccess() {
		return nil, apiError(resp)
	}
	return &book, nil
}

// GetTokenBalance queries the funder's outcome token balance via the
// balance-allowance endpoint. Returns the balance in token units.
func (c *Client) GetTokenBalance(ctx context.Context, tokenID string) (float64, error) {
	path := "/balance-allowance"
	headers, err := l2Headers(c.key, c.mustCreds(), http.MethodGet, path, "")
	if err != nil {
		return 0, errors.Wrap(err, "build l2 headers")
	}

	var bal BalanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type": "CONDITIONAL",
			"token_id":   tokenID,
		}).
		SetResult(&bal).
		Get(path)
	if err != nil {
		return 0, errors.Wrap(err, "get token balance")
	}
	if !resp.IsSuccess() {
		return 0, apiError(resp)
	}

	var raw float64
	fmt.Sscanf(bal.Balance, "%f", &raw)
	return raw / amountScale, nil
}

// PostOrder builds, signs and submits a limit order.
func (c *Client) PostOrder(ctx context.Context, args *OrderArgs) (*OrderResponse, error) {
	signed, err := c.buildSignedOrder(args)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"order":     signed,
		"owner":     c.mustCreds().Key,
		"orderType": "GTC",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order")
	}

	path := "/order"
	headers, err := l2Headers(c.key, c.mustCreds(), http.MethodPost, path, string(body))
	if err != nil {
		return nil, errors.Wrap(err, "build l2 headers")
	}

	var out OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, errors.Wrap(err, "post order")
	}
	if !resp.IsSuccess() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// GetOrder fetches the current state of one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	path := "/data/order/" + orderID
	headers, err := l2Headers(c.key, c.mustCreds(), http.MethodGet, path, "")
	if err != nil {
		return nil, errors.Wrap(err, "build l2 headers")
	}

	var out OrderStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if !resp.IsSuccess() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, _ := json.Marshal(map[string]string{"orderID": orderID})
	path := "/order"
	headers, err := l2Headers(c.key, c.mustCreds(), http.MethodDelete, path, string(body))
	if err != nil {
		return errors.Wrap(err, "build l2 headers")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Delete(path)
	if err != nil {
		return errors.Wrap(err, "cancel order")
	}
	if !resp.IsSuccess() {
		return apiError(resp)
	}
	return nil
}

func (c *Client) buildSignedOrder(args *OrderArgs) (*SignedOrder, error) {
	tokenID, ok := new(big.Int).SetString(args.TokenID, 10)
	if !ok {
		return nil, errors.Errorf("invalid token id: %s", args.TokenID)
	}

	// BUY spends USDC for tokens, SELL the reverse. Wire amounts are
	// 6-decimal integers.
	usdc := int64(math.Round(args.Price * args.Size * amountScale))
	tokens := int64(math.Round(args.Size * amountScale))

	var side uint8
	var makerAmount, takerAmount int64
	switch strings.ToUpper(args.Side) {
	case "BUY":
		side, makerAmount, takerAmount = 0, usdc, tokens
	case "SELL":
		side, makerAmount, takerAmount = 1, tokens, usdc
	default:
		return nil, errors.Errorf("invalid side: %s", args.Side)
	}

	maker := c.funder
	if maker == "" {
		maker = c.address.Hex()
	}

	od := &orderData{
		Salt:          rand.Int63(),
		Maker:         maker,
		Signer:        c.address.Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   big.NewInt(makerAmount),
		TakerAmount:   big.NewInt(takerAmount),
		Expiration:    big.NewInt(args.Expiration),
		Nonce:         big.NewInt(args.Nonce),
		FeeRateBps:    big.NewInt(args.FeeRateBps),
		Side:          side,
		SignatureType: c.sigType,
	}

	contract := exchangeContract
	if args.NegRisk {
		contract = negRiskExchangeContract
	}
	sig, err := buildOrderSignature(c.key, c.chainID, contract, od)
	if err != nil {
		return nil, err
	}

	sideName := "BUY"
	if side == 1 {
		sideName = "SELL"
	}
	return &SignedOrder{
		Salt:          od.Salt,
		Maker:         od.Maker,
		Signer:        od.Signer,
		Taker:         od.Taker,
		TokenID:       args.TokenID,
		MakerAmount:   od.MakerAmount.String(),
		TakerAmount:   od.TakerAmount.String(),
		Expiration:    od.Expiration.String(),
		Nonce:         od.Nonce.String(),
		FeeRateBps:    od.FeeRateBps.String(),
		Side:          sideName,
		SignatureType: c.sigType,
		Signature:     sig,
	}, nil
}

func (c *Client) mustCreds() *APICreds {
	if c.creds == nil {
		return &APICreds{}
	}
	return c.creds
}

func apiError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		apiErr.Message = strings.TrimSpace(string(resp.Body()))
	}
	return apiErr
}
