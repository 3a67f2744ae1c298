// Package explorer queries etherscan-family block explorer APIs for
// ERC-20 transfer history. All providers share the same wire format, so
// one client covers etherscan, polygonscan and their mirrors.
package explorer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// TokenTransfer is one ERC-20 transfer event.
type TokenTransfer struct {
	Hash        string
	From        string
	To          string
	Contract    string
	Value       decimal.Decimal // decimal units, scaled by token decimals
	BlockNumber uint64
	Timestamp   time.Time
}

// Client talks to one explorer provider.
type Client struct {
	http   *resty.Client
	apiKey string
}

func NewClient(host, apiKey string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(host, "/")).
			SetTimeout(20 * time.Second),
		apiKey: apiKey,
	}
}

type tokenTxResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  []struct {
		Hash         string `json:"hash"`
		From         string `json:"from"`
		To           string `json:"to"`
		Contract     string `json:"contractAddress"`
		Value        string `json:"value"`
		TokenDecimal string `json:"tokenDecimal"`
		BlockNumber  string `json:"blockNumber"`
		TimeStamp    string `json:"timeStamp"`
	} `json:"result"`
}

// TokenTransfers lists ERC-20 transfers touching address from startBlock
// onward, oldest first. An address with no history returns an empty
// slice, not an error.
func (c *Client) TokenTransfers(ctx context.Context, address, contract string, startBlock uint64) ([]TokenTransfer, error) {
	var out tokenTxResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"module":          "account",
			"action":          "tokentx",
			"address":         address,
			"contractaddress": contract,
			"startblock":      strconv.FormatUint(startBlock, 10),
			"endblock":        "latest",
			"sort":            "asc",
			"apikey":          c.apiKey,
		}).
		SetResult(&out).
		Get("/api")
	if err != nil {
		return nil, errors.Wrap(err, "explorer tokentx")
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("explorer http %d: %s", resp.StatusCode(), resp.Body())
	}

	// Status "0" with "No transactions found" is an empty result, any
	// other "0" is a real provider error (bad key, throttled, ...).
	if out.Status != "1" {
		if strings.Contains(strings.ToLower(out.Message), "no transactions found") {
			return nil, nil
		}
		return nil, errors.Errorf("explorer: %s", out.Message)
	}

	transfers := make([]TokenTransfer, 0, len(out.Result))
	for _, r := range out.Result {
		t := TokenTransfer{
			Hash:     r.Hash,
			From:     strings.ToLower(r.From),
			To:       strings.ToLower(r.To),
			Contract: strings.ToLower(r.Contract),
		}
		raw, err := decimal.NewFromString(r.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "parse transfer value %q", r.Value)
		}
		dec, err := strconv.Atoi(r.TokenDecimal)
		if err != nil {
			dec = 18
		}
		t.Value = raw.Shift(int32(-dec))

		if t.BlockNumber, err = strconv.ParseUint(r.BlockNumber, 10, 64); err != nil {
			return nil, errors.Wrapf(err, "parse block number %q", r.BlockNumber)
		}
		if ts, err := strconv.ParseInt(r.TimeStamp, 10, 64); err == nil {
			t.Timestamp = time.Unix(ts, 0).UTC()
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}
