package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/pkg/ratelimit"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

var execLog = logrus.WithField("component", "execution")

// ExecutionConfig are the trading bounds applied to every submission.
type ExecutionConfig struct {
	SlippageTolerance float64 // fractional, e.g. 0.02
	MinPrice          float64
	MaxPrice          float64
	MinOrderValue     float64 // USDC floor per order
	RetryLimit        int     // extra attempts for unclassified failures
	RetryBase         time.Duration
	RetryMax          time.Duration
}

// SubmitRequest is one order submission.
type SubmitRequest struct {
	UserID      string
	ConditionID string
	TokenID     string
	Side        domain.Side
	Price       float64 // desired limit price before slippage adjustment
	Size        float64 // outcome tokens
}

// SubmitResult reports an accepted order.
type SubmitResult struct {
	OrderID         string
	ExchangeOrderID string
	Price           domain.Price
	Notional        float64
	Status          domain.OrderStatus
}

// Engine validates, prices, budgets and submits orders. All exchange
// traffic flows through the shared request channel; submissions consume
// the nested burst and sustained budgets on top of it.
type Engine struct {
	store     *storage.Store
	clients   *ClientCache
	channel   *reqchannel.Channel
	burst     ratelimit.Limiter
	sustained ratelimit.Limiter
	cfg       ExecutionConfig
}

func NewEngine(store *storage.Store, clients *ClientCache, channel *reqchannel.Channel,
	burst, sustained ratelimit.Limiter, cfg ExecutionConfig) *Engine {
	return &Engine{
		store:     store,
		clients:   clients,
		channel:   channel,
		burst:     burst,
		sustained: sustained,
		cfg:       cfg,
	}
}

// Submit runs the full pipeline for one order. Failures come back as
// *TradeError; everything rejected before the exchange sees the order
// costs no submit budget. Every classified failure is persisted as a
// rejected order so the reason can be read back without re-querying
// upstream.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	res, terr := e.submit(ctx, req)
	if terr != nil {
		e.recordFailure(req, terr)
		return nil, terr
	}
	return res, nil
}

func (e *Engine) submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, *TradeError) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	client, err := e.clients.Get(ctx, req.UserID)
	if err != nil {
		return nil, Classify(err)
	}

	market, err := e.fetchMarket(ctx, client, req.ConditionID)
	if err != nil {
		return nil, Classify(err)
	}
	if market.Closed || !market.Active {
		return nil, newTradeError(CodeNotFound, "market closed or inactive", nil)
	}

	book, err := e.fetchBook(ctx, client, req.TokenID)
	if err != nil {
		return nil, Classify(err)
	}
	if book.Empty() {
		return nil, newTradeError(CodeNotFound, "no liquidity for token", nil)
	}

	// Sells are checked against inventory locally so an obviously
	// uncovered order never reaches the wire.
	if req.Side == domain.SideSell {
		bal, err := client.GetTokenBalance(ctx, req.TokenID)
		if err != nil {
			return nil, Classify(err)
		}
		if bal < req.Size {
			return nil, newTradeError(CodeInsufficientBalance,
				fmt.Sprintf("have %.4f tokens, need %.4f", bal, req.Size), nil)
		}
	}

	price := e.adjustPrice(req.Side, req.Price)
	notional := price.ToDecimal() * req.Size
	if notional < e.cfg.MinOrderValue {
		return nil, newTradeError(CodeBelowMinimumSize,
			fmt.Sprintf("notional %.4f below floor %.2f", notional, e.cfg.MinOrderValue), nil)
	}

	if err := e.burst.Wait(ctx); err != nil {
		return nil, Classify(err)
	}
	if err := e.sustained.Wait(ctx); err != nil {
		return nil, Classify(err)
	}

	resp, terr := e.postWithRetry(ctx, client, &exchange.OrderArgs{
		TokenID: req.TokenID,
		Side:    string(req.Side),
		Price:   price.ToDecimal(),
		Size:    req.Size,
		NegRisk: market.NegRisk,
	})
	if terr != nil {
		return nil, terr
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Side:      req.Side,
		TokenID:   req.TokenID,
		Price:     price,
		Size:      req.Size,
		Notional:  notional,
		Status:    domain.StatusSubmitted,
		CreatedAt: now,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		return nil, Classify(err)
	}
	trade := &domain.TradeRecord{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		UserID:     req.UserID,
		TokenID:    req.TokenID,
		Stage:      domain.StageSubmitted,
		Price:      price.ToDecimal(),
		Size:       req.Size,
		DetectedAt: now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		return nil, Classify(err)
	}

	execLog.WithFields(logrus.Fields{
		"order":    order.ID,
		"user":     req.UserID,
		"side":     req.Side,
		"price":    price.ToDecimal(),
		"size":     req.Size,
		"exchange": resp.OrderID,
	}).Info("order submitted")

	return &SubmitResult{
		OrderID:         order.ID,
		ExchangeOrderID: resp.OrderID,
		Price:           price,
		Notional:        notional,
		Status:          domain.StatusSubmitted,
	}, nil
}

// recordFailure writes the rejected attempt with its classified reason.
// A fresh context is used: failures classified as timeouts arrive with
// an already-dead request context.
func (e *Engine) recordFailure(req *SubmitRequest, terr *TradeError) {
	if req.UserID == "" || req.TokenID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	order := &domain.Order{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Side:          req.Side,
		TokenID:       req.TokenID,
		Price:         domain.PriceFromDecimal(req.Price),
		Size:          req.Size,
		Notional:      req.Price * req.Size,
		Status:        domain.StatusRejected,
		CreatedAt:     now,
		FailureReason: terr.Error(),
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		execLog.WithFields(logrus.Fields{"user": req.UserID, "error": err}).Warn("rejected attempt not recorded")
		return
	}
	trade := &domain.TradeRecord{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		UserID:     req.UserID,
		TokenID:    req.TokenID,
		Stage:      domain.StageDetected,
		Price:      req.Price,
		Size:       req.Size,
		DetectedAt: now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		execLog.WithFields(logrus.Fields{"user": req.UserID, "error": err}).Warn("rejected attempt trade not recorded")
	}
	execLog.WithFields(logrus.Fields{
		"order": order.ID,
		"user":  req.UserID,
		"code":  terr.Code,
	}).Info("order attempt rejected")
}

func (e *Engine) validate(req *SubmitRequest) *TradeError {
	if req.UserID == "" || req.TokenID == "" {
		return newTradeError(CodeNotFound, "user and token are required", nil)
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return newTradeError(CodeInvalidPrice, "side must be BUY or SELL", nil)
	}
	if req.Price <= 0 || req.Price >= 1 {
		return newTradeError(CodeInvalidPrice,
			fmt.Sprintf("price %.4f outside (0, 1)", req.Price), nil)
	}
	if req.Size <= 0 {
		return newTradeError(CodeBelowMinimumSize, "size must be positive", nil)
	}
	return nil
}

// adjustPrice pads the limit by the slippage tolerance in the crossing
// direction, then clamps into the venue's representable band. The clamp
// keeps padded prices from leaving the valid range entirely.
func (e *Engine) adjustPrice(side domain.Side, price float64) domain.Price {
	adjusted := price
	if side == domain.SideBuy {
		adjusted = price * (1 + e.cfg.SlippageTolerance)
	} else {
		adjusted = price * (1 - e.cfg.SlippageTolerance)
	}
	lo := domain.PriceFromDecimal(e.cfg.MinPrice)
	hi := domain.PriceFromDecimal(e.cfg.MaxPrice)
	return domain.PriceFromDecimal(adjusted).Clamp(lo, hi)
}

func (e *Engine) fetchMarket(ctx context.Context, client ExchangeClient, conditionID string) (*exchange.Market, error) {
	v, err := e.channel.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return client.GetMarket(ctx, conditionID)
	}, "market:"+conditionID)
	if err != nil {
		return nil, err
	}
	return v.(*exchange.Market), nil
}

func (e *Engine) fetchBook(ctx context.Context, client ExchangeClient, tokenID string) (*exchange.OrderBook, error) {
	v, err := e.channel.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return client.GetOrderBook(ctx, tokenID)
	}, "book:"+tokenID)
	if err != nil {
		return nil, err
	}
	return v.(*exchange.OrderBook), nil
}

// postWithRetry submits through the channel, retrying only failures the
// taxonomy could not classify, at most RetryLimit extra attempts with a
// doubling capped backoff.
func (e *Engine) postWithRetry(ctx context.Context, client ExchangeClient, args *exchange.OrderArgs) (*exchange.OrderResponse, *TradeError) {
	delay := e.cfg.RetryBase
	attempts := 1 + e.cfg.RetryLimit
	var lastErr *TradeError

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, Classify(ctx.Err())
			}
			delay *= 2
			if e.cfg.RetryMax > 0 && delay > e.cfg.RetryMax {
				delay = e.cfg.RetryMax
			}
			execLog.WithField("attempt", attempt+1).Debug("retrying order submit")
		}

		v, err := e.channel.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return client.PostOrder(ctx, args)
		}, "")
		if err != nil {
			lastErr = Classify(err)
			if !lastErr.Retryable() {
				return nil, lastErr
			}
			continue
		}

		resp := v.(*exchange.OrderResponse)
		if !resp.Success {
			lastErr = Classify(fmt.Errorf("order rejected: %s", resp.ErrorMsg))
			if !lastErr.Retryable() {
				return nil, lastErr
			}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
