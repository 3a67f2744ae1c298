package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/pkg/ratelimit"
)

func testEngine(t *testing.T, client ExchangeClient, cfg ExecutionConfig) *Engine {
	t.Helper()
	store := testStore(t)
	testUser(t, store, "u1")
	return NewEngine(
		store,
		staticClients(client),
		testChannel(t, "exchange-test"),
		ratelimit.NewTokenBucket(10000, 10000, time.Second),
		ratelimit.NewTokenBucket(10000, 10000, time.Second),
		cfg,
	)
}

func defaultExecCfg() ExecutionConfig {
	return ExecutionConfig{
		SlippageTolerance: 0.02,
		MinPrice:          0.001,
		MaxPrice:          0.999,
		MinOrderValue:     1.0,
		RetryLimit:        1,
		RetryBase:         time.Millisecond,
		RetryMax:          5 * time.Millisecond,
	}
}

func TestEngine_SubmitBuyAdjustsPrice(t *testing.T) {
	var posted *exchange.OrderArgs
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			posted = args
			return &exchange.OrderResponse{Success: true, OrderID: "ex-1"}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	res, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.50, Size: 100,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 0.50 * 1.02 = 0.51
	if res.Price.Pips != 5100 {
		t.Fatalf("expected 5100 pips, got %d", res.Price.Pips)
	}
	if posted == nil || posted.Price != 0.51 {
		t.Fatalf("posted price wrong: %+v", posted)
	}
	if res.Status != domain.StatusSubmitted {
		t.Fatalf("unexpected status: %s", res.Status)
	}

	// The order and its trade record are persisted.
	order, err := eng.store.GetOrder(context.Background(), res.OrderID)
	if err != nil || order == nil {
		t.Fatalf("order not persisted: %v, %v", order, err)
	}
	tr, err := eng.store.GetTradeByOrder(context.Background(), res.OrderID)
	if err != nil || tr == nil || tr.Stage != domain.StageSubmitted {
		t.Fatalf("trade not persisted: %+v, %v", tr, err)
	}
}

func TestEngine_SlippageClampsToMaxPrice(t *testing.T) {
	cfg := defaultExecCfg()
	cfg.SlippageTolerance = 0.05
	var posted *exchange.OrderArgs
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			posted = args
			return &exchange.OrderResponse{Success: true, OrderID: "ex-1"}, nil
		},
	}
	eng := testEngine(t, client, cfg)

	// 0.96 * 1.05 = 1.008, outside the representable band.
	res, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.96, Size: 100,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Price.Pips != 9990 {
		t.Fatalf("expected clamp to 0.999, got %d pips", res.Price.Pips)
	}
	if posted.Price != 0.999 {
		t.Fatalf("posted price not clamped: %v", posted.Price)
	}
}

func TestEngine_SellClampsToMinPrice(t *testing.T) {
	cfg := defaultExecCfg()
	cfg.SlippageTolerance = 0.9
	cfg.MinOrderValue = 0
	client := &fakeExchange{}
	eng := testEngine(t, client, cfg)

	// 0.005 * 0.1 = 0.0005, below the floor.
	res, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideSell, Price: 0.005, Size: 100,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Price.Pips != 10 {
		t.Fatalf("expected clamp to 0.001, got %d pips", res.Price.Pips)
	}
}

func TestEngine_NotionalFloorRejects(t *testing.T) {
	var posts int64
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			atomic.AddInt64(&posts, 1)
			return &exchange.OrderResponse{Success: true}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.05, Size: 10, // ~0.51 USDC
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeBelowMinimumSize {
		t.Fatalf("expected below_minimum_size, got %v", err)
	}
	if atomic.LoadInt64(&posts) != 0 {
		t.Fatalf("rejected order reached the exchange")
	}
}

func TestEngine_SellWithoutInventoryRejects(t *testing.T) {
	var posts int64
	client := &fakeExchange{
		balanceFn: func(ctx context.Context, tokenID string) (float64, error) { return 5, nil },
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			atomic.AddInt64(&posts, 1)
			return &exchange.OrderResponse{Success: true}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideSell, Price: 0.5, Size: 100,
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	if atomic.LoadInt64(&posts) != 0 {
		t.Fatalf("uncovered sell reached the exchange")
	}
}

func TestEngine_ClosedMarketRejects(t *testing.T) {
	client := &fakeExchange{
		marketFn: func(ctx context.Context, conditionID string) (*exchange.Market, error) {
			return &exchange.Market{ConditionID: conditionID, Active: true, Closed: true}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.5, Size: 100,
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeNotFound {
		t.Fatalf("expected not_found for closed market, got %v", err)
	}
}

func TestEngine_EmptyBookRejects(t *testing.T) {
	client := &fakeExchange{
		bookFn: func(ctx context.Context, tokenID string) (*exchange.OrderBook, error) {
			return &exchange.OrderBook{TokenID: tokenID}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.5, Size: 100,
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeNotFound {
		t.Fatalf("expected not_found for empty book, got %v", err)
	}
}

func TestEngine_RetriesUnknownOnce(t *testing.T) {
	var posts int64
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			if atomic.AddInt64(&posts, 1) == 1 {
				return nil, errors.New("connection reset by peer")
			}
			return &exchange.OrderResponse{Success: true, OrderID: "ex-2"}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	res, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.5, Size: 100,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if atomic.LoadInt64(&posts) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", posts)
	}
	if res.ExchangeOrderID != "ex-2" {
		t.Fatalf("unexpected exchange order id: %s", res.ExchangeOrderID)
	}
}

func TestEngine_ClassifiedFailureDoesNotRetry(t *testing.T) {
	var posts int64
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			atomic.AddInt64(&posts, 1)
			return &exchange.OrderResponse{Success: false, ErrorMsg: "not enough balance / allowance"}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.5, Size: 100,
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	if atomic.LoadInt64(&posts) != 1 {
		t.Fatalf("classified failure was retried: %d attempts", posts)
	}
}

func TestEngine_RetryBudgetExhausts(t *testing.T) {
	var posts int64
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			atomic.AddInt64(&posts, 1)
			return nil, errors.New("mystery failure")
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.5, Size: 100,
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeUnknown {
		t.Fatalf("expected unknown, got %v", err)
	}
	// 1 initial + RetryLimit extra.
	if atomic.LoadInt64(&posts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", posts)
	}
}

func TestEngine_FailedAttemptIsPersisted(t *testing.T) {
	client := &fakeExchange{
		postFn: func(ctx context.Context, args *exchange.OrderArgs) (*exchange.OrderResponse, error) {
			return &exchange.OrderResponse{Success: false, ErrorMsg: "not enough balance / allowance"}, nil
		},
	}
	eng := testEngine(t, client, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.5, Size: 100,
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}

	orders, err := eng.store.ListOrdersByUser(context.Background(), "u1", 10)
	if err != nil || len(orders) != 1 {
		t.Fatalf("rejected attempt not persisted: %v, %d orders", err, len(orders))
	}
	if orders[0].Status != domain.StatusRejected {
		t.Fatalf("unexpected status: %s", orders[0].Status)
	}
	if orders[0].FailureReason != te.Error() {
		t.Fatalf("classified reason not recorded: %q", orders[0].FailureReason)
	}
	tr, err := eng.store.GetTradeByOrder(context.Background(), orders[0].ID)
	if err != nil || tr == nil || tr.Stage != domain.StageDetected {
		t.Fatalf("attempt trade record missing: %+v, %v", tr, err)
	}
}

func TestEngine_ValidationFailureIsPersisted(t *testing.T) {
	eng := testEngine(t, &fakeExchange{}, defaultExecCfg())

	_, err := eng.Submit(context.Background(), &SubmitRequest{
		UserID: "u1", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideBuy, Price: 0.05, Size: 10, // notional below the floor
	})
	var te *TradeError
	if !errors.As(err, &te) || te.Code != CodeBelowMinimumSize {
		t.Fatalf("expected below_minimum_size, got %v", err)
	}

	orders, err := eng.store.ListOrdersByUser(context.Background(), "u1", 10)
	if err != nil || len(orders) != 1 {
		t.Fatalf("rejected attempt not persisted: %v, %d orders", err, len(orders))
	}
	if orders[0].Status != domain.StatusRejected || orders[0].FailureReason == "" {
		t.Fatalf("classified reason not recorded: %+v", orders[0])
	}
}

func TestEngine_InvalidRequestRejects(t *testing.T) {
	eng := testEngine(t, &fakeExchange{}, defaultExecCfg())

	for _, req := range []*SubmitRequest{
		{UserID: "u1", ConditionID: "c1", TokenID: "tok", Side: domain.SideBuy, Price: 0, Size: 1},
		{UserID: "u1", ConditionID: "c1", TokenID: "tok", Side: domain.SideBuy, Price: 1.2, Size: 1},
		{UserID: "u1", ConditionID: "c1", TokenID: "tok", Side: "HOLD", Price: 0.5, Size: 1},
	} {
		if _, err := eng.Submit(context.Background(), req); err == nil {
			t.Fatalf("invalid request accepted: %+v", req)
		}
	}
}
