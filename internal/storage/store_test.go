package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/orderdesk/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.InsertUser(context.Background(), &domain.User{
		ID:            id,
		Address:       "0xabc",
		FunderAddress: "0xdef",
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func TestStore_OrderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	o := &domain.Order{
		ID:        "o1",
		UserID:    "u1",
		Side:      domain.SideBuy,
		TokenID:   "tok",
		Price:     domain.PriceFromDecimal(0.55),
		Size:      100,
		Notional:  55,
		Status:    domain.StatusSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	got, err := s.GetOrder(ctx, "o1")
	if err != nil || got == nil {
		t.Fatalf("get order: %v, %v", got, err)
	}
	if got.Price.Pips != 5500 || got.Status != domain.StatusSubmitted {
		t.Fatalf("unexpected order: %+v", got)
	}

	if err := s.MarkOrderSettled(ctx, "o1", "0xhash", time.Now().UTC()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ = s.GetOrder(ctx, "o1")
	if got.Status != domain.StatusSettled || got.ExecutionHash != "0xhash" || got.SettledAt == nil {
		t.Fatalf("settlement not recorded: %+v", got)
	}

	// Terminal order must not flip back to failed.
	if err := s.MarkOrderFailed(ctx, "o1", domain.StatusCancelled, "late"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = s.GetOrder(ctx, "o1")
	if got.Status != domain.StatusSettled {
		t.Fatalf("terminal status overwritten: %+v", got)
	}
}

func TestStore_GetOrderMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetOrder(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing order, got %+v", got)
	}
}

func TestStore_TradeStageMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	now := time.Now().UTC()

	if err := s.InsertOrder(ctx, &domain.Order{
		ID: "o1", UserID: "u1", Side: domain.SideBuy, TokenID: "tok",
		Price: domain.PriceFromDecimal(0.5), Size: 10, Notional: 5,
		Status: domain.StatusSubmitted, CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := s.InsertTrade(ctx, &domain.TradeRecord{
		ID: "t1", OrderID: "o1", UserID: "u1", TokenID: "tok",
		Stage: domain.StageSubmitted, Price: 0.5, Size: 10,
		DetectedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert trade: %v", err)
	}

	if err := s.AdvanceTradeStage(ctx, "t1", domain.StageSettled, "0xfill", now); err != nil {
		t.Fatalf("advance: %v", err)
	}
	tr, _ := s.GetTradeByOrder(ctx, "o1")
	if tr.Stage != domain.StageSettled || tr.TxHash != "0xfill" {
		t.Fatalf("stage not advanced: %+v", tr)
	}

	// Regression to an earlier stage is ignored.
	if err := s.AdvanceTradeStage(ctx, "t1", domain.StageDetected, "", now); err != nil {
		t.Fatalf("advance: %v", err)
	}
	tr, _ = s.GetTradeByOrder(ctx, "o1")
	if tr.Stage != domain.StageSettled {
		t.Fatalf("stage regressed: %+v", tr)
	}
}

func TestStore_DepositIdempotencyAndCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	now := time.Now().UTC()

	d := &domain.DepositRecord{
		ID: "d1", UserID: "u1", TxHash: "0xaaa",
		Amount: decimal.RequireFromString("125.5"), BlockNumber: 1000,
		Timestamp: now, Status: domain.DepositDetected,
	}
	if err := s.InsertDeposit(ctx, d); err != nil {
		t.Fatalf("insert deposit: %v", err)
	}

	// Same (user, tx) violates the unique constraint.
	dup := *d
	dup.ID = "d2"
	if err := s.InsertDeposit(ctx, &dup); err == nil {
		t.Fatalf("duplicate deposit accepted")
	}

	got, err := s.GetDepositByHash(ctx, "u1", "0xaaa")
	if err != nil || got == nil {
		t.Fatalf("get deposit: %v, %v", got, err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("125.5")) {
		t.Fatalf("amount mangled: %s", got.Amount)
	}

	if err := s.SetCheckpoint(ctx, "u1", 1000, now); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}
	// Lower block must not lower the checkpoint.
	if err := s.SetCheckpoint(ctx, "u1", 500, now); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}
	cp, err := s.GetCheckpoint(ctx, "u1")
	if err != nil || cp == nil {
		t.Fatalf("get checkpoint: %v, %v", cp, err)
	}
	if cp.LastBlock != 1000 {
		t.Fatalf("checkpoint lowered: %d", cp.LastBlock)
	}

	sum, err := s.DepositSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Count != 1 || !sum.Total.Equal(decimal.RequireFromString("125.5")) || sum.LatestBlock != 1000 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}
