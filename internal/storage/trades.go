package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/betbot/orderdesk/internal/domain"
)

func (s *Store) InsertTrade(ctx context.Context, t *domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (id,order_id,user_id,token_id,stage,price,size,tx_hash,detected_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.OrderID, t.UserID, t.TokenID, int(t.Stage), t.Price, t.Size, t.TxHash,
		t.DetectedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// AdvanceTradeStage moves a trade forward. Writes of an equal or
// earlier stage are no-ops, enforced in the WHERE clause.
func (s *Store) AdvanceTradeStage(ctx context.Context, tradeID string, stage domain.TradeStage, txHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE trades SET stage=?, tx_hash=CASE WHEN ?<>'' THEN ? ELSE tx_hash END, updated_at=?
WHERE id=? AND stage<?
`, int(stage), txHash, txHash, at.Format(time.RFC3339Nano), tradeID, int(stage))
	return err
}

func (s *Store) GetTradeByOrder(ctx context.Context, orderID string) (*domain.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,order_id,user_id,token_id,stage,price,size,tx_hash,detected_at,updated_at
FROM trades WHERE order_id=?
`, orderID)
	var t domain.TradeRecord
	var stage int
	var detected, updated string
	if err := row.Scan(&t.ID, &t.OrderID, &t.UserID, &t.TokenID, &stage, &t.Price, &t.Size, &t.TxHash, &detected, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Stage = domain.TradeStage(stage)
	t.DetectedAt, _ = time.Parse(time.RFC3339Nano, detected)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &t, nil
}
