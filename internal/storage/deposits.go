package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/orderdesk/internal/domain"
)

func (s *Store) InsertDeposit(ctx context.Context, d *domain.DepositRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deposits (id,user_id,tx_hash,amount,block_number,ts,status)
VALUES (?,?,?,?,?,?,?)
`, d.ID, d.UserID, d.TxHash, d.Amount.String(), d.BlockNumber,
		d.Timestamp.Format(time.RFC3339Nano), string(d.Status))
	return err
}

// GetDepositByHash returns nil when no deposit with this hash is
// recorded for the user.
func (s *Store) GetDepositByHash(ctx context.Context, userID, txHash string) (*domain.DepositRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,user_id,tx_hash,amount,block_number,ts,status
FROM deposits WHERE user_id=? AND tx_hash=?
`, userID, txHash)
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

// ListDeposits returns a user's deposits newest block first. A
// non-positive limit returns everything.
func (s *Store) ListDeposits(ctx context.Context, userID string, limit int) ([]domain.DepositRecord, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means no limit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,user_id,tx_hash,amount,block_number,ts,status
FROM deposits WHERE user_id=? ORDER BY block_number DESC LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DepositRecord
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) CountDeposits(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deposits WHERE user_id=?`, userID).Scan(&n)
	return n, err
}

// DepositSummary aggregates count, per-status counts, total and latest
// block for a user.
func (s *Store) DepositSummary(ctx context.Context, userID string) (*domain.DepositSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount, block_number, status FROM deposits WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := &domain.DepositSummary{
		UserID:   userID,
		ByStatus: make(map[domain.DepositStatus]int),
		Total:    decimal.Zero,
	}
	for rows.Next() {
		var amount, status string
		var block uint64
		if err := rows.Scan(&amount, &block, &status); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		sum.Total = sum.Total.Add(v)
		sum.Count++
		sum.ByStatus[domain.DepositStatus(status)]++
		if block > sum.LatestBlock {
			sum.LatestBlock = block
		}
	}
	return sum, rows.Err()
}

// GetCheckpoint returns nil when the user has never been scanned.
func (s *Store) GetCheckpoint(ctx context.Context, userID string) (*domain.DepositCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id,last_block,updated_at FROM deposit_checkpoints WHERE user_id=?
`, userID)
	var cp domain.DepositCheckpoint
	var updated string
	if err := row.Scan(&cp.UserID, &cp.LastBlock, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &cp, nil
}

// SetCheckpoint raises a user's checkpoint. Lower blocks never replace
// a higher one; the guard lives in the upsert itself.
func (s *Store) SetCheckpoint(ctx context.Context, userID string, lastBlock uint64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deposit_checkpoints (user_id,last_block,updated_at) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET
  last_block=excluded.last_block,
  updated_at=excluded.updated_at
WHERE excluded.last_block > deposit_checkpoints.last_block
`, userID, lastBlock, at.Format(time.RFC3339Nano))
	return err
}

func scanDeposit(r rowScanner) (*domain.DepositRecord, error) {
	var d domain.DepositRecord
	var amount, ts, status string
	if err := r.Scan(&d.ID, &d.UserID, &d.TxHash, &amount, &d.BlockNumber, &ts, &status); err != nil {
		return nil, err
	}
	var err error
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	d.Status = domain.DepositStatus(status)
	return &d, nil
}
