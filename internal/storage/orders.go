package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/betbot/orderdesk/internal/domain"
)

func (s *Store) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id,user_id,side,token_id,price_pips,size,notional,status,created_at,execution_hash,failure_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, o.ID, o.UserID, string(o.Side), o.TokenID, o.Price.Pips, o.Size, o.Notional,
		string(o.Status), o.CreatedAt.Format(time.RFC3339Nano), o.ExecutionHash, o.FailureReason)
	return err
}

// GetOrder returns nil when the order does not exist.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,user_id,side,token_id,price_pips,size,notional,status,created_at,settled_at,execution_hash,failure_reason
FROM orders WHERE id=?
`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,user_id,side,token_id,price_pips,size,notional,status,created_at,settled_at,execution_hash,failure_reason
FROM orders WHERE user_id=? ORDER BY created_at DESC LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// MarkOrderSettled records settlement once; terminal orders are left
// untouched.
func (s *Store) MarkOrderSettled(ctx context.Context, orderID, executionHash string, settledAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE orders SET status=?, settled_at=?, execution_hash=?
WHERE id=? AND status=?
`, string(domain.StatusSettled), settledAt.Format(time.RFC3339Nano), executionHash,
		orderID, string(domain.StatusSubmitted))
	return err
}

// MarkOrderFailed moves a submitted order to cancelled/rejected with a
// reason. Terminal orders are left untouched.
func (s *Store) MarkOrderFailed(ctx context.Context, orderID string, status domain.OrderStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE orders SET status=?, failure_reason=?
WHERE id=? AND status=?
`, string(status), reason, orderID, string(domain.StatusSubmitted))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, status, created string
	var settled sql.NullString
	if err := r.Scan(&o.ID, &o.UserID, &side, &o.TokenID, &o.Price.Pips, &o.Size, &o.Notional,
		&status, &created, &settled, &o.ExecutionHash, &o.FailureReason); err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if settled.Valid {
		t, _ := time.Parse(time.RFC3339Nano, settled.String)
		o.SettledAt = &t
	}
	return &o, nil
}
