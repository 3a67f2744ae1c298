package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/betbot/orderdesk/internal/domain"
)

func (s *Store) InsertUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id,address,funder_address,derivation_path,created_at)
VALUES (?,?,?,?,?)
`, u.ID, u.Address, u.FunderAddress, u.DerivationPath, u.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// GetUser returns nil when the user does not exist.
func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,address,funder_address,derivation_path,created_at
FROM users WHERE id=?
`, userID)
	var u domain.User
	var created string
	if err := row.Scan(&u.ID, &u.Address, &u.FunderAddress, &u.DerivationPath, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,address,funder_address,derivation_path,created_at
FROM users ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		var created string
		if err := rows.Scan(&u.ID, &u.Address, &u.FunderAddress, &u.DerivationPath, &created); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, u)
	}
	return out, rows.Err()
}
