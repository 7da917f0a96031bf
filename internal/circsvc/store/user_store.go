package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/library-services/internal/circsvc/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserStore struct {
	db *pgxpool.Pool
}

func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

func (r *UserStore) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRow(ctx, `
        SELECT id, name, COALESCE(email, ''), role, created_at, updated_at
        FROM users
        WHERE id = $1
    `, id)

	u := &models.User{}
	var role string
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	u.Role = models.Role(role)

	return u, nil
}
