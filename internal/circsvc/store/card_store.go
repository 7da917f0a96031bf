package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CardStore struct {
	db *pgxpool.Pool
}

func NewCardStore(db *pgxpool.Pool) *CardStore {
	return &CardStore{db: db}
}

// GetWithOwner returns the card and the user it belongs to. Inactive cards are
// returned as well; deciding what to do with them is up to the caller.
func (s *CardStore) GetWithOwner(ctx context.Context, cardID string) (*models.Card, *models.User, error) {
	query := `
		SELECT c.id, c.card_id, c.user_id, c.is_active, c.last_used, c.created_at, c.updated_at,
		       u.id, u.name, COALESCE(u.email, ''), u.role, u.created_at, u.updated_at
		FROM cards c
		JOIN users u ON u.id = c.user_id
		WHERE c.card_id = $1
		LIMIT 1
	`

	var (
		card models.Card
		user models.User
		role string
	)
	err := s.db.QueryRow(ctx, query, cardID).Scan(
		&card.ID,
		&card.CardID,
		&card.UserID,
		&card.IsActive,
		&card.LastUsed,
		&card.CreatedAt,
		&card.UpdatedAt,
		&user.ID,
		&user.Name,
		&user.Email,
		&role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get card %s: %w", cardID, err)
	}
	user.Role = models.Role(role)

	return &card, &user, nil
}

func (s *CardStore) TouchLastUsed(ctx context.Context, cardID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE cards SET last_used = $2, updated_at = now() WHERE card_id = $1`, cardID, at)
	if err != nil {
		return fmt.Errorf("failed to update last_used for card %s: %w", cardID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
