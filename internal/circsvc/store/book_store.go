package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bookColumns = `id, rfid_tag, title, author, COALESCE(isbn, ''), quantity, available, status, created_at, updated_at`

type BookStore struct {
	db *pgxpool.Pool
}

func NewBookStore(db *pgxpool.Pool) *BookStore {
	return &BookStore{db: db}
}

// GetByRfidTag only finds copies that are in circulation; books under
// maintenance, lost or damaged are reported as not found.
func (s *BookStore) GetByRfidTag(ctx context.Context, tag string) (*models.Book, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE rfid_tag = $1 AND status = 'available'`, tag)
	book, err := scanBook(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get book by tag %s: %w", tag, err)
	}
	return book, nil
}

func (s *BookStore) GetByID(ctx context.Context, id int64) (*models.Book, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	book, err := scanBook(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get book %d: %w", id, err)
	}
	return book, nil
}

// lockBook reads the book row and holds its lock until tx ends. Every
// change to available goes through here.
func lockBook(ctx context.Context, tx pgx.Tx, id int64) (*models.Book, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, id)
	return scanBook(row)
}

func scanBook(row pgx.Row) (*models.Book, error) {
	var b models.Book
	err := row.Scan(
		&b.ID,
		&b.RfidTag,
		&b.Title,
		&b.Author,
		&b.ISBN,
		&b.Quantity,
		&b.Available,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}
