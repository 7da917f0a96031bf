package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/library-services/internal/circsvc/models"
)

// Directory resolves physical identifiers to users and books.
type Directory struct {
	users *UserStore
	cards *CardStore
	books *BookStore
}

func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{
		users: NewUserStore(db),
		cards: NewCardStore(db),
		books: NewBookStore(db),
	}
}

func (d *Directory) ResolveCard(ctx context.Context, cardID string) (*models.Card, *models.User, error) {
	return d.cards.GetWithOwner(ctx, cardID)
}

func (d *Directory) TouchCard(ctx context.Context, cardID string, at time.Time) error {
	return d.cards.TouchLastUsed(ctx, cardID, at)
}

func (d *Directory) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return d.users.GetByID(ctx, id)
}

func (d *Directory) BookByTag(ctx context.Context, tag string) (*models.Book, error) {
	return d.books.GetByRfidTag(ctx, tag)
}

func (d *Directory) BookByID(ctx context.Context, id int64) (*models.Book, error) {
	return d.books.GetByID(ctx, id)
}

// Ledger is the durable record of attendance and loans.
type Ledger struct {
	*AttendanceStore
	*LoanStore
}

func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{
		AttendanceStore: NewAttendanceStore(db),
		LoanStore:       NewLoanStore(db),
	}
}
