package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/models"
)

const loanColumns = `id, user_id, book_id, issue_date, due_date, return_date, status, fine`

type LoanStore struct {
	db *pgxpool.Pool
}

func NewLoanStore(db *pgxpool.Pool) *LoanStore {
	return &LoanStore{db: db}
}

// OpenLoan returns the borrowed loan for the pair, or nil when there is none.
func (s *LoanStore) OpenLoan(ctx context.Context, userID, bookID int64) (*models.Loan, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE user_id = $1 AND book_id = $2 AND status = 'borrowed'
	`, userID, bookID)

	loan, err := scanLoan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open loan: %w", err)
	}
	return loan, nil
}

func (s *LoanStore) CountOpenLoans(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM loans WHERE user_id = $1 AND status = 'borrowed'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans: %w", err)
	}
	return n, nil
}

func (s *LoanStore) ActiveLoans(ctx context.Context, userID int64) ([]models.ActiveLoan, error) {
	query, args, err := goqu.Dialect(dialectPostgres).
		From(goqu.T("loans").As("l")).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.book_id")))).
		Select(
			"l.id", "l.user_id", "l.book_id", "l.issue_date", "l.due_date", "l.return_date", "l.status", "l.fine",
			"b.title", "b.author", "b.rfid_tag", goqu.COALESCE(goqu.I("b.isbn"), ""),
		).
		Where(
			goqu.I("l.user_id").Eq(userID),
			goqu.I("l.status").Eq(string(models.LoanBorrowed)),
		).
		Order(goqu.I("l.issue_date").Desc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build active loans query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active loans: %w", err)
	}
	defer rows.Close()

	var loans []models.ActiveLoan
	for rows.Next() {
		var (
			l      models.ActiveLoan
			status string
		)
		if err := rows.Scan(
			&l.ID,
			&l.UserID,
			&l.BookID,
			&l.IssueDate,
			&l.DueDate,
			&l.ReturnDate,
			&status,
			&l.Fine,
			&l.BookTitle,
			&l.BookAuthor,
			&l.RfidTag,
			&l.ISBN,
		); err != nil {
			return nil, err
		}
		l.Status = models.LoanStatus(status)
		loans = append(loans, l)
	}

	return loans, rows.Err()
}

// Borrow creates the loan and takes one copy off the shelf in a single
// transaction. The user row and the book row are locked first so guard sees
// counts nobody else can change before commit.
func (s *LoanStore) Borrow(ctx context.Context, req models.BorrowRequest, guard models.BorrowGuard) (*models.Loan, *models.Book, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, req.UserID); err != nil {
		return nil, nil, fmt.Errorf("lock user: %w", err)
	}

	book, err := lockBook(ctx, tx, req.BookID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, apperr.E(apperr.BookNotFound, "book %d not found", req.BookID)
		}
		return nil, nil, fmt.Errorf("lock book: %w", err)
	}

	var open int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM loans WHERE user_id = $1 AND status = 'borrowed'`, req.UserID).Scan(&open); err != nil {
		return nil, nil, fmt.Errorf("count open loans: %w", err)
	}

	if guard != nil {
		if err := guard(*book, open); err != nil {
			return nil, nil, err
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO loans (user_id, book_id, issue_date, due_date, status, fine)
		VALUES ($1, $2, $3, $4, 'borrowed', 0)
		RETURNING `+loanColumns, req.UserID, req.BookID, req.IssueDate, req.DueDate)
	loan, err := scanLoan(row)
	if err != nil {
		if isUniqueViolation(err, "unique_open_loan") {
			return nil, nil, apperr.E(apperr.DuplicateScan, "%q is already on loan to this member", book.Title)
		}
		return nil, nil, fmt.Errorf("insert loan: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE books SET available = available - 1, updated_at = now()
		WHERE id = $1 AND available > 0
		RETURNING available
	`, book.ID).Scan(&book.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperr.E(apperr.BookUnavailable, "no copies of %q are available", book.Title)
		}
		return nil, nil, fmt.Errorf("decrement available: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit borrow: %w", err)
	}
	return loan, book, nil
}

// Return closes the open loan, records its fine and puts the copy back on
// the shelf in a single transaction. available never exceeds quantity.
func (s *LoanStore) Return(ctx context.Context, req models.ReturnRequest, fine models.FineFunc) (*models.Loan, *models.Book, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if req.LoanID > 0 {
		row = tx.QueryRow(ctx, `
			SELECT `+loanColumns+` FROM loans
			WHERE id = $1 AND user_id = $2 AND book_id = $3 AND status = 'borrowed'
			FOR UPDATE
		`, req.LoanID, req.UserID, req.BookID)
	} else {
		row = tx.QueryRow(ctx, `
			SELECT `+loanColumns+` FROM loans
			WHERE user_id = $1 AND book_id = $2 AND status = 'borrowed'
			FOR UPDATE
		`, req.UserID, req.BookID)
	}
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperr.E(apperr.LoanNotFound, "book %d is not on loan to this member", req.BookID)
		}
		return nil, nil, fmt.Errorf("lock loan: %w", err)
	}

	book, err := lockBook(ctx, tx, loan.BookID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock book: %w", err)
	}

	returned := req.ReturnDate
	loan.ReturnDate = &returned
	loan.Status = models.LoanReturned
	if fine != nil {
		loan.Fine = fine(*loan, returned)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE loans SET return_date = $2, status = 'returned', fine = $3
		WHERE id = $1
	`, loan.ID, returned, loan.Fine); err != nil {
		return nil, nil, fmt.Errorf("close loan: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE books SET available = LEAST(available + 1, quantity), updated_at = now()
		WHERE id = $1
		RETURNING available
	`, book.ID).Scan(&book.Available)
	if err != nil {
		return nil, nil, fmt.Errorf("increment available: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit return: %w", err)
	}
	return loan, book, nil
}

func scanLoan(row pgx.Row) (*models.Loan, error) {
	var (
		l      models.Loan
		status string
	)
	if err := row.Scan(
		&l.ID,
		&l.UserID,
		&l.BookID,
		&l.IssueDate,
		&l.DueDate,
		&l.ReturnDate,
		&status,
		&l.Fine,
	); err != nil {
		return nil, err
	}
	l.Status = models.LoanStatus(status)
	return &l, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}
