package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BorrowGuard runs inside the ledger's atomic step with the book row
// locked. A non-nil error aborts the borrow with nothing written.
type BorrowGuard func(book Book, openLoans int) error

// FineFunc prices a return inside the ledger's atomic step.
type FineFunc func(loan Loan, returned time.Time) decimal.Decimal

type BorrowRequest struct {
	UserID    int64
	BookID    int64
	IssueDate time.Time
	DueDate   time.Time
}

// ReturnRequest identifies the open loan by LoanID when set, otherwise by
// the (UserID, BookID) pair.
type ReturnRequest struct {
	LoanID     int64
	UserID     int64
	BookID     int64
	ReturnDate time.Time
}
