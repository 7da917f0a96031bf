package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanBorrowed LoanStatus = "borrowed"
	LoanReturned LoanStatus = "returned"
)

type Loan struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	BookID     int64           `json:"book_id"`
	IssueDate  time.Time       `json:"issue_date"`
	DueDate    time.Time       `json:"due_date"`
	ReturnDate *time.Time      `json:"return_date,omitempty"`
	Status     LoanStatus      `json:"status"`
	Fine       decimal.Decimal `json:"fine"`
}

func (l *Loan) IsOpen() bool {
	return l.Status == LoanBorrowed
}

// ActiveLoan is an open loan joined with its book.
type ActiveLoan struct {
	Loan
	BookTitle  string `json:"bookTitle"`
	BookAuthor string `json:"author"`
	RfidTag    string `json:"rfidTag"`
	ISBN       string `json:"isbn,omitempty"`
}
