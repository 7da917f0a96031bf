package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/fine"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/circsvc/session"
	"github.com/avvvet/library-services/internal/comm"
)

const (
	ActionBorrow = "borrow"
	ActionReturn = "return"
)

// BookScanResult is the outcome of one committed book scan.
type BookScanResult struct {
	Action   string
	UserID   int64
	UserName string
	Book     models.Book
	Loan     models.Loan
	DaysLate int
}

// BatchItem names one book of a batch. BookID wins over RfidTag when both
// are set; LoanID is only used by returns.
type BatchItem struct {
	LoanID  int64  `json:"loanId,omitempty"`
	BookID  int64  `json:"bookId,omitempty"`
	RfidTag string `json:"rfidTag,omitempty"`
}

type BorrowBatchResult struct {
	UserID   int64
	UserName string
	Books    []comm.BorrowedBook
	Failed   []comm.ItemFailure
}

type ReturnBatchResult struct {
	UserID    int64
	UserName  string
	Books     []comm.ReturnedBook
	TotalFine decimal.Decimal
	Failed    []comm.ItemFailure
}

// SubmitBookScan borrows the scanned copy, or returns it when the user
// already has it on loan. The user must hold a circulation session and be
// checked in. A tag already handled by the session is a DuplicateScan.
func (s *Service) SubmitBookScan(ctx context.Context, userID int64, rfidTag string) (*BookScanResult, error) {
	if userID <= 0 {
		return nil, apperr.E(apperr.InvalidRequest, "user id is required")
	}

	unlock := s.lockUser(userID)
	defer unlock()

	res, err := s.submitBookScan(ctx, userID, rfidTag)
	if err != nil {
		s.broadcast(comm.EventBookScanError, comm.ScanError{
			RfidTag: rfidTag,
			UserId:  userID,
			Kind:    string(apperr.KindOf(err)),
			Message: apperr.Message(err),
		})
		return nil, err
	}

	s.broadcast(comm.EventBookProcessed, comm.BookProcessed{
		UserId:    res.UserID,
		UserName:  res.UserName,
		BookId:    res.Book.ID,
		BookTitle: res.Book.Title,
		Action:    res.Action,
	})
	return res, nil
}

func (s *Service) submitBookScan(ctx context.Context, userID int64, rfidTag string) (*BookScanResult, error) {
	sess, ok := s.sessions.Touch(userID)
	if !ok {
		return nil, apperr.E(apperr.SessionExpired, "no open session, scan your card again")
	}
	if sess.Purpose != session.PurposeCirculation {
		return nil, apperr.E(apperr.NoActiveSession, "%s's card was scanned for attendance only", sess.UserName)
	}

	if _, err := s.requireCheckedIn(ctx, userID); err != nil {
		return nil, err
	}

	book, err := s.bookByTag(ctx, rfidTag)
	if err != nil {
		return nil, err
	}

	first, err := s.sessions.MarkProcessed(userID, book.ID)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, apperr.E(apperr.DuplicateScan, "%q was already scanned in this session", book.Title)
	}

	res, err := s.circulate(ctx, userID, sess.UserName, book)
	if err != nil {
		// nothing was committed, let a rescan try again
		s.sessions.Unmark(userID, book.ID)
		return nil, err
	}
	return res, nil
}

func (s *Service) circulate(ctx context.Context, userID int64, userName string, book *models.Book) (*BookScanResult, error) {
	open, err := s.ledger.OpenLoan(ctx, userID, book.ID)
	if err != nil {
		return nil, classified(err, "load open loan of book %d for user %d", book.ID, userID)
	}

	if open != nil {
		loan, updated, err := s.giveBack(ctx, userID, book.ID, open.ID)
		if err != nil {
			return nil, err
		}
		days := fine.DaysLate(loan.DueDate, *loan.ReturnDate)
		if loan.Fine.IsPositive() {
			s.notify(fmt.Sprintf("%s returned %q %d day(s) late, fine %s", userName, updated.Title, days, loan.Fine.StringFixed(2)))
		}
		log.Infof("user %d returned book %d (%s), fine %s", userID, updated.ID, updated.Title, loan.Fine.StringFixed(2))
		return &BookScanResult{
			Action:   ActionReturn,
			UserID:   userID,
			UserName: userName,
			Book:     *updated,
			Loan:     *loan,
			DaysLate: days,
		}, nil
	}

	loan, updated, err := s.borrow(ctx, userID, book)
	if err != nil {
		return nil, err
	}
	log.Infof("user %d borrowed book %d (%s), due %s", userID, updated.ID, updated.Title, loan.DueDate.Format("2006-01-02"))
	return &BookScanResult{
		Action:   ActionBorrow,
		UserID:   userID,
		UserName: userName,
		Book:     *updated,
		Loan:     *loan,
	}, nil
}

// LookupBook resolves a tag that no session claims and announces it to the
// UI so a librarian can attach it to a batch.
func (s *Service) LookupBook(ctx context.Context, rfidTag string) (*models.Book, error) {
	book, err := s.bookByTag(ctx, rfidTag)
	if err != nil {
		s.broadcast(comm.EventBookScanError, comm.ScanError{
			RfidTag: rfidTag,
			Kind:    string(apperr.KindOf(err)),
			Message: apperr.Message(err),
		})
		return nil, err
	}

	s.broadcast(comm.EventBookScanned, comm.BookScanned{
		RfidTag:   book.RfidTag,
		BookId:    book.ID,
		Title:     book.Title,
		Author:    book.Author,
		Available: book.Available,
	})
	return book, nil
}

// CompleteBorrow borrows every item of the batch independently. The batch
// as a whole fails only when the user is unknown or not checked in.
func (s *Service) CompleteBorrow(ctx context.Context, userID int64, items []BatchItem) (*BorrowBatchResult, error) {
	if err := validateBatch(userID, items); err != nil {
		return nil, err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCheckedIn(ctx, userID); err != nil {
		return nil, err
	}
	s.sessions.Touch(userID)

	res := &BorrowBatchResult{
		UserID:   userID,
		UserName: user.Name,
		Books:    []comm.BorrowedBook{},
	}

	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		book, err := s.resolveItem(ctx, item)
		if err != nil {
			res.Failed = append(res.Failed, itemFailure(item, item.BookID, err))
			continue
		}
		if _, dup := seen[book.ID]; dup {
			res.Failed = append(res.Failed, itemFailure(item, book.ID,
				apperr.E(apperr.DuplicateScan, "%q appears more than once", book.Title)))
			continue
		}
		seen[book.ID] = struct{}{}

		loan, updated, err := s.borrow(ctx, userID, book)
		if err != nil {
			res.Failed = append(res.Failed, itemFailure(item, book.ID, err))
			continue
		}
		res.Books = append(res.Books, comm.BorrowedBook{
			LoanId:    loan.ID,
			BookId:    updated.ID,
			BookTitle: updated.Title,
			Author:    updated.Author,
			IssueDate: loan.IssueDate,
			DueDate:   loan.DueDate,
		})
	}

	s.sessions.Close(userID)

	s.broadcast(comm.EventBooksBorrowed, comm.BatchCompleted{
		UserId:     userID,
		UserName:   user.Name,
		BooksCount: len(res.Books),
		Books:      res.Books,
		Failed:     res.Failed,
	})

	log.Infof("user %d borrow batch: %d borrowed, %d failed", userID, len(res.Books), len(res.Failed))
	return res, nil
}

// CompleteReturn returns every item of the batch independently and totals
// the fines.
func (s *Service) CompleteReturn(ctx context.Context, userID int64, items []BatchItem) (*ReturnBatchResult, error) {
	if err := validateBatch(userID, items); err != nil {
		return nil, err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCheckedIn(ctx, userID); err != nil {
		return nil, err
	}
	s.sessions.Touch(userID)

	res := &ReturnBatchResult{
		UserID:    userID,
		UserName:  user.Name,
		Books:     []comm.ReturnedBook{},
		TotalFine: decimal.Zero,
	}

	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		book, err := s.resolveItem(ctx, item)
		if err != nil {
			res.Failed = append(res.Failed, itemFailure(item, item.BookID, err))
			continue
		}
		if _, dup := seen[book.ID]; dup {
			res.Failed = append(res.Failed, itemFailure(item, book.ID,
				apperr.E(apperr.DuplicateScan, "%q appears more than once", book.Title)))
			continue
		}
		seen[book.ID] = struct{}{}

		loan, updated, err := s.giveBack(ctx, userID, book.ID, item.LoanID)
		if err != nil {
			res.Failed = append(res.Failed, itemFailure(item, book.ID, err))
			continue
		}

		days := fine.DaysLate(loan.DueDate, *loan.ReturnDate)
		res.TotalFine = res.TotalFine.Add(loan.Fine)
		res.Books = append(res.Books, comm.ReturnedBook{
			LoanId:     loan.ID,
			BookId:     updated.ID,
			BookTitle:  updated.Title,
			Author:     updated.Author,
			IssueDate:  loan.IssueDate,
			DueDate:    loan.DueDate,
			ReturnDate: *loan.ReturnDate,
			DaysLate:   days,
			Fine:       loan.Fine,
			IsLate:     days > 0,
		})
	}

	s.sessions.Close(userID)

	total := res.TotalFine
	s.broadcast(comm.EventBooksReturned, comm.BatchCompleted{
		UserId:     userID,
		UserName:   user.Name,
		BooksCount: len(res.Books),
		TotalFine:  &total,
		Books:      res.Books,
		Failed:     res.Failed,
	})

	if total.IsPositive() {
		s.notify(fmt.Sprintf("%s returned %d book(s), total fine %s", user.Name, len(res.Books), total.StringFixed(2)))
	}

	log.Infof("user %d return batch: %d returned, %d failed, fine %s", userID, len(res.Books), len(res.Failed), total.StringFixed(2))
	return res, nil
}

// ActiveLoans lists the user's open loans, newest first.
func (s *Service) ActiveLoans(ctx context.Context, userID int64) ([]models.ActiveLoan, error) {
	if userID <= 0 {
		return nil, apperr.E(apperr.InvalidRequest, "user id is required")
	}

	loans, err := s.ledger.ActiveLoans(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServerError, err, "list loans for user %d", userID)
	}
	if loans == nil {
		loans = []models.ActiveLoan{}
	}
	return loans, nil
}

func (s *Service) resolveItem(ctx context.Context, item BatchItem) (*models.Book, error) {
	if item.BookID > 0 {
		return s.bookByID(ctx, item.BookID)
	}
	return s.bookByTag(ctx, item.RfidTag)
}

func validateBatch(userID int64, items []BatchItem) error {
	if userID <= 0 {
		return apperr.E(apperr.InvalidRequest, "user id is required")
	}
	if len(items) == 0 {
		return apperr.E(apperr.InvalidRequest, "no books in batch")
	}
	return nil
}

func itemFailure(item BatchItem, bookID int64, err error) comm.ItemFailure {
	return comm.ItemFailure{
		BookId:  bookID,
		RfidTag: item.RfidTag,
		Kind:    string(apperr.KindOf(err)),
		Message: apperr.Message(err),
	}
}
