// Package service is the coordination core: it correlates card taps, face
// captures and book scans into attendance and circulation transitions.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/fine"
	"github.com/avvvet/library-services/internal/circsvc/keyed"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/circsvc/session"
)

const (
	DefaultLoanPeriod     = 14 * 24 * time.Hour
	DefaultLoanLimit      = 5
	DefaultMatchThreshold = 0.5
)

// Directory resolves cards and book tags. Lookups return models.ErrNotFound
// (possibly wrapped) when nothing matches.
type Directory interface {
	session.CardResolver
	TouchCard(ctx context.Context, cardID string, at time.Time) error
	UserByID(ctx context.Context, id int64) (*models.User, error)
	BookByTag(ctx context.Context, tag string) (*models.Book, error)
	BookByID(ctx context.Context, id int64) (*models.Book, error)
}

// Ledger is the durable record of attendance, loans and availability.
// Borrow and Return are atomic: either every row they touch changes or none.
type Ledger interface {
	OpenAttendance(ctx context.Context, userID int64) (*models.Attendance, error)
	ToggleAttendance(ctx context.Context, userID int64, cardVerified bool) (*models.Attendance, models.AttendanceAction, error)
	AttendanceSince(ctx context.Context, since time.Time) ([]models.AttendanceEntry, error)

	OpenLoan(ctx context.Context, userID, bookID int64) (*models.Loan, error)
	ActiveLoans(ctx context.Context, userID int64) ([]models.ActiveLoan, error)
	Borrow(ctx context.Context, req models.BorrowRequest, guard models.BorrowGuard) (*models.Loan, *models.Book, error)
	Return(ctx context.Context, req models.ReturnRequest, fine models.FineFunc) (*models.Loan, *models.Book, error)
}

type FaceVerifier interface {
	Verify(ctx context.Context, userID int64, image string) (matched bool, confidence float64, err error)
}

// Broadcaster fans an event out to every UI subscriber.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// Notifier delivers a short text to library staff. Implementations must not block.
type Notifier interface {
	Notify(text string)
}

type Options struct {
	LoanPeriod     time.Duration
	LoanLimit      int
	Fines          fine.Calculator
	MatchThreshold float64
	Notifier       Notifier
	Now            func() time.Time
}

type Service struct {
	dir      Directory
	ledger   Ledger
	sessions *session.Registry
	verifier FaceVerifier
	events   Broadcaster
	notifier Notifier

	users *keyed.Mutex[int64]

	loanPeriod time.Duration
	loanLimit  int
	fines      fine.Calculator
	threshold  float64
	now        func() time.Time
}

func New(dir Directory, ledger Ledger, sessions *session.Registry, verifier FaceVerifier, events Broadcaster, opts Options) *Service {
	s := &Service{
		dir:        dir,
		ledger:     ledger,
		sessions:   sessions,
		verifier:   verifier,
		events:     events,
		notifier:   opts.Notifier,
		users:      keyed.New[int64](),
		loanPeriod: opts.LoanPeriod,
		loanLimit:  opts.LoanLimit,
		fines:      opts.Fines,
		threshold:  opts.MatchThreshold,
		now:        opts.Now,
	}

	if s.loanPeriod <= 0 {
		s.loanPeriod = DefaultLoanPeriod
	}
	if s.loanLimit <= 0 {
		s.loanLimit = DefaultLoanLimit
	}
	if s.fines.PerDay.IsZero() {
		s.fines = fine.NewCalculator(fine.DefaultPerDay)
	}
	if s.threshold <= 0 {
		s.threshold = DefaultMatchThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Sessions() *session.Registry {
	return s.sessions
}

// lockUser serializes every operation concerning userID.
func (s *Service) lockUser(userID int64) func() {
	return s.users.Lock(userID)
}

func (s *Service) broadcast(eventType string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(eventType, payload)
}

func (s *Service) notify(text string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(text)
}

func (s *Service) user(ctx context.Context, userID int64) (*models.User, error) {
	u, err := s.dir.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.E(apperr.UserNotFound, "no user with id %d", userID)
		}
		return nil, apperr.Wrap(apperr.ServerError, err, "load user %d", userID)
	}
	return u, nil
}

func (s *Service) bookByTag(ctx context.Context, tag string) (*models.Book, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, apperr.E(apperr.InvalidRequest, "rfid tag is required")
	}
	b, err := s.dir.BookByTag(ctx, tag)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.E(apperr.BookNotFound, "no book with tag %s", tag)
		}
		return nil, apperr.Wrap(apperr.ServerError, err, "load book %s", tag)
	}
	return b, nil
}

func (s *Service) bookByID(ctx context.Context, id int64) (*models.Book, error) {
	b, err := s.dir.BookByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.E(apperr.BookNotFound, "no book with id %d", id)
		}
		return nil, apperr.Wrap(apperr.ServerError, err, "load book %d", id)
	}
	return b, nil
}

// requireCheckedIn fails with NoActiveSession unless the user has an open attendance.
func (s *Service) requireCheckedIn(ctx context.Context, userID int64) (*models.Attendance, error) {
	a, err := s.ledger.OpenAttendance(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServerError, err, "load attendance for user %d", userID)
	}
	if a == nil {
		return nil, apperr.E(apperr.NoActiveSession, "check in at the entrance before borrowing or returning")
	}
	return a, nil
}

// classified passes taxonomy errors through and turns everything else
// into a ServerError.
func classified(err error, format string, args ...any) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	log.Errorf("ledger: "+format+": %s", append(args, err)...)
	return apperr.Wrap(apperr.ServerError, err, format, args...)
}

func (s *Service) borrowGuard(book models.Book, openLoans int) error {
	if book.Status != "" && book.Status != "available" {
		return apperr.E(apperr.BookUnavailable, "%q is not in circulation", book.Title)
	}
	if book.Available <= 0 {
		return apperr.E(apperr.BookUnavailable, "no copies of %q are available", book.Title)
	}
	if openLoans >= s.loanLimit {
		return apperr.E(apperr.LoanLimitExceeded, "loan limit of %d books reached", s.loanLimit)
	}
	return nil
}

func (s *Service) fineFor(loan models.Loan, returned time.Time) decimal.Decimal {
	return s.fines.Compute(loan.DueDate, returned)
}

func (s *Service) borrow(ctx context.Context, userID int64, book *models.Book) (*models.Loan, *models.Book, error) {
	now := s.now()
	loan, updated, err := s.ledger.Borrow(ctx, models.BorrowRequest{
		UserID:    userID,
		BookID:    book.ID,
		IssueDate: now,
		DueDate:   now.Add(s.loanPeriod),
	}, s.borrowGuard)
	if err != nil {
		return nil, nil, classified(err, "borrow book %d for user %d", book.ID, userID)
	}
	return loan, updated, nil
}

func (s *Service) giveBack(ctx context.Context, userID, bookID, loanID int64) (*models.Loan, *models.Book, error) {
	loan, updated, err := s.ledger.Return(ctx, models.ReturnRequest{
		LoanID:     loanID,
		UserID:     userID,
		BookID:     bookID,
		ReturnDate: s.now(),
	}, s.fineFor)
	if err != nil {
		return nil, nil, classified(err, "return book %d for user %d", bookID, userID)
	}
	return loan, updated, nil
}
