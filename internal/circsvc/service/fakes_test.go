package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/fine"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/circsvc/session"
)

var errDisk = errors.New("disk on fire")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeLibrary is an in-memory Directory and Ledger. A single mutex makes
// every ledger call atomic.
type fakeLibrary struct {
	mu    sync.Mutex
	clock *fakeClock

	users  map[int64]*models.User
	cards  map[string]*models.Card
	books  map[int64]*models.Book
	loans  []*models.Loan
	visits []*models.Attendance
	seq    int64

	// ledgerErr makes every ledger write fail before touching state
	ledgerErr error
}

func newFakeLibrary(clock *fakeClock) *fakeLibrary {
	return &fakeLibrary{
		clock: clock,
		users: make(map[int64]*models.User),
		cards: make(map[string]*models.Card),
		books: make(map[int64]*models.Book),
	}
}

func (f *fakeLibrary) addUser(id int64, name string, role models.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = &models.User{ID: id, Name: name, Email: name + "@library.test", Role: role}
}

func (f *fakeLibrary) addCard(cardID string, userID int64, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[cardID] = &models.Card{ID: int64(len(f.cards) + 1), CardID: cardID, UserID: userID, IsActive: active}
}

func (f *fakeLibrary) addBook(id int64, tag, title string, quantity, available int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[id] = &models.Book{
		ID:        id,
		RfidTag:   tag,
		Title:     title,
		Author:    "Author " + title,
		Quantity:  quantity,
		Available: available,
		Status:    "available",
	}
}

// addLoan records an existing loan, taking the copy off the shelf.
func (f *fakeLibrary) addLoan(userID, bookID int64, issue, due time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.loans = append(f.loans, &models.Loan{
		ID:        f.seq,
		UserID:    userID,
		BookID:    bookID,
		IssueDate: issue,
		DueDate:   due,
		Status:    models.LoanBorrowed,
		Fine:      decimal.Zero,
	})
	f.books[bookID].Available--
	return f.seq
}

func (f *fakeLibrary) checkIn(userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.visits = append(f.visits, &models.Attendance{
		ID:           f.seq,
		UserID:       userID,
		CheckInTime:  f.clock.Now(),
		Status:       models.CheckIn,
		FaceVerified: true,
	})
}

func (f *fakeLibrary) failLedger(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerErr = err
}

func (f *fakeLibrary) book(id int64) models.Book {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.books[id]
}

func (f *fakeLibrary) card(cardID string) models.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.cards[cardID]
}

func (f *fakeLibrary) openLoanCount(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.loans {
		if l.UserID == userID && l.IsOpen() {
			n++
		}
	}
	return n
}

func (f *fakeLibrary) loanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loans)
}

func (f *fakeLibrary) visitsOf(userID int64) []models.Attendance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Attendance
	for _, a := range f.visits {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out
}

// assertConsistent checks stock and loan bookkeeping across the whole fake.
func (f *fakeLibrary) assertConsistent(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, b := range f.books {
		if b.Available < 0 || b.Available > b.Quantity {
			t.Errorf("book %d: available %d outside [0, %d]", b.ID, b.Available, b.Quantity)
		}
	}

	type pair struct{ user, book int64 }
	open := make(map[pair]int)
	for _, l := range f.loans {
		if l.IsOpen() {
			open[pair{l.UserID, l.BookID}]++
		}
	}
	for p, n := range open {
		if n > 1 {
			t.Errorf("user %d holds %d open loans of book %d", p.user, n, p.book)
		}
	}

	visits := make(map[int64]int)
	for _, a := range f.visits {
		if a.IsOpen() {
			visits[a.UserID]++
		}
	}
	for u, n := range visits {
		if n > 1 {
			t.Errorf("user %d has %d open attendances", u, n)
		}
	}
}

func (f *fakeLibrary) ResolveCard(_ context.Context, cardID string) (*models.Card, *models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[cardID]
	if !ok {
		return nil, nil, models.ErrNotFound
	}
	u, ok := f.users[c.UserID]
	if !ok {
		return nil, nil, models.ErrNotFound
	}
	card, user := *c, *u
	return &card, &user, nil
}

func (f *fakeLibrary) TouchCard(_ context.Context, cardID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[cardID]
	if !ok {
		return models.ErrNotFound
	}
	c.LastUsed = &at
	return nil
}

func (f *fakeLibrary) UserByID(_ context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	user := *u
	return &user, nil
}

func (f *fakeLibrary) BookByTag(_ context.Context, tag string) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.books {
		if b.RfidTag == tag && b.Status == "available" {
			book := *b
			return &book, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeLibrary) BookByID(_ context.Context, id int64) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	book := *b
	return &book, nil
}

func (f *fakeLibrary) OpenAttendance(_ context.Context, userID int64) (*models.Attendance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.visits {
		if a.UserID == userID && a.IsOpen() {
			open := *a
			return &open, nil
		}
	}
	return nil, nil
}

func (f *fakeLibrary) ToggleAttendance(_ context.Context, userID int64, cardVerified bool) (*models.Attendance, models.AttendanceAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledgerErr != nil {
		return nil, "", f.ledgerErr
	}

	now := f.clock.Now()
	for _, a := range f.visits {
		if a.UserID == userID && a.IsOpen() {
			a.CheckOutTime = &now
			a.Status = models.CheckOut
			a.CardVerified = a.CardVerified || cardVerified
			out := *a
			return &out, models.CheckOut, nil
		}
	}

	f.seq++
	a := &models.Attendance{
		ID:           f.seq,
		UserID:       userID,
		CheckInTime:  now,
		Status:       models.CheckIn,
		FaceVerified: true,
		CardVerified: cardVerified,
	}
	f.visits = append(f.visits, a)
	in := *a
	return &in, models.CheckIn, nil
}

func (f *fakeLibrary) AttendanceSince(_ context.Context, since time.Time) ([]models.AttendanceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AttendanceEntry
	for _, a := range f.visits {
		if a.CheckInTime.Before(since) {
			continue
		}
		u := f.users[a.UserID]
		out = append(out, models.AttendanceEntry{
			Attendance: *a,
			UserName:   u.Name,
			UserEmail:  u.Email,
			UserRole:   u.Role,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckInTime.After(out[j].CheckInTime) })
	return out, nil
}

func (f *fakeLibrary) OpenLoan(_ context.Context, userID, bookID int64) (*models.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l := f.openLoan(userID, bookID); l != nil {
		loan := *l
		return &loan, nil
	}
	return nil, nil
}

func (f *fakeLibrary) openLoan(userID, bookID int64) *models.Loan {
	for _, l := range f.loans {
		if l.UserID == userID && l.BookID == bookID && l.IsOpen() {
			return l
		}
	}
	return nil
}

func (f *fakeLibrary) ActiveLoans(_ context.Context, userID int64) ([]models.ActiveLoan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ActiveLoan
	for _, l := range f.loans {
		if l.UserID != userID || !l.IsOpen() {
			continue
		}
		b := f.books[l.BookID]
		out = append(out, models.ActiveLoan{
			Loan:       *l,
			BookTitle:  b.Title,
			BookAuthor: b.Author,
			RfidTag:    b.RfidTag,
		})
	}
	return out, nil
}

func (f *fakeLibrary) Borrow(_ context.Context, req models.BorrowRequest, guard models.BorrowGuard) (*models.Loan, *models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledgerErr != nil {
		return nil, nil, f.ledgerErr
	}

	b, ok := f.books[req.BookID]
	if !ok {
		return nil, nil, apperr.E(apperr.BookNotFound, "book %d not found", req.BookID)
	}

	open := 0
	for _, l := range f.loans {
		if l.UserID == req.UserID && l.IsOpen() {
			open++
		}
	}
	if guard != nil {
		if err := guard(*b, open); err != nil {
			return nil, nil, err
		}
	}
	if f.openLoan(req.UserID, req.BookID) != nil {
		return nil, nil, apperr.E(apperr.DuplicateScan, "%q is already on loan to this member", b.Title)
	}
	if b.Available <= 0 {
		return nil, nil, apperr.E(apperr.BookUnavailable, "no copies of %q are available", b.Title)
	}

	f.seq++
	l := &models.Loan{
		ID:        f.seq,
		UserID:    req.UserID,
		BookID:    req.BookID,
		IssueDate: req.IssueDate,
		DueDate:   req.DueDate,
		Status:    models.LoanBorrowed,
		Fine:      decimal.Zero,
	}
	f.loans = append(f.loans, l)
	b.Available--

	loan, book := *l, *b
	return &loan, &book, nil
}

func (f *fakeLibrary) Return(_ context.Context, req models.ReturnRequest, fineFn models.FineFunc) (*models.Loan, *models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledgerErr != nil {
		return nil, nil, f.ledgerErr
	}

	var l *models.Loan
	if req.LoanID > 0 {
		for _, x := range f.loans {
			if x.ID == req.LoanID && x.UserID == req.UserID && x.BookID == req.BookID && x.IsOpen() {
				l = x
			}
		}
	} else {
		l = f.openLoan(req.UserID, req.BookID)
	}
	if l == nil {
		return nil, nil, apperr.E(apperr.LoanNotFound, "book %d is not on loan to this member", req.BookID)
	}

	returned := req.ReturnDate
	l.ReturnDate = &returned
	l.Status = models.LoanReturned
	if fineFn != nil {
		l.Fine = fineFn(*l, returned)
	}

	b := f.books[l.BookID]
	b.Available = min(b.Available+1, b.Quantity)

	loan, book := *l, *b
	return &loan, &book, nil
}

type fakeVerifier struct {
	mu         sync.Mutex
	matched    bool
	confidence float64
	err        error
	calls      int
}

func (v *fakeVerifier) set(matched bool, confidence float64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.matched, v.confidence, v.err = matched, confidence, err
}

func (v *fakeVerifier) Verify(_ context.Context, _ int64, _ string) (bool, float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.matched, v.confidence, v.err
}

type event struct {
	Type    string
	Payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Broadcast(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Type: eventType, Payload: payload})
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

const (
	memberID    int64 = 1
	librarianID int64 = 2
	otherID     int64 = 3

	memberCard    = "CARD-MEMBER"
	librarianCard = "CARD-LIBRARIAN"
	otherCard     = "CARD-OTHER"
)

type harness struct {
	svc    *Service
	lib    *fakeLibrary
	clock  *fakeClock
	faces  *fakeVerifier
	events *recorder
	notes  *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	lib := newFakeLibrary(clock)
	lib.addUser(memberID, "Mai", models.RoleMember)
	lib.addUser(librarianID, "Lan", models.RoleLibrarian)
	lib.addUser(otherID, "Minh", models.RoleMember)
	lib.addCard(memberCard, memberID, true)
	lib.addCard(librarianCard, librarianID, true)
	lib.addCard(otherCard, otherID, true)

	h := &harness{
		lib:    lib,
		clock:  clock,
		faces:  &fakeVerifier{matched: true, confidence: 0.9},
		events: &recorder{},
		notes:  &fakeNotifier{},
	}

	registry := session.NewRegistry(lib, time.Minute, session.WithClock(clock.Now))
	h.svc = New(lib, lib, registry, h.faces, h.events, Options{
		Fines:    fine.NewCalculator(fine.DefaultPerDay),
		Notifier: h.notes,
		Now:      clock.Now,
	})
	return h
}

// readyMember opens a circulation session for userID and checks them in.
func (h *harness) readyMember(t *testing.T, cardID string, userID int64) {
	t.Helper()
	h.lib.checkIn(userID)
	if _, err := h.svc.OpenSession(context.Background(), cardID, ""); err != nil {
		t.Fatalf("open session: %v", err)
	}
	h.events.reset()
}
