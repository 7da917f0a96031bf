// Package session tracks in-progress physical interactions: a card tap
// resolved to a user, what the tap is for, and which books the interaction
// has already handled. Sessions live in memory only and expire after a
// period of inactivity.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/models"
)

const DefaultTimeout = 60 * time.Second

type Purpose string

const (
	PurposeAttendance  Purpose = "attendance"
	PurposeCirculation Purpose = "circulation"
)

// PurposeFor derives the scan purpose from the user's role.
func PurposeFor(role models.Role) Purpose {
	if role == models.RoleMember {
		return PurposeCirculation
	}
	return PurposeAttendance
}

// CardResolver looks a physical card up. It returns models.ErrNotFound when
// no card has that id.
type CardResolver interface {
	ResolveCard(ctx context.Context, cardID string) (*models.Card, *models.User, error)
}

// Session is a read-only snapshot handed out by the Registry.
type Session struct {
	CardID    string
	Device    string
	UserID    int64
	UserName  string
	Role      models.Role
	Purpose   Purpose
	CreatedAt time.Time
	LastTouch time.Time
	Processed []int64
}

type entry struct {
	s         Session
	processed map[int64]struct{}
}

func (e *entry) snapshot() Session {
	s := e.s
	s.Processed = make([]int64, 0, len(e.processed))
	for id := range e.processed {
		s.Processed = append(s.Processed, id)
	}
	return s
}

type Registry struct {
	mu       sync.Mutex
	resolver CardResolver
	timeout  time.Duration
	now      func() time.Time

	byUser   map[int64]*entry
	byCard   map[string]int64
	byDevice map[string]int64
}

type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(resolver CardResolver, timeout time.Duration, opts ...Option) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		resolver: resolver,
		timeout:  timeout,
		now:      time.Now,
		byUser:   make(map[int64]*entry),
		byCard:   make(map[string]int64),
		byDevice: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Open resolves cardID and creates the session for its owner, replacing
// any session the user or the card already had.
func (r *Registry) Open(ctx context.Context, cardID, device string) (Session, *models.User, error) {
	user, err := r.Resolve(ctx, cardID)
	if err != nil {
		return Session{}, nil, err
	}
	return r.Install(cardID, device, user), user, nil
}

// Resolve returns the owner of an active card without touching any session.
func (r *Registry) Resolve(ctx context.Context, cardID string) (*models.User, error) {
	card, user, err := r.resolver.ResolveCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.E(apperr.CardNotFound, "no card registered with id %s", cardID)
		}
		return nil, apperr.Wrap(apperr.ServerError, err, "resolve card %s", cardID)
	}
	if !card.IsActive {
		return nil, apperr.E(apperr.CardInactive, "card %s is not active", cardID)
	}
	return user, nil
}

// Install opens a fresh session for user. The previous session of the user,
// and of whoever last held cardID, is discarded with its processed set.
// Callers hold the user's lock.
func (r *Registry) Install(cardID, device string, user *models.User) Session {
	now := r.now()
	e := &entry{
		s: Session{
			CardID:    cardID,
			Device:    device,
			UserID:    user.ID,
			UserName:  user.Name,
			Role:      user.Role,
			Purpose:   PurposeFor(user.Role),
			CreatedAt: now,
			LastTouch: now,
		},
		processed: make(map[int64]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(user.ID)
	if prev, ok := r.byCard[cardID]; ok {
		r.remove(prev)
	}
	r.byUser[user.ID] = e
	r.byCard[cardID] = user.ID
	if device != "" {
		r.byDevice[device] = user.ID
	}

	return e.snapshot()
}

// Touch restarts the inactivity timer of the user's session and returns it.
func (r *Registry) Touch(userID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(userID)
	if !ok {
		return Session{}, false
	}
	e.s.LastTouch = r.now()
	return e.snapshot(), true
}

func (r *Registry) Get(userID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(userID)
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// ByDevice returns the session most recently opened on device.
func (r *Registry) ByDevice(device string) (Session, bool) {
	if device == "" {
		return Session{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byDevice[device]
	if !ok {
		return Session{}, false
	}
	e, ok := r.live(userID)
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// Latest returns the most recently opened session with the given purpose.
func (r *Registry) Latest(purpose Purpose) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *entry
	for userID := range r.byUser {
		e, ok := r.live(userID)
		if !ok || e.s.Purpose != purpose {
			continue
		}
		if best == nil || e.s.CreatedAt.After(best.s.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return Session{}, false
	}
	return best.snapshot(), true
}

// MarkProcessed records bookID as handled by the user's session. It reports
// false when the book was already handled.
func (r *Registry) MarkProcessed(userID, bookID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return false, apperr.E(apperr.SessionExpired, "no open session, scan the card again")
	}
	if _, seen := e.processed[bookID]; seen {
		return false, nil
	}
	e.processed[bookID] = struct{}{}
	return true, nil
}

// Unmark forgets bookID so a scan that did not commit can be repeated.
func (r *Registry) Unmark(userID, bookID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byUser[userID]; ok {
		delete(e.processed, bookID)
	}
}

func (r *Registry) Close(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(userID)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byUser)
}

// Sweep drops every expired session and returns how many it dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for userID, e := range r.byUser {
		if r.expired(e) {
			r.remove(userID)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debugf("session sweep dropped %d expired sessions", n)
			}
		}
	}
}

func (r *Registry) expired(e *entry) bool {
	return r.now().Sub(e.s.LastTouch) > r.timeout
}

// live returns the user's session, dropping it if it has expired. Callers hold r.mu.
func (r *Registry) live(userID int64) (*entry, bool) {
	e, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	if r.expired(e) {
		r.remove(userID)
		return nil, false
	}
	return e, true
}

// remove deletes the user's session and its indexes. Callers hold r.mu.
func (r *Registry) remove(userID int64) {
	e, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(r.byUser, userID)
	if r.byCard[e.s.CardID] == userID {
		delete(r.byCard, e.s.CardID)
	}
	if e.s.Device != "" && r.byDevice[e.s.Device] == userID {
		delete(r.byDevice, e.s.Device)
	}
}
