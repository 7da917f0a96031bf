package service

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/session"
	"github.com/avvvet/library-services/internal/comm"
)

// OpenSession resolves a card tap and opens (or replaces) the owner's scan
// session. device is the reader that saw the tap and may be empty.
func (s *Service) OpenSession(ctx context.Context, cardID, device string) (session.Session, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return session.Session{}, apperr.E(apperr.InvalidRequest, "card id is required")
	}

	user, err := s.sessions.Resolve(ctx, cardID)
	if err != nil {
		s.broadcast(comm.EventCardScanError, comm.ScanError{
			CardId:  cardID,
			Kind:    string(apperr.KindOf(err)),
			Message: apperr.Message(err),
		})
		return session.Session{}, err
	}

	unlock := s.lockUser(user.ID)
	defer unlock()

	sess := s.sessions.Install(cardID, device, user)

	if err := s.dir.TouchCard(ctx, cardID, s.now()); err != nil {
		log.Warnf("unable to update last_used for card %s: %s", cardID, err)
	}

	s.broadcast(comm.EventCardScanned, comm.CardScanned{
		CardId:   cardID,
		UserId:   user.ID,
		UserName: user.Name,
		UserRole: string(user.Role),
		ScanType: string(sess.Purpose),
	})

	log.Infof("session opened for user %d (%s) purpose %s", user.ID, user.Name, sess.Purpose)
	return sess, nil
}

// ResetSession discards the user's session. It reports whether one existed.
func (s *Service) ResetSession(userID int64) bool {
	unlock := s.lockUser(userID)
	defer unlock()

	_, ok := s.sessions.Get(userID)
	s.sessions.Close(userID)
	return ok
}

// SessionOf returns the live session of userID, if any.
func (s *Service) SessionOf(userID int64) (session.Session, bool) {
	return s.sessions.Get(userID)
}

// SessionForDevice finds the circulation session a book scan from device
// belongs to: the one opened on that device, else the most recent one.
func (s *Service) SessionForDevice(device string) (session.Session, bool) {
	if sess, ok := s.sessions.ByDevice(device); ok && sess.Purpose == session.PurposeCirculation {
		return sess, true
	}
	return s.sessions.Latest(session.PurposeCirculation)
}
