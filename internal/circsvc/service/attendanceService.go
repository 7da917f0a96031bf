package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/circsvc/session"
	"github.com/avvvet/library-services/internal/comm"
)

const inLibrary = "in library"

type AttendanceResult struct {
	Attendance models.Attendance
	Action     models.AttendanceAction
	UserID     int64
	UserName   string
	Time       time.Time
	Confidence float64
}

type CheckInStatus struct {
	IsCheckedIn  bool       `json:"isCheckedIn"`
	CheckInTime  *time.Time `json:"checkInTime,omitempty"`
	AttendanceID int64      `json:"attendanceId,omitempty"`
}

type CheckinRow struct {
	ID           int64                   `json:"id"`
	UserID       int64                   `json:"userId"`
	Name         string                  `json:"name"`
	Email        string                  `json:"email,omitempty"`
	Role         models.Role             `json:"role"`
	CheckInTime  time.Time               `json:"checkInTime"`
	CheckOutTime *time.Time              `json:"checkOutTime,omitempty"`
	Status       models.AttendanceAction `json:"status"`
	Duration     string                  `json:"duration"`
}

// SubmitFace verifies image against userID and toggles the user's
// attendance. Whether this is a check-in or a check-out is decided by the
// ledger alone.
func (s *Service) SubmitFace(ctx context.Context, userID int64, image string) (*AttendanceResult, error) {
	if userID <= 0 {
		return nil, apperr.E(apperr.InvalidRequest, "user id is required")
	}
	if strings.TrimSpace(image) == "" {
		return nil, apperr.E(apperr.InvalidRequest, "face image is required")
	}

	unlock := s.lockUser(userID)
	defer unlock()

	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}

	matched, confidence, err := s.verifier.Verify(ctx, userID, image)
	if err != nil {
		log.Errorf("face verifier failed for user %d: %s", userID, err)
		return nil, apperr.Wrap(apperr.ServerError, err, "face verification unavailable")
	}
	if !matched || confidence < s.threshold {
		log.Infof("face not verified for user %d (matched=%t confidence=%.2f)", userID, matched, confidence)
		return nil, apperr.E(apperr.FaceNotVerified, "face does not match %s", user.Name)
	}

	sess, hasSession := s.sessions.Touch(userID)

	a, action, err := s.ledger.ToggleAttendance(ctx, userID, hasSession)
	if err != nil {
		return nil, classified(err, "toggle attendance for user %d", userID)
	}

	// an attendance tap is done once it has produced its transition; leaving
	// the library ends any circulation session as well
	if hasSession && (sess.Purpose == session.PurposeAttendance || action == models.CheckOut) {
		s.sessions.Close(userID)
	}

	at := a.CheckInTime
	if action == models.CheckOut && a.CheckOutTime != nil {
		at = *a.CheckOutTime
	}

	s.broadcast(comm.EventAttendanceUpdate, comm.AttendanceUpdate{
		UserId:   userID,
		UserName: user.Name,
		Action:   string(action),
		Time:     at,
	})

	log.Infof("user %d (%s) %s at %s", userID, user.Name, action, at.Format(time.RFC3339))

	return &AttendanceResult{
		Attendance: *a,
		Action:     action,
		UserID:     userID,
		UserName:   user.Name,
		Time:       at,
		Confidence: confidence,
	}, nil
}

// VerifyCheckedIn reports whether the user currently has an open attendance.
func (s *Service) VerifyCheckedIn(ctx context.Context, userID int64) (*CheckInStatus, error) {
	if userID <= 0 {
		return nil, apperr.E(apperr.InvalidRequest, "user id is required")
	}

	a, err := s.ledger.OpenAttendance(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServerError, err, "load attendance for user %d", userID)
	}
	if a == nil {
		return &CheckInStatus{}, nil
	}

	checkIn := a.CheckInTime
	return &CheckInStatus{
		IsCheckedIn:  true,
		CheckInTime:  &checkIn,
		AttendanceID: a.ID,
	}, nil
}

// CheckinList returns today's visits, newest first.
func (s *Service) CheckinList(ctx context.Context) ([]CheckinRow, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	entries, err := s.ledger.AttendanceSince(ctx, midnight)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServerError, err, "list attendance")
	}

	rows := make([]CheckinRow, 0, len(entries))
	for _, e := range entries {
		row := CheckinRow{
			ID:           e.ID,
			UserID:       e.UserID,
			Name:         e.UserName,
			Email:        e.UserEmail,
			Role:         e.UserRole,
			CheckInTime:  e.CheckInTime,
			CheckOutTime: e.CheckOutTime,
			Status:       e.Status,
			Duration:     inLibrary,
		}
		if e.CheckOutTime != nil {
			row.Duration = FormatDuration(e.CheckOutTime.Sub(e.CheckInTime))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FormatDuration renders d as whole hours and minutes, e.g. "1h 5m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
