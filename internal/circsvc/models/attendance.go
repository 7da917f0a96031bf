package models

import "time"

type AttendanceAction string

const (
	CheckIn  AttendanceAction = "check-in"
	CheckOut AttendanceAction = "check-out"
)

// Attendance is one visit. A row with a nil CheckOutTime is the open
// attendance; a user has at most one.
type Attendance struct {
	ID           int64            `json:"id"`
	UserID       int64            `json:"user_id"`
	CheckInTime  time.Time        `json:"check_in_time"`
	CheckOutTime *time.Time       `json:"check_out_time,omitempty"`
	Status       AttendanceAction `json:"status"`
	FaceVerified bool             `json:"face_verified"`
	CardVerified bool             `json:"card_verified"`
}

func (a *Attendance) IsOpen() bool {
	return a.CheckOutTime == nil
}

// AttendanceEntry is an attendance row joined with its user, for listings.
type AttendanceEntry struct {
	Attendance
	UserName  string `json:"name"`
	UserEmail string `json:"email"`
	UserRole  Role   `json:"role"`
}
