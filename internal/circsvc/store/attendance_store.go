package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/library-services/internal/circsvc/models"
)

const dialectPostgres = "postgres"

const attendanceColumns = `id, user_id, check_in_time, check_out_time, status, face_verified, card_verified`

type AttendanceStore struct {
	db *pgxpool.Pool
}

func NewAttendanceStore(db *pgxpool.Pool) *AttendanceStore {
	return &AttendanceStore{db: db}
}

// OpenAttendance returns the user's attendance without a check-out time, or
// nil when the user is not in the library.
func (s *AttendanceStore) OpenAttendance(ctx context.Context, userID int64) (*models.Attendance, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+attendanceColumns+`
		FROM attendances
		WHERE user_id = $1 AND check_out_time IS NULL
		ORDER BY check_in_time DESC
		LIMIT 1
	`, userID)

	a, err := scanAttendance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open attendance for user %d: %w", userID, err)
	}
	return a, nil
}

// ToggleAttendance checks the user out when an open attendance exists and in
// otherwise. The timestamp is the database write time.
func (s *AttendanceStore) ToggleAttendance(ctx context.Context, userID int64, cardVerified bool) (*models.Attendance, models.AttendanceAction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// lock the open row so two toggles for the same user cannot both check in
	var openID int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM attendances
		WHERE user_id = $1 AND check_out_time IS NULL
		ORDER BY check_in_time DESC
		LIMIT 1
		FOR UPDATE
	`, userID).Scan(&openID)

	var (
		row    pgx.Row
		action models.AttendanceAction
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		action = models.CheckIn
		row = tx.QueryRow(ctx, `
			INSERT INTO attendances (user_id, check_in_time, status, face_verified, card_verified)
			VALUES ($1, clock_timestamp(), 'check-in', true, $2)
			RETURNING `+attendanceColumns, userID, cardVerified)
	case err != nil:
		return nil, "", fmt.Errorf("lock open attendance: %w", err)
	default:
		action = models.CheckOut
		row = tx.QueryRow(ctx, `
			UPDATE attendances
			SET check_out_time = clock_timestamp(), status = 'check-out', face_verified = true,
			    card_verified = card_verified OR $2
			WHERE id = $1
			RETURNING `+attendanceColumns, openID, cardVerified)
	}

	a, err := scanAttendance(row)
	if err != nil {
		if isUniqueViolation(err, "unique_open_attendance") {
			return nil, "", fmt.Errorf("concurrent check-in for user %d: %w", userID, err)
		}
		return nil, "", fmt.Errorf("write attendance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit attendance: %w", err)
	}
	return a, action, nil
}

// AttendanceSince lists visits that started at or after since, newest first.
func (s *AttendanceStore) AttendanceSince(ctx context.Context, since time.Time) ([]models.AttendanceEntry, error) {
	query, args, err := goqu.Dialect(dialectPostgres).
		From(goqu.T("attendances").As("a")).
		Join(goqu.T("users").As("u"), goqu.On(goqu.I("u.id").Eq(goqu.I("a.user_id")))).
		Select(
			"a.id", "a.user_id", "a.check_in_time", "a.check_out_time", "a.status",
			"a.face_verified", "a.card_verified",
			"u.name", goqu.COALESCE(goqu.I("u.email"), ""), "u.role",
		).
		Where(goqu.I("a.check_in_time").Gte(since)).
		Order(goqu.I("a.check_in_time").Desc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build attendance query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var entries []models.AttendanceEntry
	for rows.Next() {
		var (
			e      models.AttendanceEntry
			status string
			role   string
		)
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.CheckInTime,
			&e.CheckOutTime,
			&status,
			&e.FaceVerified,
			&e.CardVerified,
			&e.UserName,
			&e.UserEmail,
			&role,
		); err != nil {
			return nil, err
		}
		e.Status = models.AttendanceAction(status)
		e.UserRole = models.Role(role)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func scanAttendance(row pgx.Row) (*models.Attendance, error) {
	var (
		a      models.Attendance
		status string
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.CheckInTime,
		&a.CheckOutTime,
		&status,
		&a.FaceVerified,
		&a.CardVerified,
	); err != nil {
		return nil, err
	}
	a.Status = models.AttendanceAction(status)
	return &a, nil
}
