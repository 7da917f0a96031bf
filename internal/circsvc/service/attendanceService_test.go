package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/comm"
)

const image = "aGVsbG8="

func TestSubmitFace_ChecksInWithoutOpenAttendance(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.SubmitFace(context.Background(), memberID, image)
	require.NoError(t, err)
	assert.Equal(t, models.CheckIn, res.Action)
	assert.Equal(t, h.clock.Now(), res.Time)

	visits := h.lib.visitsOf(memberID)
	require.Len(t, visits, 1)
	assert.True(t, visits[0].IsOpen())
	assert.True(t, visits[0].FaceVerified)
	assert.False(t, visits[0].CardVerified)

	require.Equal(t, []string{comm.EventAttendanceUpdate}, h.events.types())
	update := h.events.last().Payload.(comm.AttendanceUpdate)
	assert.Equal(t, memberID, update.UserId)
	assert.Equal(t, "Mai", update.UserName)
	assert.Equal(t, "check-in", update.Action)
}

func TestSubmitFace_TogglesCheckInThenCheckOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)
	h.clock.Advance(65 * time.Minute)
	second, err := h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)

	assert.Equal(t, models.CheckIn, first.Action)
	assert.Equal(t, models.CheckOut, second.Action)
	assert.Equal(t, first.Attendance.ID, second.Attendance.ID)
	assert.Equal(t, h.clock.Now(), second.Time)

	visits := h.lib.visitsOf(memberID)
	require.Len(t, visits, 1)
	assert.False(t, visits[0].IsOpen())

	assert.Equal(t, []string{comm.EventAttendanceUpdate, comm.EventAttendanceUpdate}, h.events.types())
	h.lib.assertConsistent(t)
}

func TestSubmitFace_CardVerifiedWhenSessionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.OpenSession(ctx, librarianCard, "gate")
	require.NoError(t, err)

	res, err := h.svc.SubmitFace(ctx, librarianID, image)
	require.NoError(t, err)
	assert.True(t, res.Attendance.CardVerified)

	// the attendance tap is consumed
	_, ok := h.svc.Sessions().Get(librarianID)
	assert.False(t, ok)
}

func TestSubmitFace_CheckOutEndsCirculationSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.OpenSession(ctx, memberCard, "")
	require.NoError(t, err)
	_, err = h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)

	_, ok := h.svc.Sessions().Get(memberID)
	assert.True(t, ok, "check-in keeps the circulation session")

	res, err := h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)
	assert.Equal(t, models.CheckOut, res.Action)
	_, ok = h.svc.Sessions().Get(memberID)
	assert.False(t, ok)
}

func TestSubmitFace_RejectsWithoutMutation(t *testing.T) {
	tests := []struct {
		name       string
		userID     int64
		image      string
		matched    bool
		confidence float64
		verifyErr  error
		kind       apperr.Kind
	}{
		{"no match", memberID, image, false, 0.2, nil, apperr.FaceNotVerified},
		{"low confidence", memberID, image, true, 0.3, nil, apperr.FaceNotVerified},
		{"verifier down", memberID, image, false, 0, errDisk, apperr.ServerError},
		{"unknown user", 99, image, true, 0.9, nil, apperr.UserNotFound},
		{"missing image", memberID, "", true, 0.9, nil, apperr.InvalidRequest},
		{"missing user", 0, image, true, 0.9, nil, apperr.InvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.faces.set(tt.matched, tt.confidence, tt.verifyErr)

			res, err := h.svc.SubmitFace(context.Background(), tt.userID, tt.image)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.kind, apperr.KindOf(err))

			assert.Empty(t, h.lib.visitsOf(tt.userID))
			assert.Empty(t, h.events.types())
		})
	}
}

func TestSubmitFace_LedgerFailureIsServerError(t *testing.T) {
	h := newHarness(t)
	h.lib.failLedger(errDisk)

	_, err := h.svc.SubmitFace(context.Background(), memberID, image)
	require.Error(t, err)
	assert.Equal(t, apperr.ServerError, apperr.KindOf(err))
	assert.Equal(t, "internal server error", apperr.Message(err))
	assert.Empty(t, h.events.types())
}

func TestSubmitFace_ConcurrentScansAlternate(t *testing.T) {
	h := newHarness(t)

	const n = 10
	var wg sync.WaitGroup
	actions := make(chan models.AttendanceAction, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.SubmitFace(context.Background(), memberID, image)
			if assert.NoError(t, err) {
				actions <- res.Action
			}
		}()
	}
	wg.Wait()
	close(actions)

	counts := map[models.AttendanceAction]int{}
	for a := range actions {
		counts[a]++
	}
	assert.Equal(t, n/2, counts[models.CheckIn])
	assert.Equal(t, n/2, counts[models.CheckOut])

	// per-user order equals commit order: updates alternate starting with check-in
	for i, e := range h.events.events {
		want := "check-in"
		if i%2 == 1 {
			want = "check-out"
		}
		assert.Equal(t, want, e.Payload.(comm.AttendanceUpdate).Action)
	}
	h.lib.assertConsistent(t)
}

func TestVerifyCheckedIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := h.svc.VerifyCheckedIn(ctx, memberID)
	require.NoError(t, err)
	assert.False(t, status.IsCheckedIn)
	assert.Nil(t, status.CheckInTime)

	_, err = h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)

	status, err = h.svc.VerifyCheckedIn(ctx, memberID)
	require.NoError(t, err)
	assert.True(t, status.IsCheckedIn)
	require.NotNil(t, status.CheckInTime)
	assert.Equal(t, h.clock.Now(), *status.CheckInTime)
	assert.NotZero(t, status.AttendanceID)

	_, err = h.svc.VerifyCheckedIn(ctx, 0)
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.InvalidRequest})
}

func TestCheckinList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	_, err = h.svc.SubmitFace(ctx, librarianID, image)
	require.NoError(t, err)
	h.clock.Advance(55 * time.Minute)
	_, err = h.svc.SubmitFace(ctx, memberID, image)
	require.NoError(t, err)

	rows, err := h.svc.CheckinList(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "Lan", rows[0].Name)
	assert.Equal(t, "in library", rows[0].Duration)
	assert.Nil(t, rows[0].CheckOutTime)

	assert.Equal(t, "Mai", rows[1].Name)
	assert.Equal(t, "1h 5m", rows[1].Duration)
	assert.Equal(t, models.CheckOut, rows[1].Status)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0h 0m"},
		{59 * time.Second, "0h 0m"},
		{65 * time.Minute, "1h 5m"},
		{3*time.Hour + 30*time.Minute + 40*time.Second, "3h 30m"},
		{-time.Minute, "0h 0m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d), tt.d.String())
	}
}
