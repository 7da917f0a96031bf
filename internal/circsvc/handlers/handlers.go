package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/circsvc/service"
	"github.com/avvvet/library-services/internal/circsvc/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBody = 8 << 20 // face captures arrive inline as base64

// Circulation is the synchronous request surface of the coordination core.
type Circulation interface {
	OpenSession(ctx context.Context, cardID, device string) (session.Session, error)
	SubmitFace(ctx context.Context, userID int64, image string) (*service.AttendanceResult, error)
	VerifyCheckedIn(ctx context.Context, userID int64) (*service.CheckInStatus, error)
	CheckinList(ctx context.Context) ([]service.CheckinRow, error)
	SubmitBookScan(ctx context.Context, userID int64, rfidTag string) (*service.BookScanResult, error)
	CompleteBorrow(ctx context.Context, userID int64, items []service.BatchItem) (*service.BorrowBatchResult, error)
	CompleteReturn(ctx context.Context, userID int64, items []service.BatchItem) (*service.ReturnBatchResult, error)
	ActiveLoans(ctx context.Context, userID int64) ([]models.ActiveLoan, error)
	ResetSession(userID int64) bool
}

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	svc       Circulation
	port      string
}

func NewHandler(svc Circulation, port string) *Handler {
	return &Handler{svc: svc, port: port}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)

	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("unable to write response: %s", err)
	}
}

// CreateError answers with the status and message belonging to err's kind.
func (h *Handler) CreateError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.ServerError {
		log.Errorf("request failed: %s", err)
	}
	h.CreateResponse(w, Response{
		Message: apperr.Message(err),
		Code:    StatusFor(kind),
		Error:   apperr.Message(err),
		Kind:    string(kind),
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.CardNotFound, apperr.BookNotFound, apperr.UserNotFound, apperr.LoanNotFound:
		return http.StatusNotFound
	case apperr.CardInactive:
		return http.StatusForbidden
	case apperr.FaceNotVerified:
		return http.StatusUnauthorized
	case apperr.BookUnavailable, apperr.LoanLimitExceeded, apperr.NoActiveSession,
		apperr.SessionExpired, apperr.DuplicateScan, apperr.InvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "circulation service is running at port " + h.port,
		Code:    http.StatusOK,
	})
}

func decode(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.InvalidRequest, err, "invalid request body")
	}
	return nil
}

func userIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.E(apperr.InvalidRequest, "invalid user id")
	}
	return id, nil
}

type cardScanRequest struct {
	CardId string `json:"cardId"`
	Device string `json:"device,omitempty"`
}

func (h *Handler) CardScanHandler(w http.ResponseWriter, r *http.Request) {
	var req cardScanRequest
	if err := decode(r, &req); err != nil {
		h.CreateError(w, err)
		return
	}

	sess, err := h.svc.OpenSession(r.Context(), req.CardId, req.Device)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	h.CreateResponse(w, Response{
		Message: "card scanned for " + string(sess.Purpose),
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"cardId":   sess.CardID,
			"userId":   sess.UserID,
			"userName": sess.UserName,
			"userRole": sess.Role,
			"scanType": sess.Purpose,
		},
	})
}

type faceAuthRequest struct {
	UserId    int64  `json:"userId"`
	FaceImage string `json:"faceImage"`
}

func (h *Handler) FaceAuthHandler(w http.ResponseWriter, r *http.Request) {
	var req faceAuthRequest
	if err := decode(r, &req); err != nil {
		h.CreateError(w, err)
		return
	}
	if strings.TrimSpace(req.FaceImage) == "" {
		h.CreateError(w, apperr.E(apperr.InvalidRequest, "face image is required"))
		return
	}

	res, err := h.svc.SubmitFace(r.Context(), req.UserId, req.FaceImage)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	h.CreateResponse(w, Response{
		Message: string(res.Action) + " successful",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"userId":       res.UserID,
			"userName":     res.UserName,
			"action":       res.Action,
			"time":         res.Time,
			"attendanceId": res.Attendance.ID,
			"confidence":   res.Confidence,
		},
	})
}

func (h *Handler) VerifyCheckinHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	status, err := h.svc.VerifyCheckedIn(r.Context(), userID)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	msg := "user is not checked in"
	if status.IsCheckedIn {
		msg = "user is checked in"
	}
	h.CreateResponse(w, Response{Message: msg, Code: http.StatusOK, Data: status})
}

func (h *Handler) CheckinListHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.CheckinList(r.Context())
	if err != nil {
		h.CreateError(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: strconv.Itoa(len(rows)) + " check-ins today",
		Code:    http.StatusOK,
		Data:    rows,
	})
}

type bookScanRequest struct {
	UserId  int64  `json:"userId"`
	RfidTag string `json:"rfidTag"`
}

func (h *Handler) BookScanHandler(w http.ResponseWriter, r *http.Request) {
	var req bookScanRequest
	if err := decode(r, &req); err != nil {
		h.CreateError(w, err)
		return
	}

	res, err := h.svc.SubmitBookScan(r.Context(), req.UserId, req.RfidTag)
	if err != nil {
		// a repeated tag is informational, not a failed request
		if apperr.KindOf(err) == apperr.DuplicateScan {
			h.CreateResponse(w, Response{
				Message: apperr.Message(err),
				Code:    http.StatusOK,
				Kind:    string(apperr.DuplicateScan),
			})
			return
		}
		h.CreateError(w, err)
		return
	}

	h.CreateResponse(w, Response{
		Message: "book " + res.Action + " recorded",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"action":    res.Action,
			"userId":    res.UserID,
			"bookId":    res.Book.ID,
			"bookTitle": res.Book.Title,
			"author":    res.Book.Author,
			"available": res.Book.Available,
			"loanId":    res.Loan.ID,
			"dueDate":   res.Loan.DueDate,
			"fine":      res.Loan.Fine,
			"daysLate":  res.DaysLate,
		},
	})
}

type batchRequest struct {
	UserId int64               `json:"userId"`
	Books  []service.BatchItem `json:"books"`
}

func (h *Handler) BorrowHandler(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		h.CreateError(w, err)
		return
	}

	res, err := h.svc.CompleteBorrow(r.Context(), req.UserId, req.Books)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	h.CreateResponse(w, Response{
		Message: strconv.Itoa(len(res.Books)) + " book(s) borrowed",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"userId":     res.UserID,
			"userName":   res.UserName,
			"booksCount": len(res.Books),
			"books":      res.Books,
			"failed":     res.Failed,
		},
	})
}

func (h *Handler) ReturnHandler(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		h.CreateError(w, err)
		return
	}

	res, err := h.svc.CompleteReturn(r.Context(), req.UserId, req.Books)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	h.CreateResponse(w, Response{
		Message: strconv.Itoa(len(res.Books)) + " book(s) returned",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"userId":     res.UserID,
			"userName":   res.UserName,
			"booksCount": len(res.Books),
			"totalFine":  res.TotalFine,
			"books":      res.Books,
			"failed":     res.Failed,
		},
	})
}

func (h *Handler) ActiveLoansHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		h.CreateError(w, err)
		return
	}

	loans, err := h.svc.ActiveLoans(r.Context(), userID)
	if err != nil {
		h.CreateError(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: strconv.Itoa(len(loans)) + " active loan(s)",
		Code:    http.StatusOK,
		Data:    loans,
	})
}

type resetRequest struct {
	UserId int64 `json:"userId"`
}

func (h *Handler) ResetSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, &req); err != nil {
		h.CreateError(w, err)
		return
	}
	if req.UserId <= 0 {
		h.CreateError(w, apperr.E(apperr.InvalidRequest, "user id is required"))
		return
	}

	closed := h.svc.ResetSession(req.UserId)
	h.CreateResponse(w, Response{
		Message: "session reset",
		Code:    http.StatusOK,
		Data:    map[string]bool{"closed": closed},
	})
}
