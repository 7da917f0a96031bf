package comm

import (
	"encoding/json"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

// NATS subjects. Readers speak MQTT to the NATS MQTT gateway, so the
// topic library/card arrives here as library.card.
const (
	TopicCardScan       = "library.card"
	TopicBookScan       = "library.book"
	TopicFaceScan       = "library.face"
	TopicDeviceResponse = "library.response"
	TopicEvents         = "library.events"
	TopicSocket         = "socket.service"
)

// UI event types carried in WSMessage.Type.
const (
	EventCardScanned      = "card_scanned"
	EventCardScanError    = "card_scan_error"
	EventBookScanned      = "book_scanned"
	EventBookScanError    = "book_scan_error"
	EventBookProcessed    = "book_processed"
	EventAttendanceUpdate = "attendance_update"
	EventBooksBorrowed    = "books_borrowed"
	EventBooksReturned    = "books_returned"
	EventFaceAuthResult   = "face_auth_result"
	EventBookScanResult   = "book_scan_result"
)

// Requests a UI client sends over its websocket.
const (
	RequestFaceAuth = "face_auth"
	RequestBookScan = "book_scan"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "card_scanned", "face_auth"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

// NewMessage wraps v as the data of a typed envelope.
func NewMessage(msgType string, v any, socketId string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Marshal(&WSMessage{Type: msgType, Data: data, SocketId: socketId})
}

// ScanMessage is what a reader publishes for a card or book tag.
type ScanMessage struct {
	UID    string `json:"uid"`
	Device string `json:"device,omitempty"`
}

// FaceMessage is a camera capture submitted for a claimed user.
type FaceMessage struct {
	UserId int64  `json:"userId"`
	Image  string `json:"image"` // base64
	Device string `json:"device,omitempty"`
}

type BookScanRequest struct {
	UserId  int64  `json:"userId"`
	RfidTag string `json:"rfidTag"`
}

// DeviceAck is the reply a reader shows on its display.
type DeviceAck struct {
	Status    string `json:"status"` // success | error
	Device    string `json:"device,omitempty"`
	CardId    string `json:"cardId,omitempty"`
	RfidTag   string `json:"rfidTag,omitempty"`
	User      string `json:"user,omitempty"`
	UserId    int64  `json:"userId,omitempty"`
	ScanType  string `json:"scanType,omitempty"`
	Book      string `json:"book,omitempty"`
	BookId    int64  `json:"bookId,omitempty"`
	Author    string `json:"author,omitempty"`
	Available *int   `json:"available,omitempty"`
	Action    string `json:"action,omitempty"`
	Message   string `json:"message"`
}

type CardScanned struct {
	CardId   string `json:"cardId"`
	UserId   int64  `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
	ScanType string `json:"scanType"`
}

type ScanError struct {
	CardId  string `json:"cardId,omitempty"`
	RfidTag string `json:"rfidTag,omitempty"`
	UserId  int64  `json:"userId,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type BookScanned struct {
	RfidTag   string `json:"rfidTag"`
	BookId    int64  `json:"bookId"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Available int    `json:"available"`
}

type BookProcessed struct {
	UserId    int64  `json:"userId"`
	UserName  string `json:"userName"`
	BookId    int64  `json:"bookId"`
	BookTitle string `json:"bookTitle"`
	Action    string `json:"action"` // borrow | return
}

type AttendanceUpdate struct {
	UserId   int64     `json:"userId"`
	UserName string    `json:"userName"`
	Action   string    `json:"action"` // check-in | check-out
	Time     time.Time `json:"time"`
}

// Result is the direct reply to the socket that asked for an operation.
type Result struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type BorrowedBook struct {
	LoanId    int64     `json:"loanId"`
	BookId    int64     `json:"bookId"`
	BookTitle string    `json:"bookTitle"`
	Author    string    `json:"author"`
	IssueDate time.Time `json:"issueDate"`
	DueDate   time.Time `json:"dueDate"`
}

type ReturnedBook struct {
	LoanId     int64           `json:"loanId"`
	BookId     int64           `json:"bookId"`
	BookTitle  string          `json:"bookTitle"`
	Author     string          `json:"author"`
	IssueDate  time.Time       `json:"issueDate"`
	DueDate    time.Time       `json:"dueDate"`
	ReturnDate time.Time       `json:"returnDate"`
	DaysLate   int             `json:"daysLate"`
	Fine       decimal.Decimal `json:"fine"`
	IsLate     bool            `json:"isLate"`
}

type ItemFailure struct {
	BookId  int64  `json:"bookId"`
	RfidTag string `json:"rfidTag,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BatchCompleted is published as books_borrowed or books_returned.
type BatchCompleted struct {
	UserId     int64            `json:"userId"`
	UserName   string           `json:"userName"`
	BooksCount int              `json:"booksCount"`
	TotalFine  *decimal.Decimal `json:"totalFine,omitempty"`
	Books      any              `json:"books"`
	Failed     []ItemFailure    `json:"failed,omitempty"`
}
