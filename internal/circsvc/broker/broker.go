// Package broker connects the circulation core to NATS. Hardware scans and
// websocket requests arrive on subjects, are queued per routing key and
// handled by a fixed pool of workers; outcomes go back to the device and
// to the UI.
package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/circsvc/apperr"
	"github.com/avvvet/library-services/internal/circsvc/audit"
	"github.com/avvvet/library-services/internal/circsvc/models"
	"github.com/avvvet/library-services/internal/circsvc/service"
	"github.com/avvvet/library-services/internal/circsvc/session"
	"github.com/avvvet/library-services/internal/comm"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	DefaultWorkers   = 8
	DefaultQueueSize = 256

	jobTimeout = 30 * time.Second
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("broker stopped")
)

// Engine is what the broker needs from the coordination core.
type Engine interface {
	OpenSession(ctx context.Context, cardID, device string) (session.Session, error)
	SubmitFace(ctx context.Context, userID int64, image string) (*service.AttendanceResult, error)
	SubmitBookScan(ctx context.Context, userID int64, rfidTag string) (*service.BookScanResult, error)
	LookupBook(ctx context.Context, rfidTag string) (*models.Book, error)
	SessionForDevice(device string) (session.Session, bool)
	SessionOf(userID int64) (session.Session, bool)
}

type jobKind int

const (
	cardJob jobKind = iota
	bookJob
	faceJob
	socketFaceJob
	socketBookJob
)

type job struct {
	kind     jobKind
	key      string
	userID   int64 // set when the message names its user
	scan     comm.ScanMessage
	face     comm.FaceMessage
	book     comm.BookScanRequest
	socketId string
}

type Broker struct {
	pub    Publisher
	events *Events
	engine Engine
	audit  audit.Recorder

	mu      sync.RWMutex
	stopped bool
	shards  []chan job
	wg      sync.WaitGroup
	subs    []*nats.Subscription

	timeout time.Duration
}

func NewBroker(pub Publisher, events *Events, engine Engine, rec audit.Recorder, workers, queueSize int) *Broker {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if rec == nil {
		rec = audit.Nop{}
	}

	b := &Broker{
		pub:     pub,
		events:  events,
		engine:  engine,
		audit:   rec,
		shards:  make([]chan job, workers),
		timeout: jobTimeout,
	}
	for i := range b.shards {
		b.shards[i] = make(chan job, queueSize)
	}
	return b
}

// Start launches one worker per shard.
func (b *Broker) Start() {
	for _, ch := range b.shards {
		b.wg.Add(1)
		go b.worker(ch)
	}
	log.Infof("broker started with %d workers", len(b.shards))
}

// Stop unsubscribes, lets the workers finish what is queued and waits for them.
func (b *Broker) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("unable to unsubscribe %s: %s", sub.Subject, err)
		}
	}

	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		for _, ch := range b.shards {
			close(ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Subscribe consumes hardware scans and socket service requests.
func (b *Broker) Subscribe(nc *nats.Conn) error {
	for _, topic := range []string{comm.TopicCardScan, comm.TopicBookScan, comm.TopicFaceScan, comm.TopicSocket} {
		sub, err := nc.Subscribe(topic, b.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		b.subs = append(b.subs, sub)
		log.Infof("subscribed to %s", topic)
	}
	return nil
}

func (b *Broker) handleMessage(msg *nats.Msg) {
	if err := b.Dispatch(msg.Subject, msg.Data); err != nil {
		log.Warnf("message on %s not dispatched: %s", msg.Subject, err)
	}
}

// Dispatch decodes a message and queues it on its shard. It never blocks:
// when the shard is full the message is dropped and the sender told so.
func (b *Broker) Dispatch(subject string, data []byte) error {
	j, err := decode(subject, data)
	if err != nil {
		return err
	}
	if j.userID != 0 {
		j.key = b.userLane(j.userID, j.key)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}

	select {
	case b.shards[shardOf(j.key, len(b.shards))] <- j:
		return nil
	default:
		b.reject(j, apperr.E(apperr.ServerError, "system busy, scan again"))
		return ErrQueueFull
	}
}

func decode(subject string, data []byte) (job, error) {
	switch subject {
	case comm.TopicCardScan, comm.TopicBookScan:
		var m comm.ScanMessage
		if err := comm.Unmarshal(data, &m); err != nil {
			return job{}, fmt.Errorf("decode scan: %w", err)
		}
		m.UID = strings.TrimSpace(m.UID)
		if m.UID == "" {
			return job{}, fmt.Errorf("scan on %s without uid", subject)
		}
		kind := cardJob
		if subject == comm.TopicBookScan {
			kind = bookJob
		}
		return job{kind: kind, key: laneOf(m.Device), scan: m}, nil

	case comm.TopicFaceScan:
		var m comm.FaceMessage
		if err := comm.Unmarshal(data, &m); err != nil {
			return job{}, fmt.Errorf("decode face capture: %w", err)
		}
		return job{kind: faceJob, key: laneOf(m.Device), userID: m.UserId, face: m}, nil

	case comm.TopicSocket:
		var ws comm.WSMessage
		if err := comm.Unmarshal(data, &ws); err != nil {
			return job{}, fmt.Errorf("decode socket message: %w", err)
		}
		switch ws.Type {
		case comm.RequestFaceAuth:
			var m comm.FaceMessage
			if err := comm.Unmarshal(ws.Data, &m); err != nil {
				return job{}, fmt.Errorf("decode face_auth: %w", err)
			}
			return job{kind: socketFaceJob, key: laneOf(""), userID: m.UserId, face: m, socketId: ws.SocketId}, nil
		case comm.RequestBookScan:
			var m comm.BookScanRequest
			if err := comm.Unmarshal(ws.Data, &m); err != nil {
				return job{}, fmt.Errorf("decode book_scan: %w", err)
			}
			return job{kind: socketBookJob, key: laneOf(""), userID: m.UserId, book: m, socketId: ws.SocketId}, nil
		default:
			return job{}, fmt.Errorf("unknown socket message type %q", ws.Type)
		}
	}
	return job{}, fmt.Errorf("unexpected subject %s", subject)
}

// laneOf is the ordering key of everything a reader sends. Readers that do
// not report a device id share one lane, so their scans keep arrival order.
func laneOf(device string) string {
	return "device:" + device
}

// userLane keeps a job naming its user on the lane of the user's session,
// behind the card tap and book scans of that session.
func (b *Broker) userLane(userID int64, fallback string) string {
	if sess, ok := b.engine.SessionOf(userID); ok {
		return laneOf(sess.Device)
	}
	return fallback
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (b *Broker) worker(ch <-chan job) {
	defer b.wg.Done()
	for j := range ch {
		b.process(j)
	}
}

func (b *Broker) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	switch j.kind {
	case cardJob:
		b.handleCardScan(ctx, j.scan)
	case bookJob:
		b.handleBookScan(ctx, j.scan)
	case faceJob:
		b.handleFace(ctx, j.face, "")
	case socketFaceJob:
		b.handleFace(ctx, j.face, j.socketId)
	case socketBookJob:
		b.handleSocketBookScan(ctx, j.book, j.socketId)
	}
}

// reject answers a message that will not be processed.
func (b *Broker) reject(j job, err error) {
	switch j.kind {
	case cardJob:
		b.ack(comm.DeviceAck{Status: StatusError, Device: j.scan.Device, CardId: j.scan.UID, Message: apperr.Terse(apperr.KindOf(err))})
	case bookJob:
		b.ack(comm.DeviceAck{Status: StatusError, Device: j.scan.Device, RfidTag: j.scan.UID, Message: apperr.Terse(apperr.KindOf(err))})
	case faceJob:
		b.ack(comm.DeviceAck{Status: StatusError, Device: j.face.Device, UserId: j.face.UserId, Message: apperr.Terse(apperr.KindOf(err))})
	case socketFaceJob:
		b.events.Reply(comm.EventFaceAuthResult, failure(err), j.socketId)
	case socketBookJob:
		b.events.Reply(comm.EventBookScanResult, failure(err), j.socketId)
	}
}

func (b *Broker) handleCardScan(ctx context.Context, m comm.ScanMessage) {
	b.audit.Record(audit.Entry{Kind: audit.KindCard, UID: m.UID, Device: m.Device})

	sess, err := b.engine.OpenSession(ctx, m.UID, m.Device)
	if err != nil {
		log.Infof("card %s rejected: %s", m.UID, err)
		b.ack(comm.DeviceAck{
			Status:  StatusError,
			Device:  m.Device,
			CardId:  m.UID,
			Message: apperr.Terse(apperr.KindOf(err)),
		})
		return
	}

	b.ack(comm.DeviceAck{
		Status:   StatusSuccess,
		Device:   m.Device,
		CardId:   m.UID,
		User:     sess.UserName,
		UserId:   sess.UserID,
		ScanType: string(sess.Purpose),
		Message:  "User found successfully",
	})
}

// handleBookScan runs the scan against the circulation session that owns
// the reader. Without one the tag is only looked up and announced.
func (b *Broker) handleBookScan(ctx context.Context, m comm.ScanMessage) {
	b.audit.Record(audit.Entry{Kind: audit.KindBook, UID: m.UID, Device: m.Device})

	if sess, ok := b.engine.SessionForDevice(m.Device); ok {
		res, err := b.engine.SubmitBookScan(ctx, sess.UserID, m.UID)
		if err != nil {
			b.ack(comm.DeviceAck{
				Status:  StatusError,
				Device:  m.Device,
				RfidTag: m.UID,
				UserId:  sess.UserID,
				Message: apperr.Terse(apperr.KindOf(err)),
			})
			return
		}

		available := res.Book.Available
		b.ack(comm.DeviceAck{
			Status:    StatusSuccess,
			Device:    m.Device,
			RfidTag:   m.UID,
			User:      res.UserName,
			UserId:    res.UserID,
			Book:      res.Book.Title,
			BookId:    res.Book.ID,
			Author:    res.Book.Author,
			Available: &available,
			Action:    res.Action,
			Message:   actionMessage(res.Action),
		})
		return
	}

	book, err := b.engine.LookupBook(ctx, m.UID)
	if err != nil {
		b.ack(comm.DeviceAck{
			Status:  StatusError,
			Device:  m.Device,
			RfidTag: m.UID,
			Message: apperr.Terse(apperr.KindOf(err)),
		})
		return
	}

	available := book.Available
	b.ack(comm.DeviceAck{
		Status:    StatusSuccess,
		Device:    m.Device,
		RfidTag:   m.UID,
		Book:      book.Title,
		BookId:    book.ID,
		Author:    book.Author,
		Available: &available,
		Message:   "Book found successfully",
	})
}

// handleFace serves both kiosk cameras and websocket clients. A camera gets
// a device ack; a websocket gets a face_auth_result reply.
func (b *Broker) handleFace(ctx context.Context, m comm.FaceMessage, socketId string) {
	b.audit.Record(audit.Entry{Kind: audit.KindFace, UserID: m.UserId, Device: m.Device})

	res, err := b.engine.SubmitFace(ctx, m.UserId, m.Image)

	if socketId != "" {
		if err != nil {
			b.events.Reply(comm.EventFaceAuthResult, failure(err), socketId)
			return
		}
		b.events.Reply(comm.EventFaceAuthResult, comm.Result{
			Success: true,
			Message: fmt.Sprintf("%s %s", res.UserName, res.Action),
			Action:  string(res.Action),
			Data: comm.AttendanceUpdate{
				UserId:   res.UserID,
				UserName: res.UserName,
				Action:   string(res.Action),
				Time:     res.Time,
			},
		}, socketId)
		return
	}

	if err != nil {
		b.ack(comm.DeviceAck{
			Status:  StatusError,
			Device:  m.Device,
			UserId:  m.UserId,
			Message: apperr.Terse(apperr.KindOf(err)),
		})
		return
	}
	b.ack(comm.DeviceAck{
		Status:  StatusSuccess,
		Device:  m.Device,
		User:    res.UserName,
		UserId:  res.UserID,
		Action:  string(res.Action),
		Message: string(res.Action) + " successful",
	})
}

func (b *Broker) handleSocketBookScan(ctx context.Context, m comm.BookScanRequest, socketId string) {
	res, err := b.engine.SubmitBookScan(ctx, m.UserId, m.RfidTag)
	if err != nil {
		b.events.Reply(comm.EventBookScanResult, failure(err), socketId)
		return
	}

	b.events.Reply(comm.EventBookScanResult, comm.Result{
		Success: true,
		Message: actionMessage(res.Action),
		Action:  res.Action,
		Data: comm.BookProcessed{
			UserId:    res.UserID,
			UserName:  res.UserName,
			BookId:    res.Book.ID,
			BookTitle: res.Book.Title,
			Action:    res.Action,
		},
	}, socketId)
}

// ack publishes a device acknowledgment on library.response.
func (b *Broker) ack(a comm.DeviceAck) {
	b.audit.Record(audit.Entry{
		Kind:    audit.KindAck,
		UID:     a.CardId + a.RfidTag,
		Device:  a.Device,
		UserID:  a.UserId,
		Status:  a.Status,
		Message: a.Message,
	})

	payload, err := comm.Marshal(a)
	if err != nil {
		log.Errorf("error [ack] unable to marshal device ack: %s", err)
		return
	}
	if err := b.pub.Publish(comm.TopicDeviceResponse, payload); err != nil {
		log.Errorf("Error publishing to topic %s: %s", comm.TopicDeviceResponse, err)
	}
}

func failure(err error) comm.Result {
	return comm.Result{
		Success: false,
		Kind:    string(apperr.KindOf(err)),
		Message: apperr.Message(err),
	}
}

func actionMessage(action string) string {
	switch action {
	case service.ActionBorrow:
		return "Book borrowed"
	case service.ActionReturn:
		return "Book returned"
	}
	return "Book processed"
}
