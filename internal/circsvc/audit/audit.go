// Package audit keeps a short-lived trail of every hardware scan and every
// device acknowledgment. Recording never blocks and never fails a scan.
package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	Collection = "scan_audit"

	KindCard = "card"
	KindBook = "book"
	KindFace = "face"
	KindAck  = "ack"

	queueSize    = 1024
	writeTimeout = 5 * time.Second
)

type Entry struct {
	Kind      string    `bson:"kind"`
	UID       string    `bson:"uid,omitempty"`
	Device    string    `bson:"device,omitempty"`
	UserID    int64     `bson:"user_id,omitempty"`
	Status    string    `bson:"status,omitempty"`
	Message   string    `bson:"message,omitempty"`
	At        time.Time `bson:"at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type Recorder interface {
	Record(e Entry)
}

// Nop discards everything. Used when MONGODB_URI is not set.
type Nop struct{}

func (Nop) Record(Entry) {}

// inserter is the part of *mongo.Collection the recorder writes through.
type inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoRecorder queues entries and writes them from a single goroutine
// started by Run. Entries arriving while the queue is full are dropped.
type MongoRecorder struct {
	coll      inserter
	retention time.Duration
	now       func() time.Time
	queue     chan Entry
}

func NewMongoRecorder(db *mongo.Database, retention time.Duration) *MongoRecorder {
	return newMongoRecorder(db.Collection(Collection), retention)
}

func newMongoRecorder(coll inserter, retention time.Duration) *MongoRecorder {
	return &MongoRecorder{
		coll:      coll,
		retention: retention,
		now:       time.Now,
		queue:     make(chan Entry, queueSize),
	}
}

func (r *MongoRecorder) Record(e Entry) {
	if e.At.IsZero() {
		e.At = r.now()
	}
	e.ExpiresAt = e.At.Add(r.retention)

	select {
	case r.queue <- e:
	default:
		log.Warnf("audit queue full, dropping %s entry for %s", e.Kind, e.UID)
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *MongoRecorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *MongoRecorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := r.coll.InsertOne(ctx, e); err != nil {
		log.Errorf("audit write failed for %s %s: %s", e.Kind, e.UID, err)
	}
}
