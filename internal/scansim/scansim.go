// Package scansim feeds card and book tags onto the ingestion subjects, from
// the command line or from a serial RFID reader.
package scansim

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/comm"
)

// DefaultDebounce swallows the repeats a reader emits while a tag rests on it.
const DefaultDebounce = 2 * time.Second

type Publisher interface {
	Publish(subj string, data []byte) error
}

// TopicFor maps a tag kind to its ingestion subject.
func TopicFor(kind string) (string, error) {
	switch kind {
	case "card":
		return comm.TopicCardScan, nil
	case "book":
		return comm.TopicBookScan, nil
	}
	return "", fmt.Errorf("unknown tag kind %q, want card or book", kind)
}

// NormalizeUID upper-cases a reader line and drops the separators some
// readers put between bytes ("04:a3:1f" and "04 A3 1F" are both 04A31F).
func NormalizeUID(line string) string {
	r := strings.NewReplacer(":", "", " ", "", "-", "", "\t", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(line)))
}

func PublishScan(pub Publisher, topic, uid, device string) error {
	uid = NormalizeUID(uid)
	if uid == "" {
		return errors.New("empty uid")
	}
	data, err := comm.Marshal(comm.ScanMessage{UID: uid, Device: device})
	if err != nil {
		return err
	}
	return pub.Publish(topic, data)
}

// PublishFace submits a camera capture for userID. Raw image bytes are
// base64 encoded the way kiosk cameras send them.
func PublishFace(pub Publisher, userID int64, image []byte, device string) error {
	if userID <= 0 {
		return errors.New("user id must be positive")
	}
	if len(image) == 0 {
		return errors.New("empty image")
	}
	data, err := comm.Marshal(comm.FaceMessage{
		UserId: userID,
		Image:  base64.StdEncoding.EncodeToString(image),
		Device: device,
	})
	if err != nil {
		return err
	}
	return pub.Publish(comm.TopicFaceScan, data)
}

// Bridge forwards reader lines as scans until r ends or ctx is cancelled.
type Bridge struct {
	Pub      Publisher
	Topic    string
	Device   string
	Debounce time.Duration
	Now      func() time.Time

	last   string
	lastAt time.Time
}

// Run returns how many scans were published. A cancelled context is not an
// error; the caller is expected to close r to unblock a pending read.
func (b *Bridge) Run(ctx context.Context, r io.Reader) (int, error) {
	if b.Now == nil {
		b.Now = time.Now
	}

	sent := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return sent, nil
		}

		uid := NormalizeUID(scanner.Text())
		if uid == "" || b.repeat(uid) {
			continue
		}

		if err := PublishScan(b.Pub, b.Topic, uid, b.Device); err != nil {
			log.Errorf("unable to publish %s on %s: %s", uid, b.Topic, err)
			continue
		}
		sent++
		log.Infof("%s -> %s", uid, b.Topic)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return sent, fmt.Errorf("read reader: %w", err)
	}
	return sent, nil
}

func (b *Bridge) repeat(uid string) bool {
	now := b.Now()
	if uid == b.last && now.Sub(b.lastAt) < b.Debounce {
		b.lastAt = now
		return true
	}
	b.last, b.lastAt = uid, now
	return false
}

// FormatAck renders a device acknowledgment for a terminal.
func FormatAck(a comm.DeviceAck) string {
	var parts []string
	parts = append(parts, strings.ToUpper(a.Status))
	if a.Device != "" {
		parts = append(parts, "["+a.Device+"]")
	}
	parts = append(parts, a.Message)
	if a.User != "" {
		parts = append(parts, "user="+a.User)
	}
	if a.Book != "" {
		parts = append(parts, fmt.Sprintf("book=%q", a.Book))
	}
	if a.Available != nil {
		parts = append(parts, fmt.Sprintf("available=%d", *a.Available))
	}
	return strings.Join(parts, " ")
}
