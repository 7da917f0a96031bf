package broker

import (
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/comm"
)

// Publisher is the part of *nats.Conn the broker publishes through.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Events publishes UI events on library.events for socketsvc to fan out.
type Events struct {
	pub Publisher
}

func NewEvents(pub Publisher) *Events {
	return &Events{pub: pub}
}

// Broadcast sends an event to every UI subscriber.
func (e *Events) Broadcast(eventType string, payload any) {
	e.send(eventType, payload, "")
}

// Reply sends an event to the single websocket identified by socketId.
func (e *Events) Reply(eventType string, payload any, socketId string) {
	e.send(eventType, payload, socketId)
}

func (e *Events) send(eventType string, payload any, socketId string) {
	msg, err := comm.NewMessage(eventType, payload, socketId)
	if err != nil {
		log.Errorf("error [Events] unable to marshal %s event: %s", eventType, err)
		return
	}
	if err := e.pub.Publish(comm.TopicEvents, msg); err != nil {
		log.Errorf("Error publishing %s to topic %s: %s", eventType, comm.TopicEvents, err)
	}
}
