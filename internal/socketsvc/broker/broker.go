package broker

import (
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/comm"
)

type publisher interface {
	Publish(subj string, data []byte) error
}

// Broker carries circulation events from NATS to the websockets and client
// requests back.
type Broker struct {
	Conn      *nats.Conn
	pub       publisher
	Send      func(socketId string, data []byte) error
	Broadcast func(data []byte) int
}

func NewBroker(conn *nats.Conn, fncSend func(string, []byte) error, fncBroadcast func([]byte) int) *Broker {
	return &Broker{
		Conn:      conn,
		pub:       conn,
		Send:      fncSend,
		Broadcast: fncBroadcast,
	}
}

// Subscribe consumes events from the circulation service. Every socketsvc
// instance must see every event, so this is a plain subscription.
func (b *Broker) Subscribe(topic string) (*nats.Subscription, error) {
	return b.Conn.Subscribe(topic, func(m *nats.Msg) {
		b.Deliver(m.Data)
	})
}

// Publish relays a client request to the circulation service.
func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.pub.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}

// Deliver routes one event envelope. A socket id makes it a direct reply;
// everything else goes to every UI client.
func (b *Broker) Deliver(data []byte) {
	message := &comm.WSMessage{}
	if err := comm.Unmarshal(data, message); err != nil {
		log.Errorf("error [Broker] malformed event: %s", err)
		return
	}
	if message.Type == "" {
		log.Error("error [Broker] event without type")
		return
	}

	if message.SocketId != "" {
		if err := b.Send(message.SocketId, data); err != nil {
			log.Warnf("unable to deliver %s to socket %s: %v", message.Type, message.SocketId, err)
		}
		return
	}

	n := b.Broadcast(data)
	log.Debugf("event %s broadcast to %d socket(s)", message.Type, n)
}
