package ws

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/comm"
)

const writeWait = 10 * time.Second

var ErrUnknownSocket = errors.New("unknown socket")

// Relay forwards client requests to the circulation service.
type Relay interface {
	Publish(topic string, payload []byte) error
}

// Client is one UI websocket. gorilla allows a single concurrent writer, so
// every write goes through mu.
type Client struct {
	Id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type Ws struct {
	connMap sync.Map // socketId -> *Client
	Broker  Relay
}

func NewWs() *Ws {
	return &Ws{}
}

// SocketMessage validates a request from a web client and relays it, stamped
// with the client's socket id, to the circulation service.
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) error {
	switch message.Type {
	case comm.RequestFaceAuth:
		var payload comm.FaceMessage
		if err := comm.Unmarshal(message.Data, &payload); err != nil {
			return fmt.Errorf("malformed face_auth payload: %w", err)
		}
		if payload.UserId <= 0 || strings.TrimSpace(payload.Image) == "" {
			return errors.New("face_auth requires userId and image")
		}
	case comm.RequestBookScan:
		var payload comm.BookScanRequest
		if err := comm.Unmarshal(message.Data, &payload); err != nil {
			return fmt.Errorf("malformed book_scan payload: %w", err)
		}
		if payload.UserId <= 0 || strings.TrimSpace(payload.RfidTag) == "" {
			return errors.New("book_scan requires userId and rfidTag")
		}
	default:
		log.Warnf("unknown event received: %s", message.Type)
		return fmt.Errorf("unknown message type %q", message.Type)
	}

	return s.relay(socketId, message)
}

func (s *Ws) relay(socketId string, msg *comm.WSMessage) error {
	msg.SocketId = socketId

	bytes, err := comm.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to marshal WSMessage for NATS: %v", err)
		return err
	}

	if err := s.Broker.Publish(comm.TopicSocket, bytes); err != nil {
		log.Errorf("Failed to publish to NATS topic %s: %v", comm.TopicSocket, err)
		return errors.New("circulation service unreachable")
	}

	log.Debugf("relayed %s from socket %s to topic %s", msg.Type, socketId, comm.TopicSocket)
	return nil
}

func (s *Ws) StoreConnection(socketId string, conn *websocket.Conn) *Client {
	c := &Client{Id: socketId, conn: conn}
	s.connMap.Store(socketId, c)
	return c
}

func (s *Ws) GetConnection(socketId string) (*Client, bool) {
	c, ok := s.connMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return c.(*Client), true
}

func (s *Ws) HandleDisconnect(socketId string) {
	s.connMap.Delete(socketId)
	log.Infof("socket %s removed", socketId)
}

// Send writes data to a single socket.
func (s *Ws) Send(socketId string, data []byte) error {
	c, ok := s.GetConnection(socketId)
	if !ok {
		return ErrUnknownSocket
	}
	return c.write(data)
}

// Broadcast writes data to every connected socket and returns how many
// received it. A failed write drops that socket.
func (s *Ws) Broadcast(data []byte) int {
	sent := 0
	s.connMap.Range(func(key, value any) bool {
		c := value.(*Client)
		if err := c.write(data); err != nil {
			log.Warnf("dropping socket %s after failed write: %v", c.Id, err)
			c.conn.Close()
			s.connMap.Delete(key)
			return true
		}
		sent++
		return true
	})
	return sent
}

func (s *Ws) Count() int {
	n := 0
	s.connMap.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
