package ws

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/library-services/internal/comm"
)

type fakeRelay struct {
	mu     sync.Mutex
	topics []string
	msgs   []comm.WSMessage
	err    error
}

func (f *fakeRelay) Publish(topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	var m comm.WSMessage
	if err := comm.Unmarshal(payload, &m); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.msgs = append(f.msgs, m)
	return nil
}

func message(t *testing.T, msgType string, data any) *comm.WSMessage {
	t.Helper()
	raw, err := comm.Marshal(data)
	require.NoError(t, err)
	return &comm.WSMessage{Type: msgType, Data: raw}
}

func TestSocketMessageRelaysWithSocketId(t *testing.T) {
	relay := &fakeRelay{}
	s := NewWs()
	s.Broker = relay

	err := s.SocketMessage("sock-1", message(t, comm.RequestFaceAuth, comm.FaceMessage{UserId: 1, Image: "aGk="}))
	require.NoError(t, err)
	err = s.SocketMessage("sock-2", message(t, comm.RequestBookScan, comm.BookScanRequest{UserId: 1, RfidTag: "TAG-10"}))
	require.NoError(t, err)

	require.Len(t, relay.msgs, 2)
	assert.Equal(t, []string{comm.TopicSocket, comm.TopicSocket}, relay.topics)
	assert.Equal(t, "sock-1", relay.msgs[0].SocketId)
	assert.Equal(t, comm.RequestBookScan, relay.msgs[1].Type)
	assert.Equal(t, "sock-2", relay.msgs[1].SocketId)

	var scan comm.BookScanRequest
	require.NoError(t, comm.Unmarshal(relay.msgs[1].Data, &scan))
	assert.Equal(t, "TAG-10", scan.RfidTag)
}

func TestSocketMessageRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		msg  *comm.WSMessage
	}{
		{"unknown type", message(t, "offer", map[string]string{})},
		{"face without image", message(t, comm.RequestFaceAuth, comm.FaceMessage{UserId: 1})},
		{"face without user", message(t, comm.RequestFaceAuth, comm.FaceMessage{Image: "aGk="})},
		{"book without tag", message(t, comm.RequestBookScan, comm.BookScanRequest{UserId: 1, RfidTag: "  "})},
		{"malformed data", &comm.WSMessage{Type: comm.RequestBookScan, Data: []byte(`"nope"`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &fakeRelay{}
			s := NewWs()
			s.Broker = relay

			assert.Error(t, s.SocketMessage("sock-1", tt.msg))
			assert.Empty(t, relay.msgs)
		})
	}
}

func TestSocketMessageRelayDown(t *testing.T) {
	s := NewWs()
	s.Broker = &fakeRelay{err: errors.New("nats: connection closed")}

	err := s.SocketMessage("sock-1", message(t, comm.RequestBookScan, comm.BookScanRequest{UserId: 1, RfidTag: "TAG-10"}))
	assert.EqualError(t, err, "circulation service unreachable")
}

func TestSendUnknownSocket(t *testing.T) {
	s := NewWs()
	assert.ErrorIs(t, s.Send("missing", []byte("{}")), ErrUnknownSocket)
	assert.Equal(t, 0, s.Broadcast([]byte("{}")))
	assert.Equal(t, 0, s.Count())
}
