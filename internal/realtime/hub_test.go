package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePubSub struct {
	mu        sync.Mutex
	published []string // room codes
	subs      int
	cancels   int
}

func (f *fakePubSub) PublishRoomEvent(roomCode, _ string, _ []byte, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, roomCode)
	return nil
}

func (f *fakePubSub) SubscribeRoom(_ string, _ func(event string, payload []byte, exceptSocketIDs []string)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	return func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}, nil
}

func testClient(socketID string) *Client {
	return &Client{SocketID: socketID, send: make(chan WSMessage, 8)}
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestBroadcastSkipsExcludedSocket(t *testing.T) {
	ps := &fakePubSub{}
	h := NewHub(zap.NewNop(), ps, ps)
	c1, c2 := testClient("s1"), testClient("s2")
	h.Register(c1)
	h.Register(c2)
	h.JoinRoom("AB12CD", "s1")
	h.JoinRoom("AB12CD", "s2")

	h.BroadcastToRoom("AB12CD", "userJoined", map[string]string{"userName": "u1"}, "s1")

	assert.Empty(t, drain(c1))
	got := drain(c2)
	require.Len(t, got, 1)
	assert.Equal(t, "userJoined", got[0].Event)

	// The event also went out over the wire for other instances.
	assert.Equal(t, []string{"AB12CD"}, ps.published)
}

func TestSendToSocket(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	c := testClient("s1")
	h.Register(c)

	h.SendToSocket("s1", "joinApproved", map[string]string{"roomCode": "AB12CD"})
	h.SendToSocket("nope", "joinApproved", nil)

	got := drain(c)
	require.Len(t, got, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))
	assert.Equal(t, "AB12CD", payload["roomCode"])
}

func TestRoomSubscriptionLifecycle(t *testing.T) {
	ps := &fakePubSub{}
	h := NewHub(zap.NewNop(), ps, ps)
	c1, c2 := testClient("s1"), testClient("s2")
	h.Register(c1)
	h.Register(c2)

	h.JoinRoom("AB12CD", "s1")
	h.JoinRoom("AB12CD", "s2")
	assert.Equal(t, 1, ps.subs, "one subscription per room, not per member")
	assert.Equal(t, 2, h.MemberCount("AB12CD"))

	h.LeaveRoom("AB12CD", "s1")
	assert.Equal(t, 0, ps.cancels)

	h.LeaveRoom("AB12CD", "s2")
	assert.Equal(t, 1, ps.cancels, "last member out cancels the subscription")
	assert.Equal(t, 0, h.MemberCount("AB12CD"))
}

func TestUnregisterCleansMembership(t *testing.T) {
	ps := &fakePubSub{}
	h := NewHub(zap.NewNop(), ps, ps)
	c := testClient("s1")
	h.Register(c)
	h.JoinRoom("AB12CD", "s1")

	h.Unregister(c)

	assert.Equal(t, 0, h.MemberCount("AB12CD"))
	assert.Equal(t, 1, ps.cancels)
	h.SendToSocket("s1", "ping", nil)
	assert.Empty(t, drain(c))
}

func TestJoinRoomUnknownSocketIgnored(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	h.JoinRoom("AB12CD", "ghost")
	assert.Equal(t, 0, h.MemberCount("AB12CD"))
}

func TestFullSendBufferDoesNotBlockBroadcast(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	slow := &Client{SocketID: "s1", send: make(chan WSMessage)} // no buffer, never read
	h.Register(slow)
	h.JoinRoom("AB12CD", "s1")

	done := make(chan struct{})
	go func() {
		h.BroadcastToRoom("AB12CD", "liveCaption", map[string]string{"text": "hi"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
