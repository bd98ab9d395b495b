package sessions

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsPending(t *testing.T) {
	s := New("sock-1", uuid.New(), "u1")
	assert.Equal(t, StatusPending, s.Status)
	assert.NotNil(t, s.Producers)
	assert.NotNil(t, s.Consumers)
	assert.False(t, s.JoinedAt.IsZero())
}

func TestProducerBelongsToOneSocket(t *testing.T) {
	reg := NewRegistry()
	reg.Put(New("sock-1", uuid.New(), "u1"))
	reg.Put(New("sock-2", uuid.New(), "u2"))

	require.True(t, reg.AddProducer("sock-1", "prod-a", "audio"))
	assert.True(t, reg.AddProducer("sock-1", "prod-a", "audio"), "re-register by owner is fine")
	assert.False(t, reg.AddProducer("sock-2", "prod-a", "audio"), "another socket must not steal the id")

	owner, ok := reg.ProducerOwner("prod-a")
	require.True(t, ok)
	assert.Equal(t, "sock-1", owner)
}

func TestDeleteClearsProducerIndex(t *testing.T) {
	reg := NewRegistry()
	reg.Put(New("sock-1", uuid.New(), "u1"))
	require.True(t, reg.AddProducer("sock-1", "prod-a", "audio"))
	require.True(t, reg.AddProducer("sock-1", "prod-b", "video"))

	removed, ok := reg.Delete("sock-1")
	require.True(t, ok)
	assert.Len(t, removed.Producers, 2)

	_, ok = reg.ProducerOwner("prod-a")
	assert.False(t, ok)
	_, ok = reg.ProducerOwner("prod-b")
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

func TestFindByUserScopedToRoom(t *testing.T) {
	reg := NewRegistry()
	userID := uuid.New()
	s := New("sock-1", userID, "u1")
	s.RoomCode = "AB12CD"
	reg.Put(s)

	found, ok := reg.FindByUser("AB12CD", userID)
	require.True(t, ok)
	assert.Equal(t, "sock-1", found.SocketID)

	_, ok = reg.FindByUser("ZZ9999", userID)
	assert.False(t, ok)
}

func TestInRoom(t *testing.T) {
	reg := NewRegistry()
	for _, sock := range []string{"sock-1", "sock-2"} {
		s := New(sock, uuid.New(), sock)
		s.RoomCode = "AB12CD"
		reg.Put(s)
	}
	other := New("sock-3", uuid.New(), "u3")
	other.RoomCode = "ZZ9999"
	reg.Put(other)

	assert.Len(t, reg.InRoom("AB12CD"), 2)
	assert.Len(t, reg.InRoom("ZZ9999"), 1)
	assert.Empty(t, reg.InRoom("NOPE00"))
}

func TestSnapshotIsolatesMediaMaps(t *testing.T) {
	reg := NewRegistry()
	reg.Put(New("sock-1", uuid.New(), "u1"))
	require.True(t, reg.AddProducer("sock-1", "prod-a", "audio"))
	require.True(t, reg.AddConsumer("sock-1", "cons-a", "prod-x"))

	snap, ok := reg.Snapshot("sock-1")
	require.True(t, ok)
	snap.Producers["injected"] = "video"
	delete(snap.Consumers, "cons-a")

	fresh, _ := reg.Snapshot("sock-1")
	assert.Len(t, fresh.Producers, 1)
	assert.Equal(t, "prod-x", fresh.Consumers["cons-a"])
}

func TestTransportFor(t *testing.T) {
	s := New("sock-1", uuid.New(), "u1")
	assert.Nil(t, s.TransportFor("send"))

	s.SendTransport = &Transport{ID: "t-send"}
	s.RecvTransport = &Transport{ID: "t-recv"}
	require.NotNil(t, s.TransportFor("send"))
	assert.Equal(t, "t-send", s.TransportFor("send").ID)
	assert.Equal(t, "t-recv", s.TransportFor("recv").ID)
}
