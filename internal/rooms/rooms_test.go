package rooms

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := RandomCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q in %s", r, code)
		}
		seen[code] = true
	}
	// 50 draws from a ~2B space colliding would point at broken randomness.
	assert.Len(t, seen, 50)
}

func TestAddParticipantReplacesSameUser(t *testing.T) {
	userID := uuid.New()
	var st State
	st.AddParticipant(ParticipantSummary{UserID: userID, UserName: "u1", Status: "pending"})
	st.AddParticipant(ParticipantSummary{UserID: uuid.New(), UserName: "u2", Status: "active"})
	st.AddParticipant(ParticipantSummary{UserID: userID, UserName: "u1", Status: "active"})

	require.Len(t, st.Participants, 2)
	assert.Equal(t, "active", st.Participants[0].Status)
}

func TestRemoveParticipant(t *testing.T) {
	userID := uuid.New()
	var st State
	st.AddParticipant(ParticipantSummary{UserID: userID})

	assert.True(t, st.RemoveParticipant(userID))
	assert.Empty(t, st.Participants)
	assert.False(t, st.RemoveParticipant(userID))
}

func TestRegistrySnapshotIsIsolated(t *testing.T) {
	reg := NewRegistry()
	st := &State{Room: *NewRoom("AB12CD", uuid.New(), "admin")}
	st.AddParticipant(ParticipantSummary{UserID: uuid.New(), UserName: "u1"})
	reg.Put(st)

	snap, ok := reg.Snapshot("AB12CD")
	require.True(t, ok)
	snap.Participants[0].UserName = "mutated"
	snap.IsRecording = true

	fresh, _ := reg.Snapshot("AB12CD")
	assert.Equal(t, "u1", fresh.Participants[0].UserName)
	assert.False(t, fresh.IsRecording)
}

func TestRegistryUpdateAndDelete(t *testing.T) {
	reg := NewRegistry()
	reg.Put(&State{Room: *NewRoom("AB12CD", uuid.New(), "admin")})

	assert.True(t, reg.Update("AB12CD", func(st *State) { st.IsRecording = true }))
	snap, _ := reg.Snapshot("AB12CD")
	assert.True(t, snap.IsRecording)

	assert.False(t, reg.Update("ZZZZZZ", func(st *State) {}))

	removed, ok := reg.Delete("AB12CD")
	require.True(t, ok)
	assert.Equal(t, "AB12CD", removed.Code)
	_, ok = reg.Snapshot("AB12CD")
	assert.False(t, ok)
	_, ok = reg.Delete("AB12CD")
	assert.False(t, ok)
}

func TestRegistryCodesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, code := range []string{"ZZ9999", "AA1111", "MM5555"} {
		reg.Put(&State{Room: *NewRoom(code, uuid.New(), "admin")})
	}
	assert.Equal(t, []string{"AA1111", "MM5555", "ZZ9999"}, reg.Codes())
	assert.Equal(t, 3, reg.Len())
}
