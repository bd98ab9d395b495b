package captions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lingo-meet/backend/internal/rooms"
)

type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeTranslator) Translate(_ context.Context, text, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return "", errors.New("upstream unavailable")
	}
	return strings.ToUpper(text), nil
}

type captionEvent struct {
	Room    string
	Payload map[string]interface{}
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []captionEvent
}

func (b *captureBroadcaster) BroadcastToRoom(roomCode, event string, payload interface{}, _ ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, captionEvent{Room: roomCode, Payload: payload.(map[string]interface{})})
}

func (b *captureBroadcaster) all() []captionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]captionEvent, len(b.events))
	copy(out, b.events)
	return out
}

func recordingRoom(code string) *rooms.State {
	st := &rooms.State{Room: rooms.Room{Code: code, AdminID: uuid.New(), IsActive: true}}
	st.IsRecording = true
	st.Captions.SourceLang = "en"
	st.Captions.TargetLang = "es"
	return st
}

func TestFlushTranslatesBufferedFragments(t *testing.T) {
	reg := rooms.NewRegistry()
	reg.Put(recordingRoom("AB12CD"))
	tr := &fakeTranslator{}
	bc := &captureBroadcaster{}
	m := NewManager(reg, tr, bc, zap.NewNop(), 30*time.Millisecond, time.Minute, time.Second)

	m.OnTranscript("AB12CD", "hello")
	m.OnTranscript("AB12CD", "world")

	require.Eventually(t, func() bool { return len(bc.all()) == 1 }, time.Second, 5*time.Millisecond)
	ev := bc.all()[0]
	assert.Equal(t, "AB12CD", ev.Room)
	assert.Equal(t, "HELLO WORLD", ev.Payload["text"])
	assert.Equal(t, "en", ev.Payload["sourceLang"])
	assert.Equal(t, "es", ev.Payload["targetLang"])

	snap, _ := reg.Snapshot("AB12CD")
	assert.Empty(t, snap.Captions.Buffer)
}

func TestStaleGenerationIsNoOp(t *testing.T) {
	reg := rooms.NewRegistry()
	reg.Put(recordingRoom("AB12CD"))
	bc := &captureBroadcaster{}
	m := NewManager(reg, &fakeTranslator{}, bc, zap.NewNop(), time.Minute, time.Minute, time.Second)

	m.OnTranscript("AB12CD", "first")
	snap, _ := reg.Snapshot("AB12CD")
	staleGen := snap.Captions.Generation
	m.OnTranscript("AB12CD", "second")

	// A callback scheduled before the second fragment must not fire.
	m.flush("AB12CD", staleGen)
	m.clear("AB12CD", staleGen)
	assert.Empty(t, bc.all())

	snap, _ = reg.Snapshot("AB12CD")
	assert.Equal(t, "first second", snap.Captions.Buffer)
}

func TestClearBlanksAfterSilence(t *testing.T) {
	reg := rooms.NewRegistry()
	reg.Put(recordingRoom("AB12CD"))
	bc := &captureBroadcaster{}
	m := NewManager(reg, &fakeTranslator{}, bc, zap.NewNop(), 20*time.Millisecond, 60*time.Millisecond, time.Second)

	m.OnTranscript("AB12CD", "hello")

	require.Eventually(t, func() bool { return len(bc.all()) == 2 }, time.Second, 5*time.Millisecond)
	events := bc.all()
	assert.Equal(t, "HELLO", events[0].Payload["text"])
	assert.Equal(t, "", events[1].Payload["text"])
}

func TestTranslationFailureFallsBackToOriginal(t *testing.T) {
	reg := rooms.NewRegistry()
	reg.Put(recordingRoom("AB12CD"))
	tr := &fakeTranslator{fail: true}
	bc := &captureBroadcaster{}
	m := NewManager(reg, tr, bc, zap.NewNop(), 20*time.Millisecond, time.Minute, time.Second)

	m.OnTranscript("AB12CD", "hola")

	require.Eventually(t, func() bool { return len(bc.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hola", bc.all()[0].Payload["text"])
}

func TestNoTranslatorPassesTextThrough(t *testing.T) {
	reg := rooms.NewRegistry()
	reg.Put(recordingRoom("AB12CD"))
	bc := &captureBroadcaster{}
	m := NewManager(reg, nil, bc, zap.NewNop(), 20*time.Millisecond, time.Minute, time.Second)

	m.OnTranscript("AB12CD", "bonjour")

	require.Eventually(t, func() bool { return len(bc.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bonjour", bc.all()[0].Payload["text"])
}

func TestTranscriptIgnoredWhenNotRecording(t *testing.T) {
	reg := rooms.NewRegistry()
	st := recordingRoom("AB12CD")
	st.IsRecording = false
	reg.Put(st)
	bc := &captureBroadcaster{}
	m := NewManager(reg, &fakeTranslator{}, bc, zap.NewNop(), 10*time.Millisecond, 20*time.Millisecond, time.Second)

	m.OnTranscript("AB12CD", "should be dropped")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, bc.all())
	snap, _ := reg.Snapshot("AB12CD")
	assert.Empty(t, snap.Captions.Buffer)
}

func TestTranscriptForUnknownRoomIsIgnored(t *testing.T) {
	reg := rooms.NewRegistry()
	bc := &captureBroadcaster{}
	m := NewManager(reg, &fakeTranslator{}, bc, zap.NewNop(), 10*time.Millisecond, 20*time.Millisecond, time.Second)

	m.OnTranscript("ZZZZZZ", "nobody home")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, bc.all())
}
