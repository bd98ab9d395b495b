// Package captions buffers live transcript fragments per room and drives
// the flush/clear timers behind live subtitles.
package captions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lingo-meet/backend/internal/rooms"
)

// Translator is the external translation collaborator. Calls are bounded by
// the context deadline the manager sets.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Broadcaster is the slice of the hub the manager needs.
type Broadcaster interface {
	BroadcastToRoom(roomCode, event string, payload interface{}, exceptSocketIDs ...string)
}

// Manager owns the per-room caption timers.
//
// Every incoming fragment bumps the room's generation counter and
// reschedules both timers. A timer callback captures the generation at
// schedule time and is a no-op if the room has moved on, so a superseded
// flush can never overwrite newer buffered text.
type Manager struct {
	rooms      *rooms.Registry
	translator Translator
	bcast      Broadcaster
	log        *zap.Logger

	endpointDelay time.Duration // silence before buffered text is flushed
	clearDelay    time.Duration // silence before captions are blanked
	callTimeout   time.Duration // ceiling for one translation round-trip
}

// NewManager creates a caption manager. Zero durations get defaults:
// 2s endpoint, 8s clear, 5m translation ceiling.
func NewManager(roomReg *rooms.Registry, translator Translator, bcast Broadcaster,
	log *zap.Logger, endpointDelay, clearDelay, callTimeout time.Duration) *Manager {
	if endpointDelay <= 0 {
		endpointDelay = 2 * time.Second
	}
	if clearDelay <= 0 {
		clearDelay = 8 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Minute
	}
	return &Manager{
		rooms:         roomReg,
		translator:    translator,
		bcast:         bcast,
		log:           log,
		endpointDelay: endpointDelay,
		clearDelay:    clearDelay,
		callTimeout:   callTimeout,
	}
}

// OnTranscript appends a fragment to the room's buffer and (re)schedules the
// endpoint and clear timers under the new generation.
func (m *Manager) OnTranscript(roomCode, text string) {
	var gen uint64
	m.rooms.Update(roomCode, func(st *rooms.State) {
		if !st.IsRecording {
			return
		}
		if st.Captions.Buffer != "" {
			st.Captions.Buffer += " "
		}
		st.Captions.Buffer += text
		st.Captions.Generation++
		gen = st.Captions.Generation

		if st.Captions.EndpointTimer != nil {
			st.Captions.EndpointTimer.Stop()
		}
		if st.Captions.ClearTimer != nil {
			st.Captions.ClearTimer.Stop()
		}
		st.Captions.EndpointTimer = time.AfterFunc(m.endpointDelay, func() { m.flush(roomCode, gen) })
		st.Captions.ClearTimer = time.AfterFunc(m.clearDelay, func() { m.clear(roomCode, gen) })
	})
}

// flush sends the buffered text through the translator and broadcasts the
// result. Stale generations are no-ops; translation failures are logged and
// swallowed so captioning can never take a room down.
func (m *Manager) flush(roomCode string, gen uint64) {
	var text, sourceLang, targetLang string
	ok := m.rooms.Update(roomCode, func(st *rooms.State) {
		if st.Captions.Generation != gen {
			return
		}
		text = st.Captions.Buffer
		sourceLang = st.Captions.SourceLang
		targetLang = st.Captions.TargetLang
		st.Captions.Buffer = ""
	})
	if !ok || text == "" {
		return
	}

	translated := text
	if m.translator != nil && targetLang != "" && targetLang != sourceLang {
		ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
		defer cancel()
		out, err := m.translator.Translate(ctx, text, sourceLang, targetLang)
		if err != nil {
			m.log.Warn("caption translation failed",
				zap.String("room", roomCode),
				zap.String("target_lang", targetLang),
				zap.Error(err),
			)
		} else {
			translated = out
		}
	}

	m.bcast.BroadcastToRoom(roomCode, "liveCaption", map[string]interface{}{
		"text":       translated,
		"sourceLang": sourceLang,
		"targetLang": targetLang,
	})
}

// clear blanks stale captions after a longer silence. Generation-guarded
// like flush.
func (m *Manager) clear(roomCode string, gen uint64) {
	stale := false
	ok := m.rooms.Update(roomCode, func(st *rooms.State) {
		if st.Captions.Generation != gen {
			stale = true
			return
		}
		st.Captions.Buffer = ""
	})
	if !ok || stale {
		return
	}
	m.bcast.BroadcastToRoom(roomCode, "liveCaption", map[string]interface{}{"text": ""})
}
