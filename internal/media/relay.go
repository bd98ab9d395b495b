package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// producer is one inbound stream and the set of consumer tracks it feeds.
type producer struct {
	id          string
	transportID string
	kind        string
	rtp         RTPParameters
	receiver    *webrtc.RTPReceiver
	track       *webrtc.TrackRemote

	mu     sync.Mutex
	locals []*webrtc.TrackLocalStaticRTP
	closed chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func (p *producer) attach(local *webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	p.locals = append(p.locals, local)
	p.mu.Unlock()
}

func (p *producer) detach(local *webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	for i, l := range p.locals {
		if l == local {
			p.locals = append(p.locals[:i], p.locals[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *producer) close() {
	p.once.Do(func() {
		close(p.closed)
		if err := p.receiver.Stop(); err != nil {
			p.log.Debug("receiver stop", zap.Error(err))
		}
	})
}

// relay reads inbound RTP and forwards each packet to every attached
// consumer track. Copies the local slice under lock, then writes without
// holding it so one slow consumer cannot block the rest.
func (p *producer) relay() {
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := p.track.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}

		p.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(p.locals))
		copy(locals, p.locals)
		p.mu.Unlock()

		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}
