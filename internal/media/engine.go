// Package media implements the media-plane engine: ORTC-style transports on
// pion with explicit ICE/DTLS parameter exchange, plus producer/consumer
// RTP forwarding between them.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	// ErrTransportNotFound is returned for operations on unknown transports.
	ErrTransportNotFound = errors.New("transport not found")
	// ErrProducerNotFound is returned when consuming a producer that no
	// longer exists.
	ErrProducerNotFound = errors.New("producer not found")
	// ErrConsumerNotFound is returned when closing an unknown consumer.
	ErrConsumerNotFound = errors.New("consumer not found")
)

// TransportInfo is handed to the client after createTransport: everything it
// needs to run ICE/DTLS against this side.
type TransportInfo struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// RemoteParameters is the client half of the connect exchange.
type RemoteParameters struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// RTPParameters describes one encoding offered by a producing client.
type RTPParameters struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payloadType"`
	SSRC        uint32 `json:"ssrc"`
}

// RTPCapabilities is the consuming client's supported codec set.
type RTPCapabilities struct {
	MimeTypes []string `json:"mimeTypes"`
}

// ConsumerInfo describes a created consumer back to the client.
type ConsumerInfo struct {
	ID         string        `json:"id"`
	ProducerID string        `json:"producerId"`
	Kind       string        `json:"kind"`
	RTP        RTPParameters `json:"rtpParameters"`
}

type transport struct {
	id       string
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

type consumer struct {
	id          string
	producerID  string
	transportID string
	sender      *webrtc.RTPSender
	track       *webrtc.TrackLocalStaticRTP
}

// Engine owns all pion transports, producers and consumers for this
// instance. The coordinator talks to it through the signaling.MediaPlane
// interface and handles all room/session bookkeeping itself.
type Engine struct {
	api *webrtc.API
	ice []webrtc.ICEServer
	log *zap.Logger

	mu         sync.RWMutex
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

// NewEngine creates a media engine with the given STUN/TURN servers.
func NewEngine(log *zap.Logger, iceServers []webrtc.ICEServer) (*Engine, error) {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		ice:        iceServers,
		log:        log,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}, nil
}

// CreateTransport builds an ICE gatherer, ICE transport and DTLS transport,
// gathers candidates, and returns the local parameters for the client.
func (e *Engine) CreateTransport(ctx context.Context) (TransportInfo, error) {
	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.ice})
	if err != nil {
		return TransportInfo{}, fmt.Errorf("ice gatherer: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return TransportInfo{}, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return TransportInfo{}, ctx.Err()
	}

	iceTransport := e.api.NewICETransport(gatherer)
	dtlsTransport, err := e.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		return TransportInfo{}, fmt.Errorf("dtls transport: %w", err)
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtlsTransport.GetLocalParameters()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &transport{
		id:       uuid.New().String(),
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtlsTransport,
	}
	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	e.log.Debug("transport created", zap.String("transport_id", t.id), zap.Int("candidates", len(candidates)))
	return TransportInfo{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

// ConnectTransport starts ICE (controlled role) and DTLS with the client's
// parameters, finalizing the transport.
func (e *Engine) ConnectTransport(ctx context.Context, transportID string, remote RemoteParameters) error {
	t := e.getTransport(transportID)
	if t == nil {
		return ErrTransportNotFound
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remote.ICEParameters, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(remote.DTLSParameters); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

// Produce attaches an RTP receiver for one inbound media stream on the
// transport and starts the relay loop feeding that stream's consumers.
func (e *Engine) Produce(ctx context.Context, transportID, kind string, rtp RTPParameters) (string, error) {
	t := e.getTransport(transportID)
	if t == nil {
		return "", ErrTransportNotFound
	}
	codecType := webrtc.NewRTPCodecType(kind)
	receiver, err := e.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return "", fmt.Errorf("rtp receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(rtp.SSRC), PayloadType: webrtc.PayloadType(rtp.PayloadType)}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}

	p := &producer{
		id:          uuid.New().String(),
		transportID: transportID,
		kind:        kind,
		rtp:         rtp,
		track:       receiver.Track(),
		receiver:    receiver,
		closed:      make(chan struct{}),
		log:         e.log.With(zap.String("kind", kind)),
	}
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	go p.relay()
	e.log.Debug("producer created", zap.String("producer_id", p.id), zap.String("transport_id", transportID))
	return p.id, nil
}

// Consume creates an outbound track mirroring the producer's stream on the
// consuming transport. The producer must still exist; its owner may have
// left between notification and this call.
func (e *Engine) Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (ConsumerInfo, error) {
	t := e.getTransport(transportID)
	if t == nil {
		return ConsumerInfo{}, ErrTransportNotFound
	}
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return ConsumerInfo{}, ErrProducerNotFound
	}
	if len(caps.MimeTypes) > 0 && !supportsMime(caps.MimeTypes, p.rtp.MimeType) {
		return ConsumerInfo{}, fmt.Errorf("codec %s not in consumer capabilities", p.rtp.MimeType)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: p.rtp.MimeType, ClockRate: p.rtp.ClockRate, Channels: p.rtp.Channels},
		uuid.New().String(),
		producerID,
	)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("local track: %w", err)
	}
	sender, err := e.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("rtp sender: %w", err)
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return ConsumerInfo{}, fmt.Errorf("send: %w", err)
	}

	c := &consumer{
		id:          uuid.New().String(),
		producerID:  producerID,
		transportID: transportID,
		sender:      sender,
		track:       local,
	}
	p.attach(local)
	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	e.log.Debug("consumer created", zap.String("consumer_id", c.id), zap.String("producer_id", producerID))
	return ConsumerInfo{ID: c.id, ProducerID: producerID, Kind: p.kind, RTP: p.rtp}, nil
}

// CloseProducer stops the producer's relay loop and receiver.
func (e *Engine) CloseProducer(producerID string) error {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	if ok {
		delete(e.producers, producerID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrProducerNotFound
	}
	p.close()
	return nil
}

// CloseConsumer stops the consumer's sender and detaches its track.
func (e *Engine) CloseConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	var p *producer
	if ok {
		delete(e.consumers, consumerID)
		p = e.producers[c.producerID]
	}
	e.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}
	if p != nil {
		p.detach(c.track)
	}
	return c.sender.Stop()
}

// CloseTransport tears down the DTLS and ICE transports.
func (e *Engine) CloseTransport(transportID string) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if ok {
		delete(e.transports, transportID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrTransportNotFound
	}
	if err := t.dtls.Stop(); err != nil {
		e.log.Warn("dtls stop", zap.String("transport_id", transportID), zap.Error(err))
	}
	return t.ice.Stop()
}

func (e *Engine) getTransport(id string) *transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transports[id]
}

func supportsMime(mimeTypes []string, want string) bool {
	for _, m := range mimeTypes {
		if m == want {
			return true
		}
	}
	return false
}
