package transport

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
)

// Signaller is the opaque offer/answer/ICE-candidate relay the datagram
// transport needs to establish a peer connection: in this overlay that
// relay is the bootstrap/bridge-node channel, not a well-known server.
// DatagramTransport never interprets the SDP payload itself — it hands
// signalling messages to this interface the same way the SDP offer/answer
// strings pass through the relay in the reference media-streaming example.
type Signaller interface {
	SendSignal(to id.NodeID, kind string, payload string) error
}

// signalEnvelope mirrors the "sdp-offer" / "sdp-answer" / "ice" message
// shapes relayed between peers, SDP/ICE JSON carried as an opaque string
// so the relay never needs to parse it.
type signalEnvelope struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// DatagramHandle wraps one WebRTC data channel, satisfying Handle.
type DatagramHandle struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
	mu sync.Mutex
}

func (h *DatagramHandle) Transport() string { return FamilyDatagram }

func (h *DatagramHandle) Send(frame interface{}) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dc.Send(buf)
}

func (h *DatagramHandle) Close() error {
	if h.dc != nil {
		h.dc.Close()
	}
	return h.pc.Close()
}

// DatagramTransport is the NAT-restricted, client-style transport family
// from spec.md §4.E: peers behind restrictive NATs connect over WebRTC
// data channels, with offer/answer/ICE candidates relayed by whatever
// Signaller the caller supplies (a bootstrap bridge-node in practice).
type DatagramTransport struct {
	mu     sync.Mutex
	localID id.NodeID
	signal Signaller
	conns  map[id.NodeID]*DatagramHandle
	events chan<- PeerEvent
	log    log.Logger
	config webrtc.Configuration
}

// NewDatagramTransport constructs a transport that relays signalling
// through signaller and emits lifecycle events onto events.
func NewDatagramTransport(localID id.NodeID, signaller Signaller, events chan<- PeerEvent) *DatagramTransport {
	return &DatagramTransport{
		localID: localID,
		signal:  signaller,
		conns:   make(map[id.NodeID]*DatagramHandle),
		events:  events,
		log:     log.NewModuleLogger(log.Transport),
		config:  webrtc.Configuration{},
	}
}

func (t *DatagramTransport) Family() string { return FamilyDatagram }

func (t *DatagramTransport) IsConnected(peerID id.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peerID]
	return ok
}

// Connect initiates an outbound WebRTC offer toward peerID. locator is
// unused for the datagram family — reachability is negotiated entirely
// through the signalling relay, never a dialable address.
func (t *DatagramTransport) Connect(peerID id.NodeID, locator string) (Handle, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, errs.New(errs.TransportRefused, "create peer connection failed", err)
	}
	dc, err := pc.CreateDataChannel("overlay", nil)
	if err != nil {
		pc.Close()
		return nil, errs.New(errs.TransportRefused, "create data channel failed", err)
	}
	h := &DatagramHandle{pc: pc, dc: dc}
	t.wireDataChannel(h, peerID)
	t.wireICE(pc, peerID)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, errs.New(errs.TransportRefused, "create offer failed", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, errs.New(errs.TransportRefused, "set local description failed", err)
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		pc.Close()
		return nil, err
	}
	t.register(peerID, h)
	if err := t.signal.SendSignal(peerID, "sdp-offer", string(offerJSON)); err != nil {
		t.unregister(peerID, h)
		pc.Close()
		return nil, classify(err)
	}
	return h, nil
}

// HandleSignal is invoked by the owner of the Signaller relay when a
// signalling message addressed to the local node arrives: an SDP offer
// (inbound connection request), answer, or ICE candidate.
func (t *DatagramTransport) HandleSignal(from id.NodeID, kind, payload string) error {
	switch kind {
	case "sdp-offer":
		return t.handleOffer(from, payload)
	case "sdp-answer":
		return t.handleAnswer(from, payload)
	case "ice":
		return t.handleICE(from, payload)
	}
	return errs.New(errs.Unknown, "unrecognized signal kind: "+kind, nil)
}

func (t *DatagramTransport) handleOffer(from id.NodeID, payload string) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &offer); err != nil {
		return errs.New(errs.InvalidIDFormat, "malformed sdp offer", err)
	}
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return errs.New(errs.TransportRefused, "create peer connection failed", err)
	}
	h := &DatagramHandle{pc: pc}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		h.mu.Lock()
		h.dc = dc
		h.mu.Unlock()
		t.wireDataChannelMessages(h, dc, from)
		t.emit(PeerEvent{Kind: EventPeerConnected, PeerID: from, Handle: h})
	})
	t.wireICE(pc, from)
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return errs.New(errs.TransportRefused, "set remote description failed", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return errs.New(errs.TransportRefused, "create answer failed", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return errs.New(errs.TransportRefused, "set local description failed", err)
	}
	answerJSON, err := json.Marshal(answer)
	if err != nil {
		pc.Close()
		return err
	}
	t.register(from, h)
	return classify(t.signal.SendSignal(from, "sdp-answer", string(answerJSON)))
}

func (t *DatagramTransport) handleAnswer(from id.NodeID, payload string) error {
	t.mu.Lock()
	h, ok := t.conns[from]
	t.mu.Unlock()
	if !ok {
		return errs.New(errs.Unknown, "sdp answer for unknown peer", nil)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &answer); err != nil {
		return errs.New(errs.InvalidIDFormat, "malformed sdp answer", err)
	}
	return h.pc.SetRemoteDescription(answer)
}

func (t *DatagramTransport) handleICE(from id.NodeID, payload string) error {
	t.mu.Lock()
	h, ok := t.conns[from]
	t.mu.Unlock()
	if !ok {
		return nil // candidate arrived before/after the connection window; drop it
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &cand); err != nil {
		return errs.New(errs.InvalidIDFormat, "malformed ice candidate", err)
	}
	return h.pc.AddICECandidate(cand)
}

func (t *DatagramTransport) wireICE(pc *webrtc.PeerConnection, peerID id.NodeID) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		t.signal.SendSignal(peerID, "ice", string(payload))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateDisconnected {
			t.mu.Lock()
			h, ok := t.conns[peerID]
			delete(t.conns, peerID)
			t.mu.Unlock()
			if ok {
				_ = h
				t.emit(PeerEvent{Kind: EventPeerDisconnected, PeerID: peerID})
			}
		}
	})
}

func (t *DatagramTransport) wireDataChannel(h *DatagramHandle, peerID id.NodeID) {
	h.dc.OnOpen(func() {
		t.emit(PeerEvent{Kind: EventPeerConnected, PeerID: peerID, Handle: h})
	})
	t.wireDataChannelMessages(h, h.dc, peerID)
}

func (t *DatagramTransport) wireDataChannelMessages(h *DatagramHandle, dc *webrtc.DataChannel, peerID id.NodeID) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(PeerEvent{Kind: EventMessage, PeerID: peerID, Handle: h, Message: json.RawMessage(msg.Data)})
	})
}

func (t *DatagramTransport) register(peerID id.NodeID, h *DatagramHandle) {
	t.mu.Lock()
	t.conns[peerID] = h
	t.mu.Unlock()
}

func (t *DatagramTransport) unregister(peerID id.NodeID, h *DatagramHandle) {
	t.mu.Lock()
	if cur, ok := t.conns[peerID]; ok && cur == h {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
}

func (t *DatagramTransport) emit(ev PeerEvent) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("dropping transport event, channel full", "kind", ev.Kind)
	}
}
