package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
)

// StreamHandle wraps one TCP connection to a peer, satisfying Handle.
type StreamHandle struct {
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex
}

func newStreamHandle(conn net.Conn) *StreamHandle {
	return &StreamHandle{conn: conn, w: bufio.NewWriter(conn)}
}

func (h *StreamHandle) Transport() string { return FamilyStream }

func (h *StreamHandle) Send(frame interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := WriteFrame(h.w, frame); err != nil {
		return err
	}
	return h.w.Flush()
}

func (h *StreamHandle) Close() error {
	return h.conn.Close()
}

// StreamTransport is the directly-reachable, server-style transport
// family from spec.md §4.E: a plain TCP listener accepting inbound
// connections, plus outbound dials to published listeningAddress values.
type StreamTransport struct {
	mu        sync.Mutex
	listener  net.Listener
	localID   id.NodeID
	conns     map[id.NodeID]*StreamHandle
	events    chan<- PeerEvent
	log       log.Logger
	closeOnce sync.Once
	stop      chan struct{}
}

// NewStreamTransport starts listening on addr and returns a transport
// that will emit PeerEvent values onto events as connections come and go.
func NewStreamTransport(addr string, localID id.NodeID, events chan<- PeerEvent) (*StreamTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.New(errs.TransportRefused, "listen failed", err)
	}
	t := &StreamTransport{
		listener: ln,
		localID:  localID,
		conns:    make(map[id.NodeID]*StreamHandle),
		events:   events,
		log:      log.NewModuleLogger(log.Transport),
		stop:     make(chan struct{}),
	}
	go t.acceptLoop()
	t.log.Info("stream transport listening", "addr", ln.Addr().String())
	return t, nil
}

func (t *StreamTransport) Family() string { return FamilyStream }

func (t *StreamTransport) Addr() net.Addr { return t.listener.Addr() }

func (t *StreamTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				t.log.Debug("accept error", "err", err)
				return
			}
		}
		go t.serve(conn, "")
	}
}

// Connect dials an outbound stream connection to locator (a host:port
// listeningAddress). Unlike an inbound connection, no Hello is awaited
// and no EventPeerConnected is emitted: the caller sends the Hello and
// admits the returned handle itself, and inbound frames go straight to
// readLoop.
func (t *StreamTransport) Connect(peerID id.NodeID, locator string) (Handle, error) {
	conn, err := net.Dial("tcp", locator)
	if err != nil {
		return nil, classify(err)
	}
	h := newStreamHandle(conn)
	t.register(peerID, h)
	go t.readLoop(bufio.NewReader(conn), h, peerID)
	return h, nil
}

func (t *StreamTransport) IsConnected(peerID id.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peerID]
	return ok
}

// serve handles an inbound connection: the remote end must speak first
// with a Hello frame identifying its NodeID before anything else is
// accepted, per spec.md §4.E handshake requirement.
func (t *StreamTransport) serve(conn net.Conn, expect id.NodeID) {
	r := bufio.NewReader(conn)
	raw, err := ReadFrame(r)
	if err != nil {
		conn.Close()
		return
	}
	kind, err := FrameType(raw)
	if err != nil || kind != "hello" {
		conn.Close()
		return
	}
	var hello Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		conn.Close()
		return
	}
	peerID, err := id.FromHexExact(hello.NodeID)
	if err != nil {
		conn.Close()
		return
	}
	h := newStreamHandle(conn)
	t.register(peerID, h)
	t.emit(PeerEvent{Kind: EventPeerConnected, PeerID: peerID, Handle: h, Metadata: hello.Metadata})
	t.readLoop(r, h, peerID)
}

func (t *StreamTransport) readLoop(br *bufio.Reader, h *StreamHandle, peerID id.NodeID) {
	defer t.unregister(peerID, h)
	for {
		raw, err := ReadFrame(br)
		if err != nil {
			return
		}
		kind, err := FrameType(raw)
		if err != nil {
			continue
		}
		switch kind {
		case "ping":
			var p Ping
			if json.Unmarshal(raw, &p) == nil {
				h.Send(Pong{Type: "pong", RequestID: p.RequestID})
			}
		case "pong":
			// consumed by the keep-alive tracker in manager.go via the
			// message event; forwarded on for RPC correlation too.
			t.emit(PeerEvent{Kind: EventMessage, PeerID: peerID, Handle: h, Message: raw})
		default:
			t.emit(PeerEvent{Kind: EventMessage, PeerID: peerID, Handle: h, Message: raw})
		}
	}
}

func (t *StreamTransport) register(peerID id.NodeID, h *StreamHandle) {
	t.mu.Lock()
	t.conns[peerID] = h
	t.mu.Unlock()
}

func (t *StreamTransport) unregister(peerID id.NodeID, h *StreamHandle) {
	t.mu.Lock()
	if cur, ok := t.conns[peerID]; ok && cur == h {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
	t.emit(PeerEvent{Kind: EventPeerDisconnected, PeerID: peerID})
}

func (t *StreamTransport) emit(ev PeerEvent) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("dropping transport event, channel full", "kind", ev.Kind)
	}
}

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() { close(t.stop) })
	return t.listener.Close()
}
