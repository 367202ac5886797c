package headsocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PeerFactory constructs a Peer for a freshly accepted socket. It runs on
// the accept goroutine and may perform synchronous protocol setup (such
// as the WebSocket opening handshake) before returning. Returning a nil
// Peer and a non-nil error rejects the connection: the socket is closed
// and the allocated PeerID is rolled back so ids stay dense modulo
// rejection.
type PeerFactory func(conn net.Conn, addr net.Addr, id PeerID, l *Listener) (*Peer, error)

const (
	defaultInitialScratch = 1 << 20 // 1 MiB, per spec.md §4.3
	defaultMaxScratch     = 64 << 20
	defaultMaxFrame       = frameLimit
	defaultPollInterval   = 5 * time.Millisecond
)

// Listener accepts TCP connections, turns each into a Peer via its
// PeerFactory, and tracks the live peer set until Stop drains it.
// Grounded on original_source's TcpServer (src/headsocket.h): an accept
// goroutine, a reaper goroutine, and a monotonic id counter replace the
// accept/disconnect std::thread pair and a LockableValue<vector>.
type Listener struct {
	ln net.Listener

	factory      PeerFactory
	onConnect    func(*Peer)
	onDisconnect func(*Peer)
	onMessage    OnMessageFunc
	log          *slog.Logger

	initialScratch int
	maxScratch     int
	maxFrame       int

	running atomic.Bool

	peersMu sync.Mutex
	peers   map[PeerID]*Peer
	nextID  uint64

	reapSignal chan struct{}
	reapQuit   chan struct{}
	reapDone   chan struct{}
	acceptDone chan struct{}
}

// ListenerOption configures a Listener at construction time.
type ListenerOption func(*Listener)

// WithLogger sets the structured logger used for listener and peer
// diagnostics. A nil logger (the default) discards all output.
func WithLogger(log *slog.Logger) ListenerOption {
	return func(l *Listener) { l.log = log }
}

// WithPeerFactory overrides the default WebSocket peer factory, letting a
// host install a raw TCP session (RawPeerFactory, backed by
// PassthroughCodec) or a custom codec in its place (spec.md §4.4).
func WithPeerFactory(f PeerFactory) ListenerOption {
	return func(l *Listener) { l.factory = f }
}

// WithOnConnect registers a hook invoked after a peer joins the live set.
func WithOnConnect(f func(*Peer)) ListenerOption {
	return func(l *Listener) { l.onConnect = f }
}

// WithOnDisconnect registers a hook invoked just before a peer is
// destroyed by the reaper.
func WithOnDisconnect(f func(*Peer)) ListenerOption {
	return func(l *Listener) { l.onDisconnect = f }
}

// WithOnMessage registers the hook the default WebSocket codec invokes for
// each completed Text or Binary message. A custom PeerFactory that builds
// its own Peer is free to ignore this and wire Peer.onMsg itself.
func WithOnMessage(f OnMessageFunc) ListenerOption {
	return func(l *Listener) { l.onMessage = f }
}

// WithMaxScratchSize caps how large a peer's read scratch buffer
// may grow while parsing one frame header, per spec.md §9's buffer-growth
// design note. Exceeding it is treated as a protocol fault.
func WithMaxScratchSize(n int) ListenerOption {
	return func(l *Listener) { l.maxScratch = n }
}

// WithMaxFramePayload caps the payload size of frames this listener's
// peers emit. The default is 128 KiB per spec.md §4.5.
func WithMaxFramePayload(n int) ListenerOption {
	return func(l *Listener) { l.maxFrame = n }
}

// NewListener opens a TCP listening socket on port (all interfaces) and
// starts the accept and reaper goroutines. If bind or listen fails, the
// returned Listener is not running — IsRunning reports false and no
// workers start — matching spec.md §4.4's "no exception escapes
// construction" contract.
func NewListener(port int, opts ...ListenerOption) *Listener {
	l := &Listener{
		peers:          make(map[PeerID]*Peer),
		log:            slog.New(discardHandler{}),
		initialScratch: defaultInitialScratch,
		maxScratch:     defaultMaxScratch,
		maxFrame:       defaultMaxFrame,
		reapSignal:     make(chan struct{}, 1),
		reapQuit:       make(chan struct{}),
		reapDone:       make(chan struct{}),
		acceptDone:     make(chan struct{}),
	}
	l.factory = l.defaultPeerFactory
	for _, opt := range opts {
		opt(l)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		l.log.Warn("listen failed", "port", port, "error", err)
		close(l.acceptDone)
		close(l.reapDone)
		return l
	}

	l.ln = ln
	l.running.Store(true)
	go l.acceptLoop()
	go l.reapLoop()
	return l
}

// IsRunning reports whether the listener is accepting connections.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// Addr returns the listening socket's address, or nil if bind failed.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Disconnect requests teardown of one of this listener's peers. It is a
// thin host-facing wrapper over Peer.Disconnect, except once the listener
// has Stopped: the peer set has already drained by then, so Disconnect
// reports ErrNotListening instead of touching a peer the reaper may have
// already torn down.
func (l *Listener) Disconnect(p *Peer) error {
	if !l.running.Load() {
		return ErrNotListening
	}
	p.Disconnect()
	return nil
}

// Stop flips running to false, closes the listening socket to unblock
// Accept, waits for the live peer set to drain, then joins the accept and
// reaper goroutines. It is idempotent.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}

	if l.ln != nil {
		l.ln.Close()
	}
	<-l.acceptDone

	for l.peerCount() > 0 {
		select {
		case l.reapSignal <- struct{}{}:
		default:
		}
		time.Sleep(defaultPollInterval)
	}

	close(l.reapQuit)
	select {
	case l.reapSignal <- struct{}{}:
	default:
	}
	<-l.reapDone
}

func (l *Listener) peerCount() int {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	return len(l.peers)
}

// nextPeerID allocates the next strictly increasing, nonzero id.
func (l *Listener) nextPeerID() PeerID {
	id := atomic.AddUint64(&l.nextID, 1)
	if id == 0 {
		id = atomic.AddUint64(&l.nextID, 1)
	}
	return PeerID(id)
}

// acceptLoop blocks on Accept, builds a Peer through the factory, and
// inserts it into the live set. It exits once the listening socket is
// closed during Stop.
func (l *Listener) acceptLoop() {
	defer close(l.acceptDone)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		if !l.running.Load() {
			conn.Close()
			return
		}

		id := l.nextPeerID()
		peer, err := l.factory(conn, conn.RemoteAddr(), id, l)
		if err != nil {
			l.log.Debug("peer rejected", "id", id, "error", err)
			conn.Close()
			atomic.AddUint64(&l.nextID, ^uint64(0)) // roll back the allocation
			continue
		}

		l.peersMu.Lock()
		l.peers[id] = peer
		l.peersMu.Unlock()

		if l.onConnect != nil {
			l.onConnect(peer)
		}
		peer.startWorkers()
	}
}

// reapLoop waits for a wakeup, then destroys every peer whose
// close-requested flag is set: it removes the peer from the live set, joins
// both of its workers, and only then fires the on-disconnect hook.
func (l *Listener) reapLoop() {
	defer close(l.reapDone)

	for {
		select {
		case <-l.reapSignal:
		case <-l.reapQuit:
			return
		}

		l.peersMu.Lock()
		var reap []*Peer
		for id, peer := range l.peers {
			if !peer.closeRequested.Load() {
				continue
			}
			delete(l.peers, id)
			peer.listener = nil
			reap = append(reap, peer)
		}
		l.peersMu.Unlock()

		for _, peer := range reap {
			peer.join()
			if l.onDisconnect != nil {
				l.onDisconnect(peer)
			}
		}

		select {
		case <-l.reapQuit:
			return
		default:
		}
	}
}

// notifyDisconnect is the only path by which a peer marks itself for
// reaping (spec.md §4.4). It is safe to call multiple times; Peer.Disconnect
// guards against redundant notification with isDisconnecting.
func (l *Listener) notifyDisconnect(p *Peer) {
	select {
	case l.reapSignal <- struct{}{}:
	default:
	}
}

// defaultPeerFactory performs the WebSocket opening handshake
// synchronously, then wires up a Peer with the WebSocket Codec. Installed
// unless overridden by WithPeerFactory.
func (l *Listener) defaultPeerFactory(conn net.Conn, addr net.Addr, id PeerID, listener *Listener) (*Peer, error) {
	if err := performHandshake(conn); err != nil {
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	return listener.newPeer(conn, addr, id, newWebSocketCodec()), nil
}

// RawPeerFactory skips the WebSocket opening handshake entirely and wires
// up a Peer with passthroughCodec, so the listener runs as a plain TCP
// byte-stream server instead of an RFC 6455 one. Install it with
// WithPeerFactory. Grounded on spec.md §9's framing of the base TCP
// session and the WebSocket session as variants of one capability set
// rather than a class hierarchy — this is that base variant.
func RawPeerFactory(conn net.Conn, addr net.Addr, id PeerID, l *Listener) (*Peer, error) {
	return l.newPeer(conn, addr, id, newPassthroughCodec()), nil
}

// newPeer builds a Peer wired to codec, sharing every construction detail
// between defaultPeerFactory and RawPeerFactory.
func (l *Listener) newPeer(conn net.Conn, addr net.Addr, id PeerID, codec Codec) *Peer {
	return &Peer{
		id:             id,
		conn:           conn,
		addr:           addr,
		listener:       l,
		codec:          codec,
		onMsg:          l.onMessage,
		log:            l.log,
		inbound:        NewFramedBuffer(),
		outbound:       NewFramedBuffer(),
		readerDone:     make(chan struct{}),
		writerDone:     make(chan struct{}),
		initialScratch: l.initialScratch,
		maxScratch:     l.maxScratch,
		maxFrame:       l.maxFrame,
	}
}

// discardHandler is a slog.Handler that drops every record, used as the
// zero-configuration default so the library never logs unless a host
// opts in with WithLogger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }
