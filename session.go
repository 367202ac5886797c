package headsocket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
)

// PeerID uniquely identifies a peer within one Listener's lifetime.
// Allocation is strictly increasing and never zero; see spec.md §3.
type PeerID uint64

// OnMessageFunc is invoked by the reader worker when an inbound message
// completes. Returning true tells the reader the host has consumed the
// payload directly and the inbound Block may be discarded; returning
// false leaves it queued for Peer.Peek / Peer.Pop.
type OnMessageFunc func(p *Peer, opcode Opcode, payload []byte) bool

// Codec turns bytes between the wire and a Peer's framed buffers. It is
// the capability-set seam described in spec.md §9: "the base TCP session
// and the WebSocket session are variants of a capability set, not a class
// hierarchy" — expressed here as a small interface rather than
// inheritance.
type Codec interface {
	// Decode consumes bytes from scratch[:n], staging complete inbound
	// blocks on p.inbound as frames finish and invoking p's OnMessage hook
	// for completed Text/Binary messages. It returns the number of bytes
	// consumed, 0 to request more data (the reader grows its scratch
	// buffer if it's already full), or a non-nil error to signal a
	// protocol fault that terminates the reader.
	Decode(p *Peer, scratch []byte) (consumed int, err error)
	// Encode writes the next piece of outbound data into scratch (capacity
	// len(scratch)) and returns how many bytes are ready to write to the
	// socket. Each call covers at most one outbound block (the WebSocket
	// codec emits one frame per call); the writer calls it again until it
	// returns 0. 0 means nothing is ready yet.
	Encode(p *Peer, scratch []byte) int
}

// Peer is one accepted connection: an owned socket, the two framed
// staging buffers, and the reader/writer goroutines that move bytes
// between them. Construction is the Listener's job; a Peer never outlives
// the reaper destroying it after both of its workers have exited.
type Peer struct {
	id   PeerID
	conn net.Conn
	addr net.Addr

	// listener is a non-owning back-reference, cleared by the reaper once
	// this peer is removed from the live set (spec.md §9).
	listener *Listener
	codec    Codec
	onMsg    OnMessageFunc
	log      *slog.Logger

	inbound  *FramedBuffer
	outbound *FramedBuffer

	closeRequested  atomic.Bool
	isDisconnecting atomic.Bool

	readerDone chan struct{}
	writerDone chan struct{}

	initialScratch int
	maxScratch     int
	maxFrame       int
}

// ID returns the peer's allocated identifier.
func (p *Peer) ID() PeerID { return p.id }

// RemoteAddr returns the socket's remote address.
func (p *Peer) RemoteAddr() net.Addr { return p.addr }

// Push appends a complete outbound block carrying opcode and notifies the
// writer. It returns ErrClosed if the peer has already disconnected.
func (p *Peer) Push(payload []byte, opcode Opcode) error {
	if p.closeRequested.Load() {
		return ErrClosed
	}
	if err := p.outbound.BeginBlock(opcode); err != nil {
		return err
	}
	p.outbound.Write(payload)
	p.outbound.EndBlock()
	return nil
}

// PushText appends a complete UTF-8 text outbound block.
func (p *Peer) PushText(text string) error {
	return p.Push([]byte(text), OpcodeText)
}

// Peek reports the opcode and length of the next completed inbound block,
// without consuming it.
func (p *Peer) Peek() (opcode Opcode, length int, ok bool) {
	return p.inbound.Peek()
}

// Pop drains up to len(dst) bytes of the head inbound block.
func (p *Peer) Pop(dst []byte) int {
	return p.inbound.Pop(dst)
}

// Disconnect requests the peer's teardown: it sets close-requested, closes
// the socket (which unblocks any in-flight read/write), and notifies the
// listener to reap this peer once both workers exit. It is idempotent —
// only the first caller performs the notification.
func (p *Peer) Disconnect() {
	p.closeRequested.Store(true)
	p.conn.Close()
	p.outbound.Close()

	if p.isDisconnecting.CompareAndSwap(false, true) {
		if l := p.listener; l != nil {
			l.notifyDisconnect(p)
		}
	}
}

// quiesced reports whether both workers have exited.
func (p *Peer) quiesced() bool {
	select {
	case <-p.readerDone:
	default:
		return false
	}
	select {
	case <-p.writerDone:
	default:
		return false
	}
	return true
}

// join blocks until both workers have exited.
func (p *Peer) join() {
	<-p.readerDone
	<-p.writerDone
}

// startWorkers launches the reader and writer goroutines. Called once,
// after any synchronous protocol setup (e.g. the WebSocket handshake) has
// already completed on the socket.
func (p *Peer) startWorkers() {
	go p.readLoop()
	go p.writeLoop()
}

// readLoop owns a growable scratch buffer and repeatedly reads from the
// socket, handing bytes to the codec's Decode step. Grounded on
// original_source's TcpClient::readThread (src/headsocket.h): grow the
// scratch on a zero-consumption decode, shift consumed bytes out
// otherwise, and terminate on a socket error or a protocol fault.
func (p *Peer) readLoop() {
	defer close(p.readerDone)

	scratch := make([]byte, p.initialScratch)
	bufN := 0

	for {
		if bufN == len(scratch) {
			grown, err := p.growScratch(scratch)
			if err != nil {
				p.log.Warn("read scratch exhausted", "peer", p.id, "error", err)
				p.failAndDisconnect()
				return
			}
			scratch = grown
		}

		n, err := p.conn.Read(scratch[bufN:])
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				p.log.Debug("read error", "peer", p.id, "error", err)
			}
			p.failAndDisconnect()
			return
		}
		bufN += n

		for {
			consumed, decErr := p.codec.Decode(p, scratch[:bufN])
			if decErr != nil {
				p.log.Warn("protocol fault", "peer", p.id, "error", decErr)
				p.failAndDisconnect()
				return
			}
			if consumed == 0 {
				break
			}
			bufN -= consumed
			copy(scratch, scratch[consumed:consumed+bufN])
		}

		if p.closeRequested.Load() {
			p.failAndDisconnect()
			return
		}
	}
}

func (p *Peer) growScratch(scratch []byte) ([]byte, error) {
	next := len(scratch) * 2
	if next > p.maxScratch {
		return nil, fmt.Errorf("%w: wanted %d, max %d", ErrBufferExhausted, next, p.maxScratch)
	}
	grown := make([]byte, next)
	copy(grown, scratch)
	return grown, nil
}

// writeLoop owns a fixed-size scratch buffer and blocks on the outbound
// buffer's signal; once woken it drains complete blocks via the codec's
// Encode step and writes the result with retry until fully sent or the
// socket errors.
func (p *Peer) writeLoop() {
	defer close(p.writerDone)

	scratch := make([]byte, p.initialScratch)

	for {
		if closed := p.outbound.WaitForReady(); closed {
			return
		}

		for {
			n := p.codec.Encode(p, scratch)
			if n == 0 {
				break
			}
			if err := p.writeFull(scratch[:n]); err != nil {
				p.log.Debug("write error", "peer", p.id, "error", err)
				p.failAndDisconnect()
				return
			}
		}
	}
}

func (p *Peer) writeFull(b []byte) error {
	for len(b) > 0 {
		n, err := p.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// failAndDisconnect is called by a worker on socket error or protocol
// fault; it is equivalent to a host-initiated Disconnect but originates
// from inside the I/O loop.
func (p *Peer) failAndDisconnect() {
	p.Disconnect()
}
