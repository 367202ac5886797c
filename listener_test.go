package headsocket

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func dialHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial error: %s", err)
	}

	request := "GET / HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %s", err)
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		t.Fatalf("read handshake response: %s", err)
	}
	if !strings.Contains(string(resp[:n]), "101") {
		t.Fatalf("handshake response = %q, want 101", resp[:n])
	}
	return conn
}

func TestListenerPeerIDsAreMonotonicAndNonzero(t *testing.T) {
	var ids []PeerID
	var mu sync.Mutex
	connected := make(chan struct{}, 3)

	l := NewListener(0, WithOnConnect(func(p *Peer) {
		mu.Lock()
		ids = append(ids, p.ID())
		mu.Unlock()
		connected <- struct{}{}
	}))
	defer l.Stop()

	if !l.IsRunning() {
		t.Fatal("listener failed to bind")
	}

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dialHandshake(t, l.Addr().String())
	}
	for range conns {
		<-connected
	}
	for _, c := range conns {
		c.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 {
		t.Fatalf("got %d connect events, want 3", len(ids))
	}
	for i, id := range ids {
		if id == 0 {
			t.Errorf("peer %d got id 0", i)
		}
		for j, other := range ids {
			if i != j && id == other {
				t.Errorf("duplicate peer id %d", id)
			}
		}
	}
	if ids[0] >= ids[1] || ids[1] >= ids[2] {
		t.Errorf("ids not strictly increasing in accept order: %v", ids)
	}
}

func TestListenerMessageRoundTrip(t *testing.T) {
	received := make(chan string, 1)

	l := NewListener(0, WithOnMessage(func(p *Peer, opcode Opcode, payload []byte) bool {
		received <- string(payload)
		return true
	}))
	defer l.Stop()

	conn := dialHandshake(t, l.Addr().String())
	defer conn.Close()

	key := maskKey{0x12, 0x34, 0x56, 0x78}
	if _, err := conn.Write([]byte(clientFrame(true, OpcodeText, key, "hello server"))); err != nil {
		t.Fatalf("write frame: %s", err)
	}

	select {
	case msg := <-received:
		if msg != "hello server" {
			t.Errorf("got message %q, want \"hello server\"", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}
}

func TestListenerRawPeerFactorySkipsHandshake(t *testing.T) {
	received := make(chan string, 1)

	l := NewListener(0,
		WithPeerFactory(RawPeerFactory),
		WithOnMessage(func(p *Peer, opcode Opcode, payload []byte) bool {
			received <- string(payload)
			return true
		}),
	)
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial error: %s", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("raw bytes, no envelope")); err != nil {
		t.Fatalf("write error: %s", err)
	}

	select {
	case msg := <-received:
		if msg != "raw bytes, no envelope" {
			t.Errorf("got message %q, want \"raw bytes, no envelope\"", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}
}

func TestListenerClosePropagatesOnDisconnectOnce(t *testing.T) {
	var disconnects int32
	disconnected := make(chan struct{}, 1)

	l := NewListener(0, WithOnDisconnect(func(p *Peer) {
		if atomic.AddInt32(&disconnects, 1) == 1 {
			close(disconnected)
		}
	}))
	defer l.Stop()

	conn := dialHandshake(t, l.Addr().String())

	key := maskKey{0, 0, 0, 0}
	if _, err := conn.Write([]byte(clientFrame(true, OpcodeClose, key, ""))); err != nil {
		t.Fatalf("write close frame: %s", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on_disconnect")
	}
	conn.Close()

	// Give the reaper a moment; it must never fire on_disconnect twice for
	// the same peer even though Stop's drain loop polls repeatedly.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&disconnects); got != 1 {
		t.Errorf("on_disconnect fired %d times, want exactly 1", got)
	}
}

func TestListenerDisconnectAfterStopReturnsErrNotListening(t *testing.T) {
	connected := make(chan *Peer, 1)
	l := NewListener(0, WithOnConnect(func(p *Peer) { connected <- p }))

	conn := dialHandshake(t, l.Addr().String())
	defer conn.Close()
	peer := <-connected
	peer.Disconnect()

	l.Stop()

	if err := l.Disconnect(peer); err != ErrNotListening {
		t.Errorf("Disconnect after Stop = %v, want ErrNotListening", err)
	}
}

func TestListenerStopDrainsPeers(t *testing.T) {
	// Stop polls for the peer set to drain; it does not itself force a
	// disconnect (spec.md §4.4), so the host must have requested that
	// before, or after, calling Stop, same as here.
	connected := make(chan *Peer, 1)
	l := NewListener(0, WithOnConnect(func(p *Peer) { connected <- p }))

	conn := dialHandshake(t, l.Addr().String())
	defer conn.Close()
	peer := <-connected
	peer.Disconnect()

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if l.IsRunning() {
		t.Error("IsRunning reported true after Stop")
	}
}
