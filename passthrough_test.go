package headsocket

import "testing"

func TestPassthroughCodecDecodeStagesRawBytes(t *testing.T) {
	p := &Peer{inbound: NewFramedBuffer(), outbound: NewFramedBuffer()}
	c := newPassthroughCodec()

	n, err := c.Decode(p, []byte("hello"))
	if err != nil {
		t.Fatalf("Decode error: %s", err)
	}
	if n != 5 {
		t.Fatalf("Decode consumed = %d, want 5", n)
	}

	opcode, length, ok := p.Peek()
	if !ok || opcode != OpcodeBinary || length != 5 {
		t.Fatalf("Peek = (%v, %d, %v), want (binary, 5, true)", opcode, length, ok)
	}
	dst := make([]byte, 5)
	if n := p.Pop(dst); n != 5 || string(dst) != "hello" {
		t.Fatalf("Pop = (%d, %q), want (5, \"hello\")", n, dst)
	}
}

func TestPassthroughCodecDecodeMultipleReadsQueueInOrder(t *testing.T) {
	p := &Peer{inbound: NewFramedBuffer(), outbound: NewFramedBuffer()}
	c := newPassthroughCodec()

	if _, err := c.Decode(p, []byte("ab")); err != nil {
		t.Fatalf("first Decode error: %s", err)
	}
	if _, err := c.Decode(p, []byte("cde")); err != nil {
		t.Fatalf("second Decode error: %s", err)
	}

	dst := make([]byte, 2)
	p.Pop(dst)
	if string(dst) != "ab" {
		t.Fatalf("first Pop = %q, want \"ab\"", dst)
	}
	dst = make([]byte, 3)
	p.Pop(dst)
	if string(dst) != "cde" {
		t.Fatalf("second Pop = %q, want \"cde\"", dst)
	}
}

func TestPassthroughCodecEncodeDrainsOutboundBytesUnframed(t *testing.T) {
	p := &Peer{inbound: NewFramedBuffer(), outbound: NewFramedBuffer()}
	c := newPassthroughCodec()

	if err := p.Push([]byte("world"), OpcodeBinary); err != nil {
		t.Fatalf("Push error: %s", err)
	}

	scratch := make([]byte, 16)
	n := c.Encode(p, scratch)
	if n != 5 || string(scratch[:n]) != "world" {
		t.Fatalf("Encode = %q, want \"world\"", scratch[:n])
	}
	if n := c.Encode(p, scratch); n != 0 {
		t.Fatalf("second Encode = %d, want 0", n)
	}
}

func TestPassthroughCodecEncodeChunksAcrossScratchBoundary(t *testing.T) {
	p := &Peer{inbound: NewFramedBuffer(), outbound: NewFramedBuffer()}
	c := newPassthroughCodec()

	if err := p.Push([]byte("0123456789"), OpcodeBinary); err != nil {
		t.Fatalf("Push error: %s", err)
	}

	scratch := make([]byte, 4)
	var got []byte
	for i := 0; i < 3; i++ {
		n := c.Encode(p, scratch)
		got = append(got, scratch[:n]...)
	}
	if string(got) != "0123456789" {
		t.Fatalf("reassembled = %q, want \"0123456789\"", got)
	}
}
