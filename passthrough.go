package headsocket

// passthroughCodec implements Codec for a raw TCP session: no RFC 6455
// framing, no handshake, no control frames. Each Decode call stages
// whatever bytes just arrived as one complete inbound Binary block, and
// Encode drains outbound blocks byte-for-byte. It exercises the same
// FramedBuffer and worker plumbing the WebSocket codec uses, just without
// any wire envelope around it; since Decode consumes every byte it is
// given, the reader's scratch never grows. Grounded on
// original_source's TcpClient (src/headsocket.h), the base class
// WebSocketClient derives from before layering on the opening handshake
// and frame parsing.
type passthroughCodec struct {
	outTail []byte
}

// newPassthroughCodec returns a Codec with no message framing: RawPeerFactory's
// Peer treats the TCP stream itself as the message boundary.
func newPassthroughCodec() Codec {
	return &passthroughCodec{}
}

// Decode implements Codec.
func (c *passthroughCodec) Decode(p *Peer, scratch []byte) (int, error) {
	if len(scratch) == 0 {
		return 0, nil
	}

	if err := p.inbound.BeginBlock(OpcodeBinary); err != nil {
		return 0, err
	}
	p.inbound.Write(scratch)
	p.inbound.EndBlock()

	if p.onMsg != nil {
		if opcode, payload, ok := p.inbound.TailPayload(); ok {
			if p.onMsg(p, opcode, payload) {
				p.inbound.DiscardTail()
			}
		}
	}

	return len(scratch), nil
}

// Encode implements Codec. It drains the head outbound block's bytes
// straight into scratch, with no header and no length cap: raw TCP has no
// frame size to respect.
func (c *passthroughCodec) Encode(p *Peer, scratch []byte) int {
	if len(c.outTail) == 0 {
		_, length, ok := p.outbound.Peek()
		if !ok {
			return 0
		}
		buf := make([]byte, length)
		p.outbound.Pop(buf)
		c.outTail = buf
	}

	n := copy(scratch, c.outTail)
	c.outTail = c.outTail[n:]
	return n
}
