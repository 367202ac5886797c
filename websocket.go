package headsocket

// maxControlPayload is RFC 6455 section 5.5's limit on a control frame's
// payload: the 7-bit length field of a control frame may not use the
// 126/127 extended-length forms.
const maxControlPayload = 125

// websocketCodec implements Codec for RFC 6455 framing. One instance is
// owned by exactly one Peer and is only ever touched from that peer's
// reader and writer goroutines, so it needs no locking of its own.
//
// Decode's state machine is grounded on original_source's
// WebSocketClient::asyncReadHandler (src/headsocket.h): parse a header,
// drain its payload, then act on FIN. It is restructured here into two
// independent pieces of state — an in-progress message fragment staged
// on the peer's inbound FramedBuffer, and the current frame being parsed
// off the wire — so a control frame can legally interleave between the
// fragments of a Text or Binary message without disturbing either.
type websocketCodec struct {
	frameActive      bool
	header           frameHeader
	payloadRemaining uint64

	inFragment     bool
	fragmentOpcode Opcode

	ctrlBuf [maxControlPayload]byte
	ctrlLen int

	outTail []byte // unsent remainder of the outbound block Encode is chunking
	outOp   Opcode
}

func newWebSocketCodec() Codec {
	return &websocketCodec{}
}

// Decode implements Codec.
func (c *websocketCodec) Decode(p *Peer, scratch []byte) (int, error) {
	total := 0

	for {
		if !c.frameActive {
			h, err := parseFrameHeader(scratch[total:])
			if err != nil {
				return 0, err
			}
			if h.size == 0 {
				break
			}
			if !h.masked {
				return 0, ErrUnmaskedFrame
			}

			c.header = h
			c.frameActive = true
			c.payloadRemaining = h.payloadLength
			c.ctrlLen = 0
			total += h.size

			switch {
			case h.opcode.IsControl():
				// staged in ctrlBuf below, never on the host-visible buffer
			case h.opcode == OpcodeContinuation:
				p.inbound.SetTailOpcode(c.fragmentOpcode)
			default:
				if err := p.inbound.BeginBlock(h.opcode); err != nil {
					return 0, err
				}
			}
		}

		avail := len(scratch) - total
		toCopy := int(c.payloadRemaining)
		if toCopy > avail {
			toCopy = avail
		}
		if toCopy > 0 {
			chunk := scratch[total : total+toCopy]
			if c.header.opcode.IsControl() {
				copy(c.ctrlBuf[c.ctrlLen:], chunk)
				c.ctrlLen += toCopy
			} else {
				p.inbound.Write(chunk)
			}
			total += toCopy
			c.payloadRemaining -= uint64(toCopy)
		}

		if c.payloadRemaining > 0 {
			break // frame's payload isn't fully buffered yet
		}

		if c.header.masked {
			if c.header.opcode.IsControl() {
				applyMask(c.header.mask, c.ctrlBuf[:c.ctrlLen])
			} else {
				p.inbound.MaskTail(c.header.mask, int(c.header.payloadLength))
			}
		}
		c.frameActive = false

		if err := c.finishFrame(p); err != nil {
			return 0, err
		}
	}

	return total, nil
}

// finishFrame acts on a frame whose payload has just been fully read and
// unmasked: it tracks fragmentation state, and on FIN either reacts to a
// control frame or delivers a completed message to the peer's OnMessage
// hook.
func (c *websocketCodec) finishFrame(p *Peer) error {
	opcode := c.header.opcode

	if opcode.IsControl() {
		if !c.header.fin {
			return ErrFragmentedControlFrame
		}
		switch opcode {
		case OpcodePing:
			payload := append([]byte(nil), c.ctrlBuf[:c.ctrlLen]...)
			return p.Push(payload, OpcodePong)
		case OpcodeClose:
			p.closeRequested.Store(true)
		}
		return nil
	}

	if !c.header.fin {
		if opcode != OpcodeContinuation {
			c.fragmentOpcode = opcode
		}
		c.inFragment = true
		return nil
	}

	c.inFragment = false
	if opcode == OpcodeContinuation {
		opcode = c.fragmentOpcode
	}
	p.inbound.EndBlock()

	if p.onMsg != nil {
		if msgOpcode, payload, ok := p.inbound.TailPayload(); ok {
			if p.onMsg(p, msgOpcode, payload) {
				p.inbound.DiscardTail()
			}
		}
	}
	return nil
}

// Encode implements Codec. It chunks one outbound block at a time into
// frames no larger than p.maxFrame (WithMaxFramePayload, default
// frameLimit per spec.md §4.5), and no larger than scratch can hold after
// the longest unmasked header: fin is set on a chunk exactly when it
// drains the block's remaining bytes.
func (c *websocketCodec) Encode(p *Peer, scratch []byte) int {
	if len(c.outTail) == 0 {
		opcode, length, ok := p.outbound.Peek()
		if !ok {
			return 0
		}
		buf := make([]byte, length)
		p.outbound.Pop(buf)
		c.outTail = buf
		c.outOp = opcode
	}

	chunk := c.outTail
	fin := true
	limit := p.maxFrame
	if room := len(scratch) - frameHeaderSize(len(scratch)); room > 0 && room < limit {
		limit = room
	}
	if len(chunk) > limit {
		chunk = chunk[:limit]
		fin = false
	}

	need := frameHeaderSize(len(chunk)) + len(chunk)
	if need > len(scratch) {
		return 0
	}

	out := writeFrameHeader(scratch[:0], fin, c.outOp, len(chunk))
	out = append(out, chunk...)

	c.outTail = c.outTail[len(chunk):]
	c.outOp = OpcodeContinuation

	return len(out)
}
