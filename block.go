package headsocket

import "sync"

// block is one logical application message, or its in-progress tail
// fragment, living inside a FramedBuffer's arena.
//
// extra counts bytes physically present in the arena immediately after
// [offset, offset+length) that are not part of the reported payload — used
// for the single trailing NUL byte a completed Text block carries so a
// host can treat the bytes as a C string (spec.md §4.5), without that byte
// counting toward length.
type block struct {
	opcode    Opcode
	offset    int
	length    int
	extra     int
	completed bool
}

// FramedBuffer is an ordered sequence of blocks backed by a contiguous
// byte arena. Completed blocks precede the at most one in-progress block,
// and a block's [offset, offset+length) range always tiles a prefix of
// the arena in order. Grounded on original_source's TcpClientImpl
// readBuffer/readData pair (src/headsocket.h), generalized from a single
// rolling DataBlock into the list the spec names explicitly.
//
// All operations lock internally and never block on I/O while holding the
// lock.
type FramedBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	arena  []byte
	blocks []block
}

// NewFramedBuffer returns an empty staging buffer.
func NewFramedBuffer() *FramedBuffer {
	f := &FramedBuffer{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Close marks the buffer closed and wakes any goroutine blocked in
// WaitForReady. Used on the outbound buffer when a peer disconnects, so
// its writer stops waiting on a signal that will never come again.
func (f *FramedBuffer) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// WaitForReady blocks until the head block is completed or the buffer is
// closed, whichever comes first, and reports whether it was the latter.
// This is the outbound-buffer notification signal from spec.md §5,
// expressed as a sync.Cond guarding the buffer's own mutex rather than a
// separate fourth lock — see DESIGN.md.
func (f *FramedBuffer) WaitForReady() (closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for !f.closed && !f.hasCompletedHeadLocked() {
		f.cond.Wait()
	}
	return f.closed
}

func (f *FramedBuffer) hasCompletedHeadLocked() bool {
	return len(f.blocks) > 0 && f.blocks[0].completed
}

// BeginBlock appends a new in-progress block tagged with opcode. It fails
// if the current tail block exists and is not yet completed.
func (f *FramedBuffer) BeginBlock(opcode Opcode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.blocks); n > 0 && !f.blocks[n-1].completed {
		return ErrBlockInProgress
	}
	f.blocks = append(f.blocks, block{opcode: opcode, offset: len(f.arena)})
	return nil
}

// Write appends p to the arena and grows the tail block's length. It is a
// no-op if there is no in-progress block.
func (f *FramedBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.blocks)
	if n == 0 || f.blocks[n-1].completed {
		return
	}
	f.arena = append(f.arena, p...)
	f.blocks[n-1].length += len(p)
}

// EndBlock marks the tail block completed. A Text block also gets a
// trailing NUL byte appended to the arena at this point, per spec.md
// §4.5 — present in the arena but not counted in the block's reported
// length.
func (f *FramedBuffer) EndBlock() {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.blocks)
	if n == 0 {
		return
	}
	tail := &f.blocks[n-1]
	tail.completed = true
	if tail.opcode == OpcodeText {
		f.arena = append(f.arena, 0)
		tail.extra = 1
	}
	f.cond.Broadcast()
}

// SetTailOpcode overwrites the opcode of the in-progress tail block. The
// reader uses this to fold a continuation frame's bytes into the first
// fragment's original opcode.
func (f *FramedBuffer) SetTailOpcode(opcode Opcode) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.blocks); n > 0 {
		f.blocks[n-1].opcode = opcode
	}
}

// TailLen returns the in-progress tail block's current length, or 0 if
// there is none.
func (f *FramedBuffer) TailLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.blocks); n > 0 && !f.blocks[n-1].completed {
		return f.blocks[n-1].length
	}
	return 0
}

// MaskTail XORs key over the last n bytes appended to the in-progress tail
// block's payload, used to unmask a single frame's contribution to a
// block whose other frames may carry a different key.
func (f *FramedBuffer) MaskTail(key maskKey, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.arena) < n {
		return
	}
	applyMask(key, f.arena[len(f.arena)-n:])
}

// DiscardTail removes the tail block and shrinks the arena back to its
// former offset. Used when a host's on-message callback consumed the
// payload directly via the decode step, without ever surfacing the block
// through Peek/Pop.
func (f *FramedBuffer) DiscardTail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discardTailLocked()
}

func (f *FramedBuffer) discardTailLocked() {
	n := len(f.blocks)
	if n == 0 {
		return
	}
	tail := f.blocks[n-1]
	f.arena = f.arena[:tail.offset]
	f.blocks = f.blocks[:n-1]
}

// TailPayload returns a copy of the completed tail block's opcode and
// payload, regardless of its position in the queue. The reader uses this
// to hand a just-finished message to a peer's OnMessage hook without
// disturbing earlier, still-queued blocks.
func (f *FramedBuffer) TailPayload() (opcode Opcode, payload []byte, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.blocks)
	if n == 0 || !f.blocks[n-1].completed {
		return 0, nil, false
	}
	tail := f.blocks[n-1]
	payload = make([]byte, tail.length)
	copy(payload, f.arena[tail.offset:tail.offset+tail.length])
	return tail.opcode, payload, true
}

// Peek returns the head block's opcode and length, and true, iff it is
// completed. A host never observes a partial message this way.
func (f *FramedBuffer) Peek() (opcode Opcode, length int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.blocks) == 0 || !f.blocks[0].completed {
		return 0, 0, false
	}
	head := f.blocks[0]
	return head.opcode, head.length, true
}

// Pop copies up to len(dst) bytes from the head block into dst. The head
// block's length shrinks by the number of bytes copied; once it reaches
// zero the block (and its arena range) is removed and every later block's
// offset shifts down by the same amount. Pop is rejected (returns 0) when
// the head block is missing or still in progress.
func (f *FramedBuffer) Pop(dst []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.blocks) == 0 || !f.blocks[0].completed {
		return 0
	}

	head := &f.blocks[0]
	n := len(dst)
	if n > head.length {
		n = head.length
	}
	copy(dst, f.arena[head.offset:head.offset+n])

	copy(f.arena[head.offset:], f.arena[head.offset+n:])
	f.arena = f.arena[:len(f.arena)-n]
	head.length -= n

	for i := 1; i < len(f.blocks); i++ {
		f.blocks[i].offset -= n
	}

	if head.length == 0 {
		if head.extra > 0 {
			copy(f.arena[head.offset:], f.arena[head.offset+head.extra:])
			f.arena = f.arena[:len(f.arena)-head.extra]
			for i := 1; i < len(f.blocks); i++ {
				f.blocks[i].offset -= head.extra
			}
		}
		f.blocks = f.blocks[1:]
	}
	return n
}

// Len reports how many completed-or-in-progress blocks are queued.
func (f *FramedBuffer) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}
