package heap

import "sync"

var blockAllocator = sync.Pool{
	New: func() any {
		return &block{}
	},
}

// block is one entry in the address-ordered directory. It describes the region bytes
// [offset, offset+HeaderSize+size): a reserved header area followed by the payload the
// caller owns. payloadOffset always equals offset+HeaderSize and is the value handed to
// callers as a Pointer.
type block struct {
	offset int
	size   int
	prev   *block
	next   *block

	payloadOffset int
	free          bool
}

func (b *block) MarkFree() {
	b.free = true
}

func (b *block) MarkTaken() {
	b.free = false
}

func (b *block) IsFree() bool {
	return b.free
}

func (h *Heap) newBlock(offset, size int) *block {
	b := blockAllocator.Get().(*block)
	b.offset = offset
	b.size = size
	b.prev = nil
	b.next = nil
	b.payloadOffset = offset + HeaderSize
	b.free = false
	h.handleKey.Put(Pointer(b.payloadOffset), b)
	return b
}

func (h *Heap) retireBlock(b *block) {
	h.handleKey.Delete(Pointer(b.payloadOffset))
	blockAllocator.Put(b)
}
