package heap

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/brkheap/brkheap"
	"github.com/brkheap/brkheap/region"
)

const (
	// HeaderSize is the number of region bytes reserved immediately in front of every
	// payload. The reserved bytes participate in all coverage and coalescing arithmetic:
	// a block occupies HeaderSize+size bytes of the region, and merging two neighbors
	// reclaims one header's worth of bytes as payload.
	HeaderSize = 20

	// payloadAlignment is the granularity every payload size is rounded up to
	payloadAlignment uint = 4
)

// Pointer identifies the payload of an allocation. It is the offset of the payload's
// first byte within the backing region, handed out as an opaque handle. The zero value
// is NullPointer: no payload can ever begin at offset 0, since the first block's header
// precedes it.
type Pointer int

// NullPointer is the Pointer equivalent of a nil pointer. Failed allocations return it,
// and Realloc treats it as a request for a fresh allocation.
const NullPointer Pointer = 0

// Config controls optional behaviors of a Heap
type Config struct {
	// StrictFree causes Free to return brkheap.ErrInvalidPointer when called with a
	// pointer that does not identify a live allocation. When false, such calls are
	// silently ignored, matching the traditional free contract.
	StrictFree bool
}

// Heap is a first-fit allocator over a single growable region. It maintains an
// address-ordered directory of blocks that exactly partitions the managed byte range:
// every region byte between the first block's header and the region top belongs to
// exactly one block.
//
// A Heap is not safe for concurrent use. Callers that share one across goroutines must
// serialize every method call, or give each goroutine a Heap over its own Source.
type Heap struct {
	logger *slog.Logger
	source region.Source
	config Config

	first     *block
	handleKey *swiss.Map[Pointer, *block]

	allocCount     int
	freeBlockCount int
	freeBlockBytes int
}

// New creates a Heap over the provided region source. The source must be dedicated to
// this heap: the heap assumes it is the only consumer of the source's address range.
func New(logger *slog.Logger, source region.Source, config Config) *Heap {
	if logger == nil {
		logger = slog.Default()
	}

	brkheap.DebugCheckPow2(payloadAlignment, "payloadAlignment")

	return &Heap{
		logger:    logger,
		source:    source,
		config:    config,
		handleKey: swiss.NewMap[Pointer, *block](42),
	}
}

// Size returns the number of region bytes currently managed by the heap
func (h *Heap) Size() int {
	return h.source.Top()
}

// AllocationCount returns the number of live allocations
func (h *Heap) AllocationCount() int {
	return h.allocCount
}

// FreeRegionsCount returns the number of free blocks in the directory. Adjacent free
// blocks are always coalesced, so each counted region is surrounded by live allocations.
func (h *Heap) FreeRegionsCount() int {
	return h.freeBlockCount
}

// SumFreeSize returns the number of payload bytes available for reuse without growing
// the region
func (h *Heap) SumFreeSize() int {
	return h.freeBlockBytes
}

// IsEmpty returns true if the heap has no blocks at all
func (h *Heap) IsEmpty() bool {
	return h.first == nil
}

// Alloc reserves aligned-up size bytes of payload and returns a Pointer to them. The
// first free block large enough is reused, splitting off any remainder big enough to be
// independently useful; when no block fits, the region is extended. Alloc returns
// brkheap.ErrInvalidRequest for non-positive sizes and brkheap.ErrOutOfMemory when the
// region cannot grow, leaving the directory untouched in both cases.
func (h *Heap) Alloc(size int) (Pointer, error) {
	h.logger.Debug("Heap::Alloc", slog.Int("Size", size))

	if size <= 0 {
		return NullPointer, cerrors.Wrapf(brkheap.ErrInvalidRequest, "requested %d bytes", size)
	}

	brkheap.DebugValidate(h)

	aligned := brkheap.AlignUp(size, payloadAlignment)

	var b *block
	if h.first == nil {
		var err error
		b, err = h.appendBlock(nil, aligned)
		if err != nil {
			return NullPointer, err
		}

		h.first = b
	} else {
		fit, last := h.findFreeBlock(aligned)
		if fit == nil {
			var err error
			b, err = h.appendBlock(last, aligned)
			if err != nil {
				return NullPointer, err
			}
		} else {
			h.takeBlock(fit)
			if fit.size-aligned >= HeaderSize+int(payloadAlignment) {
				h.splitBlock(fit, aligned)
			}
			b = fit
		}
	}

	if brkheap.DebugMargin > 0 {
		brkheap.WriteMagicValue(h.source.At(b.offset, HeaderSize), 0)
	}

	brkheap.DebugValidate(h)

	return Pointer(b.payloadOffset), nil
}

// AllocZeroed reserves payload space for count elements of elemSize bytes each, as
// Alloc would, and zero-fills it. The size computation is overflow-checked: an overflow
// is reported as brkheap.ErrInvalidRequest rather than allocating a wrapped-around size.
func (h *Heap) AllocZeroed(count, elemSize int) (Pointer, error) {
	h.logger.Debug("Heap::AllocZeroed", slog.Int("Count", count), slog.Int("ElementSize", elemSize))

	if count <= 0 || elemSize <= 0 {
		return NullPointer, cerrors.Wrapf(brkheap.ErrInvalidRequest, "requested %d elements of %d bytes", count, elemSize)
	}

	if count > math.MaxInt/elemSize {
		return NullPointer, cerrors.Wrapf(brkheap.ErrInvalidRequest, "%d elements of %d bytes overflows the maximum allocation size", count, elemSize)
	}

	ptr, err := h.Alloc(count * elemSize)
	if err != nil {
		return NullPointer, err
	}

	b, _ := h.liveBlock(ptr)
	payload := h.payload(b)
	for i := range payload {
		payload[i] = 0
	}

	return ptr, nil
}

// Free returns a payload to the heap. The freed block is coalesced with free neighbors,
// and a free block left at the very top of the region is released back to the source,
// shrinking the region. Pointers that do not identify a live allocation (foreign
// pointers, interior pointers, and pointers that have already been freed) are ignored
// unless Config.StrictFree is set, in which case brkheap.ErrInvalidPointer is returned.
func (h *Heap) Free(ptr Pointer) error {
	h.logger.Debug("Heap::Free", slog.Int("Pointer", int(ptr)))

	b, ok := h.liveBlock(ptr)
	if !ok {
		if h.config.StrictFree {
			return cerrors.Wrapf(brkheap.ErrInvalidPointer, "cannot free pointer %d", int(ptr))
		}
		return nil
	}

	brkheap.DebugValidate(h)
	h.releaseBlock(b)
	brkheap.DebugValidate(h)

	return nil
}

// Realloc resizes the allocation identified by ptr to size bytes. A NullPointer behaves
// exactly as Alloc. Shrinks happen in place, splitting off any worthwhile remainder.
// Grows happen in place when the next block is free and large enough once its header is
// absorbed; otherwise a new block is allocated, the old payload is copied over, and the
// old block is freed. The new block is reserved before the old one is released, so the
// old payload stays intact throughout the copy.
func (h *Heap) Realloc(ptr Pointer, size int) (Pointer, error) {
	h.logger.Debug("Heap::Realloc", slog.Int("Pointer", int(ptr)), slog.Int("Size", size))

	if ptr == NullPointer {
		return h.Alloc(size)
	}

	b, ok := h.liveBlock(ptr)
	if !ok {
		return NullPointer, cerrors.Wrapf(brkheap.ErrInvalidPointer, "cannot reallocate pointer %d", int(ptr))
	}

	if size <= 0 {
		return NullPointer, cerrors.Wrapf(brkheap.ErrInvalidRequest, "requested %d bytes", size)
	}

	brkheap.DebugValidate(h)

	aligned := brkheap.AlignUp(size, payloadAlignment)

	if b.size >= aligned {
		if b.size-aligned >= HeaderSize+int(payloadAlignment) {
			h.splitBlock(b, aligned)

			// The remainder must not sit next to another free block
			remainder := b.next
			if remainder.next != nil && remainder.next.IsFree() {
				h.mergeWithNext(remainder)
			}
		}

		brkheap.DebugValidate(h)
		return ptr, nil
	}

	if b.next != nil && b.next.IsFree() && b.size+HeaderSize+b.next.size >= aligned {
		h.mergeWithNext(b)
		if b.size-aligned >= HeaderSize+int(payloadAlignment) {
			h.splitBlock(b, aligned)
		}

		brkheap.DebugValidate(h)
		return ptr, nil
	}

	newPtr, err := h.Alloc(aligned)
	if err != nil {
		return NullPointer, err
	}

	newBlock, ok := h.liveBlock(newPtr)
	if !ok {
		panic("a just-reserved block could not be found in the directory")
	}

	copy(h.payload(newBlock), h.payload(b))
	h.releaseBlock(b)

	brkheap.DebugValidate(h)
	return newPtr, nil
}

// Bytes returns the payload of a live allocation as a mutable view into the region. The
// slice's length is the block's aligned size, which may exceed the size originally
// requested by up to 3 bytes. It remains valid until the allocation is freed,
// reallocated, or the heap is cleared.
func (h *Heap) Bytes(ptr Pointer) ([]byte, error) {
	b, ok := h.liveBlock(ptr)
	if !ok {
		return nil, cerrors.Wrapf(brkheap.ErrInvalidPointer, "cannot view pointer %d", int(ptr))
	}

	return h.payload(b), nil
}

// IsValid reports whether ptr identifies the payload of a block in the directory. It
// checks that the pointer lies within the managed range and that the block preceding it
// records exactly this payload position, rejecting foreign and interior pointers. It
// does not consult the free flag; Free and Realloc additionally require the block to be
// live.
func (h *Heap) IsValid(ptr Pointer) bool {
	_, ok := h.lookup(ptr)
	return ok
}

// Clear instantly drops every block and shrinks the region back to where the heap began
func (h *Heap) Clear() {
	h.logger.Debug("Heap::Clear")

	if h.first == nil {
		return
	}

	base := h.first.offset
	b := h.first
	h.first = nil
	for b != nil {
		next := b.next
		h.retireBlock(b)
		b = next
	}

	h.allocCount = 0
	h.freeBlockCount = 0
	h.freeBlockBytes = 0
	h.source.ShrinkTo(base)
}

// VisitAllBlocks will call the provided callback once for each allocation and free
// block in the directory, in address order. This is intended for diagnostics; the
// callback must not mutate the heap.
func (h *Heap) VisitAllBlocks(handleBlock func(ptr Pointer, offset int, size int, free bool) error) error {
	for b := h.first; b != nil; b = b.next {
		err := handleBlock(Pointer(b.payloadOffset), b.offset, b.size, b.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

// DebugLogAllAllocations calls logFunc for every live allocation in the heap
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	for b := h.first; b != nil; b = b.next {
		if !b.IsFree() {
			logFunc(logger, b.offset, b.size)
		}
	}
}

func (h *Heap) payload(b *block) []byte {
	return h.source.At(b.payloadOffset, b.size)
}

// lookup applies the pointer-validity contract: the directory must be non-empty, the
// pointer must be non-null and inside [first header, top), and the block keyed by the
// pointer must record exactly this payload position.
func (h *Heap) lookup(ptr Pointer) (*block, bool) {
	if h.first == nil || ptr == NullPointer {
		return nil, false
	}

	if int(ptr) < h.first.offset || int(ptr) >= h.source.Top() {
		return nil, false
	}

	b, ok := h.handleKey.Get(ptr)
	if !ok || b.payloadOffset != int(ptr) {
		return nil, false
	}

	return b, true
}

// liveBlock is the gate in front of Free and Realloc: beyond lookup, the block must not
// already be free, which rejects double frees instead of corrupting the directory.
func (h *Heap) liveBlock(ptr Pointer) (*block, bool) {
	b, ok := h.lookup(ptr)
	if !ok || b.IsFree() {
		return nil, false
	}

	return b, true
}

// findFreeBlock performs the first-fit scan: the first free block with at least size
// payload bytes wins. It also returns the last block visited, which is the directory
// tail when no block fits and a new one must be appended after it.
func (h *Heap) findFreeBlock(size int) (*block, *block) {
	var last *block
	for cur := h.first; cur != nil; cur = cur.next {
		if cur.IsFree() && cur.size >= size {
			return cur, last
		}

		last = cur
	}

	return nil, last
}

// appendBlock extends the region by size payload bytes plus one header and links the
// new block after last. An extension failure leaves both the region and the directory
// unchanged.
func (h *Heap) appendBlock(last *block, size int) (*block, error) {
	base, err := h.source.Extend(size + HeaderSize)
	if err != nil {
		return nil, cerrors.Wrapf(brkheap.ErrOutOfMemory, "could not extend the region by %d bytes: %s", size+HeaderSize, err.Error())
	}

	b := h.newBlock(base, size)
	b.prev = last
	if last != nil {
		last.next = b
	}

	h.allocCount++
	return b, nil
}

func (h *Heap) takeBlock(b *block) {
	if !b.IsFree() {
		panic("attempted to reuse a block that is already taken")
	}

	b.MarkTaken()
	h.freeBlockCount--
	h.freeBlockBytes -= b.size
	h.allocCount++
}

// splitBlock carves a free remainder block out of b's payload, leaving b with exactly
// size payload bytes. The caller must have checked that the remainder is at least
// HeaderSize+4 bytes; anything smaller is not worth tracking as an independent block.
func (h *Heap) splitBlock(b *block, size int) {
	remainderSize := b.size - size - HeaderSize
	if remainderSize < int(payloadAlignment) {
		panic("attempted to split off a remainder too small to be a block")
	}

	remainder := h.newBlock(b.offset+HeaderSize+size, remainderSize)
	remainder.MarkFree()
	remainder.prev = b
	remainder.next = b.next
	if remainder.next != nil {
		remainder.next.prev = remainder
	}

	b.next = remainder
	b.size = size

	h.freeBlockCount++
	h.freeBlockBytes += remainder.size
}

// mergeWithNext absorbs b's next neighbor into b, reclaiming the neighbor's header
// bytes as payload. The neighbor must be free; b itself may be live (the reallocator's
// grow-in-place path) or free (coalescing during release).
func (h *Heap) mergeWithNext(b *block) *block {
	next := b.next
	if next == nil || !next.IsFree() {
		panic("attempted to merge a block with a neighbor that cannot be absorbed")
	}

	b.size += HeaderSize + next.size
	b.next = next.next
	if b.next != nil {
		b.next.prev = b
	}

	h.freeBlockCount--
	if b.IsFree() {
		h.freeBlockBytes += HeaderSize
	} else {
		h.freeBlockBytes -= next.size
	}

	h.retireBlock(next)
	return b
}

// releaseBlock marks b free, coalesces it with free neighbors, and releases a trailing
// free run back to the region source. When the released run reaches all the way down to
// the first block, the directory resets to empty.
func (h *Heap) releaseBlock(b *block) {
	b.MarkFree()
	h.allocCount--
	h.freeBlockCount++
	h.freeBlockBytes += b.size

	if b.prev != nil && b.prev.IsFree() {
		b = h.mergeWithNext(b.prev)
	}

	if b.next != nil && b.next.IsFree() {
		h.mergeWithNext(b)
	}

	if b.next == nil {
		h.trimTail(b)
	}
}

// trimTail releases the free tail block b and everything above it back to the source.
// Only a trailing free run is ever returned; free blocks below live allocations stay in
// the directory for reuse.
func (h *Heap) trimTail(b *block) {
	if b.prev == nil {
		h.first = nil
	} else {
		b.prev.next = nil
	}

	h.freeBlockCount--
	h.freeBlockBytes -= b.size
	h.source.ShrinkTo(b.offset)
	h.retireBlock(b)
}
