package heap

import (
	"github.com/pkg/errors"

	"github.com/brkheap/brkheap"
)

var _ brkheap.Validatable = &Heap{}

// Validate performs internal consistency checks on the directory. When the heap is
// functioning correctly it cannot return an error, but it can assist in diagnosing
// corruption. Every block is visited, so it can be expensive on large heaps.
func (h *Heap) Validate() error {
	if h.first == nil {
		if h.allocCount != 0 {
			return errors.Errorf("the heap is empty but claims %d live allocations", h.allocCount)
		}
		if h.freeBlockCount != 0 || h.freeBlockBytes != 0 {
			return errors.Errorf("the heap is empty but claims %d free blocks totaling %d bytes", h.freeBlockCount, h.freeBlockBytes)
		}
		if h.handleKey.Count() != 0 {
			return errors.Errorf("the heap is empty but the handle table still has %d entries", h.handleKey.Count())
		}

		return nil
	}

	if h.first.prev != nil {
		return errors.New("the first block has a block before it")
	}

	var allocCount, freeCount, freeBytes, blockCount int
	nextOffset := h.first.offset

	for b := h.first; b != nil; b = b.next {
		blockCount++

		if b.offset != nextOffset {
			return errors.Errorf("block at offset %d does not begin where the previous block ended (%d)", b.offset, nextOffset)
		}

		if b.size <= 0 || b.size%int(payloadAlignment) != 0 {
			return errors.Errorf("block at offset %d has size %d, which is not a positive multiple of %d", b.offset, b.size, payloadAlignment)
		}

		if b.payloadOffset != b.offset+HeaderSize {
			return errors.Errorf("block at offset %d records payload position %d instead of %d", b.offset, b.payloadOffset, b.offset+HeaderSize)
		}

		if b.next != nil && b.next.prev != b {
			return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", b.offset, b.next.offset)
		}

		if b.IsFree() {
			freeCount++
			freeBytes += b.size

			if b.next != nil && b.next.IsFree() {
				return errors.Errorf("blocks at offsets %d and %d are both free but were not coalesced", b.offset, b.next.offset)
			}
		} else {
			allocCount++
		}

		tableBlock, ok := h.handleKey.Get(Pointer(b.payloadOffset))
		if !ok || tableBlock != b {
			return errors.Errorf("block at offset %d is missing from the handle table", b.offset)
		}

		nextOffset = b.offset + HeaderSize + b.size
	}

	if nextOffset != h.source.Top() {
		return errors.Errorf("the last block ends at %d, but the region top is %d", nextOffset, h.source.Top())
	}

	if allocCount != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the taken blocks only added up to %d", h.allocCount, allocCount)
	}

	if freeCount != h.freeBlockCount {
		return errors.Errorf("the free block count of the heap is %d, but there were only %d free blocks", h.freeBlockCount, freeCount)
	}

	if freeBytes != h.freeBlockBytes {
		return errors.Errorf("the free size of the heap is %d, but the free blocks only added up to %d", h.freeBlockBytes, freeBytes)
	}

	if h.handleKey.Count() != blockCount {
		return errors.Errorf("the handle table has %d entries for %d blocks", h.handleKey.Count(), blockCount)
	}

	return nil
}

// CheckCorruption verifies the anti-corruption markers written into the header area of
// every live allocation. Markers are only written when brkheap is built with the
// debug_brk_heap build tag; without it this method visits every block but cannot fail.
func (h *Heap) CheckCorruption() error {
	for b := h.first; b != nil; b = b.next {
		if !b.IsFree() {
			if !brkheap.ValidateMagicValue(h.source.At(b.offset, HeaderSize), 0) {
				return errors.Errorf("memory corruption detected in the header of the allocation at offset %d", b.offset)
			}
		}
	}

	return nil
}
