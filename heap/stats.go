package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/brkheap/brkheap"
)

// AddStatistics sums this heap's usage numbers into the statistics currently present in
// the provided brkheap.Statistics object. AllocationBytes includes header overhead, so
// it can exceed the sum of live payload sizes.
func (h *Heap) AddStatistics(stats *brkheap.Statistics) {
	stats.HeapCount++
	stats.AllocationCount += h.allocCount
	stats.HeapBytes += h.Size()
	stats.AllocationBytes += h.Size() - h.SumFreeSize()
}

// AddDetailedStatistics sums this heap's per-block statistics into the statistics
// currently present in the provided brkheap.DetailedStatistics object
func (h *Heap) AddDetailedStatistics(stats *brkheap.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += h.Size()

	for b := h.first; b != nil; b = b.next {
		if b.IsFree() {
			stats.AddFreeRange(b.size)
		} else {
			stats.AddAllocation(b.size)
		}
	}
}

// HeapJsonData populates a json object with summary information about this heap
func (h *Heap) HeapJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(h.Size())
	json.Name("UnusedBytes").Int(h.SumFreeSize())
	json.Name("Allocations").Int(h.allocCount)
	json.Name("UnusedRanges").Int(h.freeBlockCount)
}

func (h *Heap) printDetailedMapBlocks(json jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	for b := h.first; b != nil; b = b.next {
		obj := arrayState.Object()

		obj.Name("Offset").Int(b.offset)
		obj.Name("Size").Int(b.size)
		if b.IsFree() {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}

		obj.End()
	}
}

// BuildStatsString returns a JSON description of the heap. When detailed is true, every
// block in the directory is listed individually.
func (h *Heap) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	h.HeapJsonData(obj)
	if detailed {
		h.printDetailedMapBlocks(obj)
	}
	obj.End()

	return string(writer.Bytes())
}
