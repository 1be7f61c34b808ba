package region

import (
	"fmt"

	"github.com/pkg/errors"
)

// BrkSource is an in-memory Source backed by a growable byte slice. The zero limit means
// the region may grow without bound; a positive limit caps Top and makes extension
// failures reproducible in tests.
type BrkSource struct {
	data  []byte
	limit int
}

var _ Source = &BrkSource{}

// NewBrkSource creates an empty BrkSource. limit is the maximum Top in bytes, or 0 for
// no limit.
func NewBrkSource(limit int) *BrkSource {
	return &BrkSource{
		limit: limit,
	}
}

func (s *BrkSource) Top() int {
	return len(s.data)
}

func (s *BrkSource) Extend(n int) (int, error) {
	if n <= 0 {
		return 0, errors.Errorf("cannot extend the region by %d bytes", n)
	}

	top := len(s.data)
	if s.limit > 0 && top+n > s.limit {
		return 0, errors.Errorf("the region is limited to %d bytes and cannot grow from %d to %d", s.limit, top, top+n)
	}

	// Appending an explicit zero slice keeps bytes reclaimed by a previous ShrinkTo from
	// leaking back into the region.
	s.data = append(s.data, make([]byte, n)...)
	return top, nil
}

func (s *BrkSource) ShrinkTo(top int) {
	if top < 0 || top > len(s.data) {
		panic(fmt.Sprintf("requested a shrink to %d, which is outside the region's %d bytes", top, len(s.data)))
	}

	s.data = s.data[:top]
}

func (s *BrkSource) At(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(s.data) {
		panic(fmt.Sprintf("requested %d bytes at offset %d, which is outside the region's %d bytes", length, offset, len(s.data)))
	}

	return s.data[offset : offset+length : offset+length]
}
