package region

// Source represents a single contiguous address range whose top boundary can be pushed
// up to obtain more memory and pulled back down to return memory. It is the only memory
// provider the heap engine consumes, standing in for a unix-style program break.
//
// A Source is expected to be dedicated to a single consumer: the heap assumes that every
// byte between offset 0 and Top was handed out by its own Extend calls.
type Source interface {
	// Top returns the current upper boundary of the region, in bytes. A fresh Source
	// has a Top of 0.
	Top() int
	// Extend grows the region by n bytes and returns the previous top, which is the base
	// offset of the newly-usable range. If the region cannot grow, Extend returns an error
	// and the region is left unchanged. n must be positive.
	Extend(n int) (int, error)
	// ShrinkTo moves the top of the region down to the provided offset, releasing every
	// byte at or above it. top must be in [0, Top()].
	ShrinkTo(top int)
	// At returns a view of length bytes of region memory beginning at offset. The returned
	// slice aliases the region's backing store. The requested range must lie below Top.
	At(offset, length int) []byte
}
