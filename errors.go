package brkheap

import "github.com/pkg/errors"

// ErrInvalidRequest is the error returned when an allocation or reallocation is requested
// with a non-positive size, or when a zeroed-allocation size computation overflows
var ErrInvalidRequest error = errors.New("requested size must be a positive number of bytes")

// ErrOutOfMemory is the error returned when the backing region cannot be extended far
// enough to satisfy a request. The heap is left exactly as it was before the failing call.
var ErrOutOfMemory error = errors.New("the backing region could not be extended")

// ErrInvalidPointer is the error returned when a pointer passed to a free or reallocate
// call does not identify a live allocation in the heap
var ErrInvalidPointer error = errors.New("pointer does not identify a live allocation")

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
