// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

import "encoding/binary"

// memAlloc is the private interpretation that
// MemSerializer/MemDeserializer give to an Allocation: a
// single byte offset into the growable backing buffer.
func memAlloc(off int64) (a Allocation) {
	binary.LittleEndian.PutUint64(a[:8], uint64(off))
	return
}

func memOffset(a Allocation) int64 {
	return int64(binary.LittleEndian.Uint64(a[:8]))
}

// MemSerializer is the in-memory Serializer backing store:
// a single growable byte buffer. Allocation = offset.
type MemSerializer struct {
	buf []byte
}

// NewMemSerializer creates an empty in-memory serializer.
func NewMemSerializer() *MemSerializer { return &MemSerializer{} }

// AllocateAndMap implements Serializer.
func (s *MemSerializer) AllocateAndMap(n int64) (Allocation, []byte) {
	off := int64(len(s.buf))
	s.buf = append(s.buf, make([]byte, n)...)
	return memAlloc(off), s.buf[off : off+n : off+n]
}

// UnmapPreviousAllocations implements Serializer.
// The in-memory backing store never moves previously
// returned slices (append only grows at the tail, and
// earlier slices remain valid views into the same array
// until a future append reallocates it), but callers must
// still treat slices as invalidated per the interface
// contract, since the backing array may be reallocated by
// a later AllocateAndMap call.
func (s *MemSerializer) UnmapPreviousAllocations() {}

// CreateDeserializer implements Serializer.
func (s *MemSerializer) CreateDeserializer() Deserializer {
	return &MemDeserializer{buf: s.buf}
}

// MemDeserializer is the read side of MemSerializer.
type MemDeserializer struct {
	buf []byte
}

// Map implements Deserializer. The returned slice is a
// view into the buffer MemSerializer handed over at
// CreateDeserializer; Map only reads it, so any number of
// callers may Map concurrently.
func (d *MemDeserializer) Map(a Allocation) []byte {
	off := memOffset(a)
	return d.buf[off:]
}

// Unmap implements Deserializer. It is a no-op: MemDeserializer
// holds the whole image resident for the process lifetime.
func (d *MemDeserializer) Unmap(Allocation) {}
