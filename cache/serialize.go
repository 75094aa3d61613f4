// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

// Serializer is the write side of a storage backend.
// Implementations: NewMemSerializer (in-memory) and
// NewSplitFileSerializer (split-file-mmap).
type Serializer interface {
	// AllocateAndMap reserves n bytes and returns a token
	// identifying the allocation plus a slice valid for
	// writing until the next UnmapPreviousAllocations call.
	AllocateAndMap(n int64) (Allocation, []byte)

	// UnmapPreviousAllocations invalidates every slice
	// handed out since the last call. The Allocations
	// themselves remain valid.
	UnmapPreviousAllocations()

	// CreateDeserializer finalizes the write side and
	// yields a reader. Calling it a second time is not
	// supported: once reading has begun, the serializer
	// must not be written to again.
	CreateDeserializer() Deserializer
}

// Deserializer is the read side of a storage backend.
// Map must be safe to call concurrently from many threads
// for distinct allocations; callers guarantee they never
// Map an allocation that is concurrently being written.
type Deserializer interface {
	// Map returns a slice valid for reading until the
	// matching call to Unmap.
	Map(a Allocation) []byte

	// Unmap releases the mapping acquired by Map.
	Unmap(a Allocation)
}
