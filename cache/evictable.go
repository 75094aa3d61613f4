// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package cache implements the residency cache: a
// reference-counted, thread-safe LRU that owns the
// serialized image of every Evictable and enforces a hard
// memory ceiling by evicting unpinned victims.
package cache

// Allocation is a fixed-size opaque handle returned by a
// Serializer. Its interpretation is private to the
// Serializer/Deserializer pair that produced it.
type Allocation [16]byte

// Evictable is an object whose in-memory content can be
// released and reconstructed from its serialized image.
//
// Serialize is called exactly once, at registration time,
// and must itself leave the object non-resident (the cache
// treats it as Unloaded from then on; Builder does not call
// Evict after Serialize). MakeResident/Evict may be called any
// number of times thereafter, always in alternation,
// starting with MakeResident.
//
// SizeBytes must be callable in any state and must be
// monotone non-decreasing across a MakeResident call
// (resident size >= non-resident size); see the Cache
// ceiling invariant.
type Evictable interface {
	// SizeBytes reports the object's current footprint.
	SizeBytes() int64

	// Serialize writes a self-contained byte image of the
	// object into s and returns the Allocation that
	// identifies it. It is called once, before the object
	// is ever made resident.
	Serialize(s Serializer) Allocation

	// MakeResident reconstructs the in-memory
	// representation from the Allocation returned by
	// Serialize, reading it back through d.
	MakeResident(d Deserializer)

	// Evict releases all memory that is reconstructible
	// from the Allocation.
	Evict()
}
