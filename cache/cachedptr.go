// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

import "sync/atomic"

// CachedPtr is a ref-counted handle pinning an Evictable's
// residency: while at least one CachedPtr referencing an
// item is outstanding, the cache may not evict it.
//
// Go has no destructors, so CachedPtr does not release its
// reference automatically; callers must call Release
// exactly once for every CachedPtr they are handed (either
// directly or via Clone).
type CachedPtr[T Evictable] struct {
	ptr      T
	refCount *atomic.Int32
}

// Get returns the pinned object. It is only valid to
// dereference between acquiring the CachedPtr and calling
// Release on it (or any of its clones).
func (p CachedPtr[T]) Get() T { return p.ptr }

// Valid reports whether p holds a live reference.
func (p CachedPtr[T]) Valid() bool { return p.refCount != nil }

// Clone returns a new CachedPtr sharing the same reference
// count, incrementing it. The returned value must itself be
// Released independently of p.
func (p CachedPtr[T]) Clone() CachedPtr[T] {
	if p.refCount != nil {
		p.refCount.Add(1)
	}
	return p
}

// Release decrements the reference count. p must not be
// used again afterwards.
func (p CachedPtr[T]) Release() {
	if p.refCount != nil {
		p.refCount.Add(-1)
	}
}
