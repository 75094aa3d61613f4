// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// itemState is the lifecycle state of one cache item
// record, as defined in the Evictable protocol.
type itemState int32

const (
	unloaded itemState = iota
	loading
	loaded
	evicting
)

// item is the cache's per-Evictable bookkeeping record.
type item struct {
	evictable Evictable
	marked    atomic.Bool
	state     atomic.Int32 // itemState
	refCount  atomic.Int32
}

// Cache is a multi-producer, multi-consumer, ref-counted
// LRU with a hard byte budget. It owns the residency state
// of every Evictable registered with it; it never owns the
// object's identity.
//
// The zero value is not usable; construct one with Builder.
type Cache struct {
	deserializer Deserializer
	maxBytes     int64
	usedBytes    atomic.Int64

	items []*item
	index map[Evictable]int

	evictMu sync.Mutex
	log     *logrus.Logger
}

// Builder accumulates Evictables before the cache's memory
// budget is known (construction is two-phase: register
// everything, then Build(maxBytes)).
type Builder struct {
	serializer Serializer
	items      []Evictable
	log        *logrus.Logger
}

// NewBuilder creates a Builder that writes through s.
func NewBuilder(s Serializer) *Builder {
	return &Builder{serializer: s, log: logrus.StandardLogger()}
}

// SetLogger overrides the logger used by the cache built
// from this Builder. The default is logrus.StandardLogger().
func (b *Builder) SetLogger(l *logrus.Logger) *Builder {
	b.log = l
	return b
}

// RegisterCacheable serializes e (exactly once) and adds it
// to the cache under construction. e starts non-resident.
func (b *Builder) RegisterCacheable(e Evictable) {
	e.Serialize(b.serializer)
	b.items = append(b.items, e)
}

// Build finalizes the serializer and returns the cache,
// enforcing maxBytes as its memory ceiling from then on.
func (b *Builder) Build(maxBytes int64) *Cache {
	d := b.serializer.CreateDeserializer()
	c := &Cache{
		deserializer: d,
		maxBytes:     maxBytes,
		items:        make([]*item, len(b.items)),
		index:        make(map[Evictable]int, len(b.items)),
		log:          b.log,
	}
	for i, e := range b.items {
		rec := &item{evictable: e}
		rec.marked.Store(true)
		rec.state.Store(int32(unloaded))
		c.items[i] = rec
		c.index[e] = i
	}
	return c
}

// UsedBytes returns the cache's current accounted memory
// usage. It may transiently exceed MaxBytes when every
// Loaded item is pinned (Budget-Exceeded). The count is the
// sum of the SizeBytes changes measured across each load
// and eviction; an item that grows while it is Loaded does
// not add that growth to the count.
func (c *Cache) UsedBytes() int64 { return c.usedBytes.Load() }

// MaxBytes returns the cache's configured memory ceiling.
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

// Close releases the cache's backing deserializer, if it
// holds process-lifetime resources that must be torn down
// explicitly (the split-file-mmap backing store's temporary
// directory). It is a no-op for backing stores, such as the
// in-memory one, that own nothing beyond process memory.
func (c *Cache) Close() error {
	if closer, ok := c.deserializer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (c *Cache) lookup(e Evictable) *item {
	idx, ok := c.index[e]
	if !ok {
		panic("cache: MakeResident/ForceEvict called with an unregistered Evictable")
	}
	return c.items[idx]
}

// MakeResident returns a CachedPtr pinning e's residency,
// loading it from its serialized image if necessary. It
// implements the six-step protocol: clear-marked,
// ref-count bump, spin-on-Evicting, CAS Unloaded->Loading,
// release-store Loaded, conditional evictMarked.
func MakeResident[T Evictable](c *Cache, e T) CachedPtr[T] {
	rec := c.lookup(e)

	rec.marked.Store(false)

	// Ensure the item cannot be deleted out from under us by
	// bumping the reference count before observing state.
	rec.refCount.Add(1)

	// If another thread is mid-eviction, wait for it: the
	// ref-count bump above guarantees that thread cannot
	// have started evicting after this point (it re-checks
	// ref_count == 0 under Evicting), so this spins at most
	// once, briefly.
	var state itemState
	for {
		state = itemState(rec.state.Load())
		if state != evicting {
			break
		}
		runtime.Gosched()
	}

	if state == loaded {
		return CachedPtr[T]{ptr: e, refCount: &rec.refCount}
	}

	if state == unloaded && rec.state.CompareAndSwap(int32(unloaded), int32(loading)) {
		sizeBefore := e.SizeBytes()
		e.MakeResident(c.deserializer)
		sizeAfter := e.SizeBytes()
		if sizeAfter < sizeBefore {
			c.log.WithFields(logrus.Fields{
				"before": sizeBefore,
				"after":  sizeAfter,
			}).Warn("cache: Evictable.SizeBytes decreased across MakeResident (Contract-Violation)")
		} else {
			c.usedBytes.Add(sizeAfter - sizeBefore)
		}
		rec.state.Store(int32(loaded))

		if c.usedBytes.Load() > c.maxBytes {
			c.evictMarked()
		}
	} else {
		// Either we lost the Unloaded->Loading race, or
		// another thread already owns the load (state was
		// Loading when we observed it). Either way, wait.
		for itemState(rec.state.Load()) != loaded {
			runtime.Gosched()
		}
	}

	return CachedPtr[T]{ptr: e, refCount: &rec.refCount}
}

// evictMarked runs the second-chance eviction sweep. It is
// serialized by a single mutex, so at most one goroutine
// runs it at a time.
func (c *Cache) evictMarked() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if c.usedBytes.Load() <= c.maxBytes {
		return
	}

	// Second-chance sweep: MakeResident clears marked on
	// every touch, so an item only becomes a candidate once
	// it has survived a full sweep untouched. Every item
	// visited here ends up marked, whether or not it was
	// evicted, giving it exactly one more sweep of grace if
	// it is touched again before the next call.
	allPinned := true
	for _, rec := range c.items {
		if itemState(rec.state.Load()) != loaded {
			continue
		}
		if !rec.marked.Load() {
			rec.marked.Store(true)
			continue
		}
		if rec.refCount.Load() > 0 {
			rec.marked.Store(true)
			continue
		}
		if !rec.state.CompareAndSwap(int32(loaded), int32(evicting)) {
			rec.marked.Store(true)
			continue
		}
		if rec.refCount.Load() != 0 {
			rec.state.Store(int32(loaded))
			rec.marked.Store(true)
			continue
		}
		allPinned = false
		sizeBefore := rec.evictable.SizeBytes()
		rec.evictable.Evict()
		sizeAfter := rec.evictable.SizeBytes()
		c.usedBytes.Add(sizeAfter - sizeBefore)
		rec.state.Store(int32(unloaded))
		rec.marked.Store(true)

		if c.usedBytes.Load() <= c.maxBytes {
			return
		}
	}

	if c.usedBytes.Load() > c.maxBytes && allPinned {
		c.log.WithFields(logrus.Fields{
			"used": c.usedBytes.Load(),
			"max":  c.maxBytes,
		}).Warn("cache: could not reach memory ceiling, every Loaded item is pinned (Budget-Exceeded)")
	}
}

// ForceEvict bypasses the LRU policy and evicts e
// immediately. The caller must guarantee that no CachedPtr
// referencing e is outstanding (ref_count == 0); it exists
// so that preprocessing passes can release memory
// deterministically between phases.
func ForceEvict[T Evictable](c *Cache, e T) {
	rec := c.lookup(e)
	if rec.refCount.Load() != 0 {
		panic("cache: ForceEvict called with outstanding references")
	}
	if itemState(rec.state.Load()) != loaded {
		return
	}
	sizeBefore := rec.evictable.SizeBytes()
	rec.evictable.Evict()
	sizeAfter := rec.evictable.SizeBytes()
	c.usedBytes.Add(sizeAfter - sizeBefore)
	rec.state.Store(int32(unloaded))
	rec.marked.Store(true)
}
