// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

// blob is a minimal Evictable used by the tests in this
// package: its content is a fixed byte slice, written once
// at registration and reconstructed on every MakeResident.
type blob struct {
	content    []byte
	alloc      Allocation
	buf        []byte
	loadCount  atomic.Int32
	evictCount atomic.Int32
}

func newBlob(content []byte) *blob { return &blob{content: content} }

func (b *blob) SizeBytes() int64 {
	if b.buf != nil {
		return int64(len(b.buf))
	}
	return 0
}

func (b *blob) Serialize(s Serializer) Allocation {
	a, dst := s.AllocateAndMap(int64(len(b.content)))
	copy(dst, b.content)
	b.alloc = a
	return a
}

func (b *blob) MakeResident(d Deserializer) {
	b.loadCount.Add(1)
	src := d.Map(b.alloc)
	buf := make([]byte, len(b.content))
	copy(buf, src[:len(b.content)])
	b.buf = buf
}

func (b *blob) Evict() {
	b.evictCount.Add(1)
	b.buf = nil
}

func (b *blob) IsResident() bool { return b.buf != nil }

func buildCache(t *testing.T, contents [][]byte, maxBytes int64) (*Cache, []*blob) {
	t.Helper()
	ser := NewMemSerializer()
	builder := NewBuilder(ser)
	items := make([]*blob, len(contents))
	for i, c := range contents {
		items[i] = newBlob(c)
		builder.RegisterCacheable(items[i])
	}
	return builder.Build(maxBytes), items
}

// Evict round-trip: serialize; evict; make resident again
// must reproduce the original content.
func TestEvictRoundTrip(t *testing.T) {
	c, items := buildCache(t, [][]byte{[]byte("hello"), []byte("world, this is a longer blob")}, 1<<20)

	p0 := MakeResident(c, items[0])
	assert.DeepEqual(t, p0.Get().buf, []byte("hello"))
	p0.Release()

	ForceEvict(c, items[0])
	assert.Assert(t, !items[0].IsResident())

	p1 := MakeResident(c, items[0])
	defer p1.Release()
	if diff := cmp.Diff([]byte("hello"), p1.Get().buf); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

// Cache ceiling: at every quiescent point (no in-flight
// MakeResident, nothing pinned), used <= max.
func TestCacheCeiling(t *testing.T) {
	const n = 64
	contents := make([][]byte, n)
	for i := range contents {
		contents[i] = make([]byte, 256)
	}
	c, items := buildCache(t, contents, 4096) // room for ~16 of 64

	for _, it := range items {
		p := MakeResident(c, it)
		p.Release()
	}
	assert.Assert(t, c.UsedBytes() <= c.MaxBytes(),
		"used=%d max=%d", c.UsedBytes(), c.MaxBytes())
}

// Pin safety: an item with a live CachedPtr is never evicted,
// even while the cache is driven far over budget by other
// registrations.
func TestPinSafety(t *testing.T) {
	const n = 64
	contents := make([][]byte, n)
	for i := range contents {
		contents[i] = make([]byte, 256)
	}
	c, items := buildCache(t, contents, 1024)

	pinned := MakeResident(c, items[0])
	defer pinned.Release()

	for _, it := range items[1:] {
		p := MakeResident(c, it)
		p.Release()
	}

	assert.Assert(t, items[0].IsResident(), "pinned item was evicted")
}

// No duplicate load: concurrent MakeResident calls on the
// same item result in exactly one Unloaded->Loaded
// transition.
func TestNoDuplicateLoad(t *testing.T) {
	c, items := buildCache(t, [][]byte{make([]byte, 4096)}, 1<<20)

	const goroutines = 64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			p := MakeResident(c, items[0])
			defer p.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, items[0].loadCount.Load(), int32(1))
}

// Cache-pressured random access: 50 items of 1040 bytes,
// budget well below the full working set, 8 goroutines
// performing 100000 random lookups; the summed read values
// must equal the reference sum.
func TestCachePressuredRandomAccess(t *testing.T) {
	const (
		numItems = 50
		itemSize = 1040
	)
	contents := make([][]byte, numItems)
	for i := range contents {
		buf := make([]byte, itemSize)
		v := int64(i*97 + 13)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		contents[i] = buf
	}
	c, items := buildCache(t, contents, numItems*750)

	const (
		lookups    = 100_000
		numWorkers = 8
	)
	var gotSum atomic.Int64
	counts := make([]atomic.Int64, numItems)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	perWorker := lookups / numWorkers
	for w := 0; w < numWorkers; w++ {
		go func(seed int) {
			defer wg.Done()
			rng := uint64(seed*2654435761 + 1)
			for i := 0; i < perWorker; i++ {
				rng = rng*6364136223846793005 + 1442695040888963407
				idx := int((rng >> 33) % numItems)
				p := MakeResident(c, items[idx])
				v := int64(binary.LittleEndian.Uint64(p.Get().buf))
				gotSum.Add(v)
				counts[idx].Add(1)
				p.Release()
			}
		}(w)
	}
	wg.Wait()

	var wantSum int64
	for i, v := range contents {
		val := int64(binary.LittleEndian.Uint64(v))
		wantSum += val * counts[i].Load()
	}
	assert.Equal(t, gotSum.Load(), wantSum)
}
