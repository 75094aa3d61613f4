// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// CacheMode is the mmap read-ahead hint applied to the
// split-file backing store.
type CacheMode int

const (
	// Sequential hints that allocations will mostly be
	// read in the order they were written (e.g., an
	// initial bulk load of a subscene's geometry).
	Sequential CacheMode = iota
	// RandomAccess hints that allocations will be read in
	// no particular order.
	RandomAccess
)

// DefaultBatchSize is the default size, in bytes, of each
// backing file created by SplitFileSerializer.
const DefaultBatchSize = 512 << 20 // 512 MiB

// splitFileAlloc is the private interpretation that
// SplitFileSerializer/SplitFileDeserializer give to an
// Allocation: a (fileID, offset) pair.
type splitFileAlloc struct {
	fileID uint32
	offset int64
}

func (a splitFileAlloc) pack() (out Allocation) {
	binary.LittleEndian.PutUint32(out[:4], a.fileID)
	binary.LittleEndian.PutUint64(out[4:12], uint64(a.offset))
	return
}

func unpackSplitFileAlloc(a Allocation) splitFileAlloc {
	return splitFileAlloc{
		fileID: binary.LittleEndian.Uint32(a[:4]),
		offset: int64(binary.LittleEndian.Uint64(a[4:12])),
	}
}

// mappedFile is one {id}.bin file of the split-file store.
type mappedFile struct {
	f    *os.File
	mmap mmap.MMap
}

// SplitFileSerializer is the split-file-mmap Serializer
// backing store. It batches allocations into fixed-size
// files, memory-mapped with a caller-chosen cache hint.
// Allocation = (fileID, offsetInFile).
//
// Failure modes: an allocation larger than the batch size
// grows that file to fit; any I/O failure is fatal (panics),
// per the core's error policy for IO-Fatal conditions.
type SplitFileSerializer struct {
	dir       string
	batchSize int64
	mode      CacheMode

	files   []*mappedFile
	current *mappedFile
	offset  int64
}

// NewSplitFileSerializer creates a serializer that writes
// {id}.bin files of the given batch size into dir. dir is
// created if it does not exist. If batchSize <= 0,
// DefaultBatchSize is used.
func NewSplitFileSerializer(dir string, batchSize int64, mode CacheMode) *SplitFileSerializer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(fmt.Sprintf("cache: cannot create serializer directory %q: %v", dir, err))
	}
	return &SplitFileSerializer{dir: dir, batchSize: batchSize, mode: mode}
}

func (s *SplitFileSerializer) fileName(id uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.bin", id))
}

// openNewFile creates and mmaps a new dense file of at
// least minSize bytes (rounded up to s.batchSize).
func (s *SplitFileSerializer) openNewFile(minSize int64) *mappedFile {
	size := s.batchSize
	if minSize > size {
		size = minSize
	}
	id := uint32(len(s.files))
	f, err := os.OpenFile(s.fileName(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		panic(fmt.Sprintf("cache: cannot create %q: %v", s.fileName(id), err))
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		panic(fmt.Sprintf("cache: cannot size %q to %d bytes: %v", s.fileName(id), size, err))
	}
	m, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		panic(fmt.Sprintf("cache: cannot mmap %q: %v", s.fileName(id), err))
	}
	adviseCache(m, s.mode)
	mf := &mappedFile{f: f, mmap: m}
	s.files = append(s.files, mf)
	return mf
}

// growCurrentFile grows the current (still-open, still
// empty-past-offset) file in place to fit minSize, used
// only when a single allocation exceeds the batch size and
// the current file has not yet received any writes past
// its original dense size.
func (s *SplitFileSerializer) growCurrentFile(minSize int64) {
	mf := s.current
	if err := mf.mmap.Unmap(); err != nil {
		panic(fmt.Sprintf("cache: cannot unmap for grow: %v", err))
	}
	if err := mf.f.Truncate(minSize); err != nil {
		panic(fmt.Sprintf("cache: cannot grow file to %d bytes: %v", minSize, err))
	}
	m, err := mmap.MapRegion(mf.f, int(minSize), mmap.RDWR, 0, 0)
	if err != nil {
		panic(fmt.Sprintf("cache: cannot remap grown file: %v", err))
	}
	adviseCache(m, s.mode)
	mf.mmap = m
}

// AllocateAndMap implements Serializer.
func (s *SplitFileSerializer) AllocateAndMap(n int64) (Allocation, []byte) {
	if n <= 0 {
		panic("cache: AllocateAndMap: n must be > 0")
	}
	if s.current == nil {
		s.current = s.openNewFile(n)
		s.offset = 0
	} else if s.offset+n > int64(len(s.current.mmap)) {
		if s.offset == 0 {
			// Nothing written to this file yet: grow it
			// in place rather than abandoning it.
			s.growCurrentFile(n)
		} else {
			s.current = s.openNewFile(n)
			s.offset = 0
		}
	}
	fileID := uint32(len(s.files) - 1)
	off := s.offset
	s.offset += n
	a := splitFileAlloc{fileID: fileID, offset: off}.pack()
	return a, s.current.mmap[off : off+n : off+n]
}

// UnmapPreviousAllocations implements Serializer.
// For the mmap backing store this is advisory only: the
// returned slices remain valid views into the mapped file
// until the file is grown (SplitFileSerializer.growCurrentFile
// remaps), at which point stale slices must not be used.
// Callers must not rely on slices surviving past the next
// call, matching the in-memory implementation's contract.
func (s *SplitFileSerializer) UnmapPreviousAllocations() {}

// CreateDeserializer implements Serializer. The writer's
// mappings are handed over to the returned Deserializer
// directly (no re-opening): the files are already dense and
// mmapped, so sealing is just "stop writing to them".
func (s *SplitFileSerializer) CreateDeserializer() Deserializer {
	files := s.files
	s.files = nil
	s.current = nil
	return &SplitFileDeserializer{dir: s.dir, mode: s.mode, files: files}
}

// SplitFileDeserializer is the read side of
// SplitFileSerializer. All files remain mmapped for the
// process lifetime; Map/Unmap are safe to call concurrently
// from many goroutines for distinct allocations.
type SplitFileDeserializer struct {
	dir   string
	mode  CacheMode
	files []*mappedFile
}

// Map implements Deserializer.
func (d *SplitFileDeserializer) Map(a Allocation) []byte {
	sfa := unpackSplitFileAlloc(a)
	return d.files[sfa.fileID].mmap[sfa.offset:]
}

// Unmap implements Deserializer. It is a no-op: files stay
// mapped for the lifetime of the deserializer.
func (d *SplitFileDeserializer) Unmap(Allocation) {}

// Close unmaps every backing file and deletes the temporary
// directory. The serializer temp directory is scratch for
// the lifetime of the process and must be deleted on
// shutdown, per the persisted-state-layout contract.
func (d *SplitFileDeserializer) Close() error {
	for _, mf := range d.files {
		mf.mmap.Unmap()
		mf.f.Close()
	}
	d.files = nil
	return os.RemoveAll(d.dir)
}
