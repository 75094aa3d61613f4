// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package cache

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitFileRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "oocpt-splitfile-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	const batchSize = 1024
	s := NewSplitFileSerializer(dir, batchSize, RandomAccess)

	want := [][]byte{
		[]byte("first allocation"),
		make([]byte, 2048), // forces a second file
		[]byte("third, back in a fresh batch"),
	}
	for i := range want[1] {
		want[1][i] = byte(i)
	}

	allocs := make([]Allocation, len(want))
	for i, w := range want {
		a, dst := s.AllocateAndMap(int64(len(w)))
		copy(dst, w)
		allocs[i] = a
	}
	s.UnmapPreviousAllocations()

	d := s.CreateDeserializer().(*SplitFileDeserializer)
	defer d.Close()

	for i, w := range want {
		got := d.Map(allocs[i])[:len(w)]
		if diff := cmp.Diff(w, got); diff != "" {
			t.Fatalf("allocation %d mismatch (-want +got):\n%s", i, diff)
		}
		d.Unmap(allocs[i])
	}
}

// A batch size equal to the allocation size forces one file
// per allocation, with the writer unmapping between writes.
func TestSplitFileOneAllocationPerBatch(t *testing.T) {
	dir, err := os.MkdirTemp("", "oocpt-splitfile-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := NewSplitFileSerializer(dir, 8, Sequential)

	const n = 8
	allocs := make([]Allocation, n)
	for i := 0; i < n; i++ {
		a, dst := s.AllocateAndMap(8)
		binary.LittleEndian.PutUint64(dst, uint64(i*1000+7))
		allocs[i] = a
		s.UnmapPreviousAllocations()
	}

	d := s.CreateDeserializer().(*SplitFileDeserializer)
	defer d.Close()

	for i := 0; i < n; i++ {
		got := binary.LittleEndian.Uint64(d.Map(allocs[i]))
		if got != uint64(i*1000+7) {
			t.Fatalf("allocation %d: have %d, want %d", i, got, i*1000+7)
		}
		d.Unmap(allocs[i])
	}
}

func TestSplitFileDeserializerCloseRemovesDir(t *testing.T) {
	dir, err := os.MkdirTemp("", "oocpt-splitfile-*")
	if err != nil {
		t.Fatal(err)
	}

	s := NewSplitFileSerializer(dir, DefaultBatchSize, Sequential)
	s.AllocateAndMap(64)
	d := s.CreateDeserializer().(*SplitFileDeserializer)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected %q to be removed, stat err = %v", dir, err)
	}
}
