// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build linux || darwin

package cache

import "golang.org/x/sys/unix"

// adviseCache applies the configured CacheMode as an
// madvise hint on a freshly mapped file region. It is
// best-effort: a failure here does not affect correctness,
// only read-ahead behavior, so it is ignored.
func adviseCache(b []byte, mode CacheMode) {
	if len(b) == 0 {
		return
	}
	switch mode {
	case RandomAccess:
		_ = unix.Madvise(b, unix.MADV_RANDOM)
	default:
		_ = unix.Madvise(b, unix.MADV_SEQUENTIAL)
	}
}
