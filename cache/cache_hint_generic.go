// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build !linux && !darwin

package cache

// adviseCache is a no-op on platforms without madvise.
func adviseCache(b []byte, mode CacheMode) {}
