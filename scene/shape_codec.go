// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package scene

import (
	"encoding/binary"
	"math"

	"github.com/gviegas/oocpt/linear"
)

// Shape's serialized image layout:
//
//	u32 numIndices
//	u32 numVertices
//	u8  hasUV
//	[numIndices]u32      indices
//	[numVertices]3xf32   positions
//	[numVertices]3xf32   normals
//	[numVertices]2xf32   uvs (present only if hasUV != 0)
const shapeHeaderSize = 9

func shapeImageSize(numIndices, numVertices int, hasUV bool) int64 {
	n := int64(shapeHeaderSize) + int64(numIndices)*4 + int64(numVertices)*12*2
	if hasUV {
		n += int64(numVertices) * 8
	}
	return n
}

func putFloat32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func getFloat32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

func encodeShapeImage(dst []byte, indices []uint32, positions, normals []linear.Vec3, uvs []linear.V2) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(indices)))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(positions)))
	hasUV := byte(0)
	if len(uvs) > 0 {
		hasUV = 1
	}
	dst[8] = hasUV
	off := shapeHeaderSize
	for _, i := range indices {
		binary.LittleEndian.PutUint32(dst[off:off+4], i)
		off += 4
	}
	for _, p := range positions {
		putFloat32(dst[off:off+4], p[0])
		putFloat32(dst[off+4:off+8], p[1])
		putFloat32(dst[off+8:off+12], p[2])
		off += 12
	}
	for _, n := range normals {
		putFloat32(dst[off:off+4], n[0])
		putFloat32(dst[off+4:off+8], n[1])
		putFloat32(dst[off+8:off+12], n[2])
		off += 12
	}
	if hasUV != 0 {
		for _, uv := range uvs {
			putFloat32(dst[off:off+4], uv[0])
			putFloat32(dst[off+4:off+8], uv[1])
			off += 8
		}
	}
}

func decodeShapeImage(src []byte) (indices []uint32, positions, normals []linear.Vec3, uvs []linear.V2) {
	numIndices := int(binary.LittleEndian.Uint32(src[0:4]))
	numVertices := int(binary.LittleEndian.Uint32(src[4:8]))
	hasUV := src[8] != 0

	off := shapeHeaderSize
	indices = make([]uint32, numIndices)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(src[off : off+4])
		off += 4
	}
	positions = make([]linear.Vec3, numVertices)
	for i := range positions {
		positions[i] = linear.Vec3{getFloat32(src[off : off+4]), getFloat32(src[off+4 : off+8]), getFloat32(src[off+8 : off+12])}
		off += 12
	}
	normals = make([]linear.Vec3, numVertices)
	for i := range normals {
		normals[i] = linear.Vec3{getFloat32(src[off : off+4]), getFloat32(src[off+4 : off+8]), getFloat32(src[off+8 : off+12])}
		off += 12
	}
	if hasUV {
		uvs = make([]linear.V2, numVertices)
		for i := range uvs {
			uvs[i] = linear.V2{getFloat32(src[off : off+4]), getFloat32(src[off+4 : off+8])}
			off += 8
		}
	}
	return
}
