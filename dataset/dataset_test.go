package dataset

import (
	"math/rand"
	"testing"

	"github.com/wkwfs/wkw/header"
	"github.com/wkwfs/wkw/mat"
	"github.com/wkwfs/wkw/vec3"
)

func rawHeader() header.Header {
	return header.Header{
		Version:      header.Version1,
		BlockLenLog2: 2, // block = 4 voxels/dim
		FileLenLog2:  1, // file = 2 blocks/dim = 8 voxels/dim
		BlockType:    header.Raw,
		VoxelType:    header.U8,
		VoxelSize:    1,
	}
}

func fill(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestCreateThenHeaderExists(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, rawHeader()); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(dir, rawHeader()); err != ErrHeaderExists {
		t.Fatalf("got %v, want ErrHeaderExists", err)
	}
}

func TestDatasetRawRoundTripAcrossFileBoundary(t *testing.T) {
	dir := t.TempDir()
	ds, err := Create(dir, rawHeader())
	if err != nil {
		t.Fatal(err)
	}

	// file extent is 8 voxels/dim; this write spans two files along
	// every axis.
	const n = 12
	src, err := mat.New(fill(n*n*n, 0x2A), vec3.Vec3{X: n, Y: n, Z: n}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.WriteMat(vec3.Vec3{}, src); err != nil {
		t.Fatal(err)
	}

	dst, err := mat.New(make([]byte, 4*4*4), vec3.Vec3{X: 4, Y: 4, Z: 4}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.ReadMat(vec3.Vec3{X: 5, Y: 5, Z: 5}, dst); err != nil {
		t.Fatal(err)
	}
	for _, b := range dst.Data {
		if b != 0x2A {
			t.Fatalf("got %#x, want 0x2a", b)
		}
	}
}

func TestDatasetSparseReadLeavesBufferUntouched(t *testing.T) {
	dir := t.TempDir()
	ds, err := Create(dir, rawHeader())
	if err != nil {
		t.Fatal(err)
	}

	dst, err := mat.New(fill(4*4*4, 0x77), vec3.Vec3{X: 4, Y: 4, Z: 4}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.ReadMat(vec3.Vec3{X: 1000, Y: 1000, Z: 1000}, dst); err != nil {
		t.Fatal(err)
	}
	for _, b := range dst.Data {
		if b != 0x77 {
			t.Fatalf("expected buffer to be left untouched at 0x77, got %#x", b)
		}
	}
}

func compressedHeader() header.Header {
	return header.Header{
		Version:      header.Version1,
		BlockLenLog2: 2, // block = 4 voxels/dim
		FileLenLog2:  1, // file = 2 blocks/dim = 8 voxels/dim
		BlockType:    header.LZ4HC,
		VoxelType:    header.U8,
		VoxelSize:    1,
	}
}

func TestDatasetCompressedWholeFileWriteAndAlignmentFailure(t *testing.T) {
	dir := t.TempDir()
	ds, err := Create(dir, compressedHeader())
	if err != nil {
		t.Fatal(err)
	}

	r := rand.New(rand.NewSource(11))
	data := make([]byte, 8*8*8)
	for i := range data {
		data[i] = byte(r.Intn(256))
	}
	whole, err := mat.New(data, vec3.Vec3{X: 8, Y: 8, Z: 8}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.WriteMat(vec3.Vec3{}, whole); err != nil {
		t.Fatal(err)
	}

	dst, err := mat.New(make([]byte, 8*8*8), vec3.Vec3{X: 8, Y: 8, Z: 8}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.ReadMat(vec3.Vec3{}, dst); err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if dst.Data[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, dst.Data[i], data[i])
		}
	}

	partial, err := mat.New(make([]byte, 2*2*2), vec3.Vec3{X: 2, Y: 2, Z: 2}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.WriteMat(vec3.Vec3{}, partial); err == nil {
		t.Fatal("expected CompressedWriteAlignment failure")
	}
}

func TestDatasetVersion2RoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := rawHeader()
	h.Version = header.Version2
	ds, err := Create(dir, h)
	if err != nil {
		t.Fatal(err)
	}

	src, err := mat.New(fill(12*12*12, 0x3B), vec3.Vec3{X: 12, Y: 12, Z: 12}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.WriteMat(vec3.Vec3{X: 4, Y: 4, Z: 4}, src); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := mat.New(make([]byte, 4*4*4), vec3.Vec3{X: 4, Y: 4, Z: 4}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.ReadMat(vec3.Vec3{X: 6, Y: 6, Z: 6}, dst); err != nil {
		t.Fatal(err)
	}
	for _, b := range dst.Data {
		if b != 0x3B {
			t.Fatalf("got %#x, want 0x3b", b)
		}
	}
}

func TestCachedDatasetReadAfterWrite(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, rawHeader()); err != nil {
		t.Fatal(err)
	}
	cd, err := NewCached(dir)
	if err != nil {
		t.Fatal(err)
	}

	src, err := mat.New(fill(4*4*4, 0x11), vec3.Vec3{X: 4, Y: 4, Z: 4}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := cd.WriteMat(vec3.Vec3{}, src); err != nil {
		t.Fatal(err)
	}
	dst, err := mat.New(make([]byte, 4*4*4), vec3.Vec3{X: 4, Y: 4, Z: 4}, 1, header.U8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := cd.ReadMat(vec3.Vec3{}, dst); err != nil {
		t.Fatal(err)
	}
	for _, b := range dst.Data {
		if b != 0x11 {
			t.Fatalf("got %#x, want 0x11", b)
		}
	}
}
