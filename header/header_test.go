package header

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseBytesKnownLayout(t *testing.T) {
	// "WKW" || version=01 || per_dim_log2=0x55 (file=5,block=5) ||
	// block_type=01 || voxel_type=01 || voxel_size=01 || data_offset=16
	buf := [16]byte{
		'W', 'K', 'W',
		0x01,
		0x55,
		0x01,
		0x01,
		0x01,
		0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	h, err := ParseBytes(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := Header{
		Version:      1,
		BlockLenLog2: 5,
		FileLenLog2:  5,
		BlockType:    Raw,
		VoxelType:    U8,
		VoxelSize:    1,
		DataOffset:   16,
	}
	if diff := cmp.Diff(h, want); diff != "" {
		t.Fatalf("parsed header mismatch (-got +want):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	h := Header{
		Version:      2,
		BlockLenLog2: 5,
		FileLenLog2:  4,
		BlockType:    LZ4HC,
		VoxelType:    F32,
		VoxelSize:    8, // 2 channels of F32
		DataOffset:   0,
	}
	buf := h.Bytes()
	got, err := ParseBytes(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, h); diff != "" {
		t.Fatalf("round trip mismatch (-got +want):\n%s", diff)
	}
}

func TestInvalidMagic(t *testing.T) {
	var buf [16]byte
	copy(buf[:], "XXX")
	if _, err := ParseBytes(buf); err != ErrInvalidMagic {
		t.Fatalf("got %v, want ErrInvalidMagic", err)
	}
}

func TestInvalidBlockType(t *testing.T) {
	buf := [16]byte{'W', 'K', 'W', 1, 0x00, 0x09, 0x01, 0x01}
	if _, err := ParseBytes(buf); err != ErrInvalidBlockType {
		t.Fatalf("got %v, want ErrInvalidBlockType", err)
	}
}

func TestJumpTableRoundTrip(t *testing.T) {
	h := Header{
		Version:      1,
		BlockLenLog2: 2,
		FileLenLog2:  1, // FileVol = 8
		BlockType:    LZ4,
		VoxelType:    U8,
		VoxelSize:    1,
	}
	h.JumpTable = []uint64{16, 100, 250, 400, 401, 500, 9000, 9001}

	var buf bytes.Buffer
	if err := h.WriteJumpTable(&buf); err != nil {
		t.Fatal(err)
	}

	var got Header
	got.BlockLenLog2 = h.BlockLenLog2
	got.FileLenLog2 = h.FileLenLog2
	if err := got.ReadJumpTable(&buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got.JumpTable, h.JumpTable); diff != "" {
		t.Fatalf("jump table round trip mismatch (-got +want):\n%s", diff)
	}
}

func TestBlockOffsetRaw(t *testing.T) {
	h := Header{BlockLenLog2: 2, FileLenLog2: 1, BlockType: Raw, VoxelType: U8, VoxelSize: 1, DataOffset: 16}
	off, err := h.BlockOffset(3)
	if err != nil {
		t.Fatal(err)
	}
	if want := 16 + 3*h.BlockSize(); off != want {
		t.Fatalf("BlockOffset(3) = %d, want %d", off, want)
	}
}

func TestBlockOffsetOutOfBounds(t *testing.T) {
	h := Header{BlockLenLog2: 2, FileLenLog2: 1, BlockType: Raw, VoxelType: U8, VoxelSize: 1}
	if _, err := h.BlockOffset(h.FileVol()); err != ErrOutOfBounds {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
}

func TestBlockOffsetLZ4(t *testing.T) {
	h := Header{BlockLenLog2: 1, FileLenLog2: 1, BlockType: LZ4, VoxelType: U8, VoxelSize: 1, DataOffset: 100}
	h.JumpTable = []uint64{150, 220, 300, 301, 600, 601, 700, 900}
	if off, _ := h.BlockOffset(0); off != 100 {
		t.Fatalf("block 0 offset = %d, want 100", off)
	}
	if off, _ := h.BlockOffset(1); off != 150 {
		t.Fatalf("block 1 offset = %d, want 150", off)
	}
	sz, err := h.BlockSizeOnDisk(1)
	if err != nil {
		t.Fatal(err)
	}
	if sz != 70 { // 220-150
		t.Fatalf("block 1 size = %d, want 70", sz)
	}
}

func TestCompressReinitializesDataOffsetAndJumpTable(t *testing.T) {
	tmpl := Header{Version: 1, BlockLenLog2: 5, FileLenLog2: 5, BlockType: Raw, VoxelType: U8, VoxelSize: 1}
	c := Compress(tmpl)
	if c.BlockType != LZ4HC {
		t.Fatalf("BlockType = %v, want LZ4HC", c.BlockType)
	}
	if len(c.JumpTable) != int(tmpl.FileVol()) {
		t.Fatalf("jump table len = %d, want %d", len(c.JumpTable), tmpl.FileVol())
	}
	for _, v := range c.JumpTable {
		if v != 0 {
			t.Fatal("expected zeroed jump table")
		}
	}
	if c.DataOffset != c.SizeOnDisk(true) {
		t.Fatalf("DataOffset = %d, want %d", c.DataOffset, c.SizeOnDisk(true))
	}
}

func TestFromTemplatePreservesBlockType(t *testing.T) {
	tmpl := Header{Version: 1, BlockLenLog2: 5, FileLenLog2: 5, BlockType: LZ4, VoxelType: U16, VoxelSize: 2}
	h := FromTemplate(tmpl)
	if h.BlockType != LZ4 {
		t.Fatalf("BlockType = %v, want LZ4", h.BlockType)
	}
	if len(h.JumpTable) != int(tmpl.FileVol()) {
		t.Fatalf("jump table len = %d, want %d", len(h.JumpTable), tmpl.FileVol())
	}
}

func TestVoxelSizeValidation(t *testing.T) {
	h := Header{VoxelType: U16, VoxelSize: 3}
	if err := h.Validate(); err != ErrVoxelSizeMismatch {
		t.Fatalf("got %v, want ErrVoxelSizeMismatch", err)
	}
	h.VoxelSize = 4 // 2 channels
	if err := h.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.NumChannels(); got != 2 {
		t.Fatalf("NumChannels() = %d, want 2", got)
	}
}
