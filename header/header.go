// Package header implements the 16-byte WKW cube/dataset header and its
// optional per-block jump table, plus the block/file geometry derived from
// it.
package header

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// BlockType selects the on-disk block codec.
type BlockType uint8

const (
	Raw   BlockType = 1
	LZ4   BlockType = 2
	LZ4HC BlockType = 3
)

// Compressed reports whether bt requires a jump table.
func (bt BlockType) Compressed() bool { return bt == LZ4 || bt == LZ4HC }

func (bt BlockType) String() string {
	switch bt {
	case Raw:
		return "Raw"
	case LZ4:
		return "LZ4"
	case LZ4HC:
		return "LZ4HC"
	default:
		return "BlockType(invalid)"
	}
}

// VoxelType selects the scalar element type stored per channel.
type VoxelType uint8

const (
	U8 VoxelType = 1 + iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F32
	F64
)

// Size returns the element size in bytes, or 0 for an unrecognized type.
func (vt VoxelType) Size() uint8 {
	switch vt {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	default:
		return 0
	}
}

func (vt VoxelType) String() string {
	switch vt {
	case U8:
		return "U8"
	case U16:
		return "U16"
	case U32:
		return "U32"
	case U64:
		return "U64"
	case I8:
		return "I8"
	case I16:
		return "I16"
	case I32:
		return "I32"
	case I64:
		return "I64"
	case F32:
		return "F32"
	case F64:
		return "F64"
	default:
		return "VoxelType(invalid)"
	}
}

var (
	ErrInvalidMagic       = xerrors.New("header: invalid magic bytes, not a WKW file")
	ErrUnsupportedVersion = xerrors.New("header: unsupported version")
	ErrInvalidBlockType   = xerrors.New("header: invalid block type code")
	ErrInvalidVoxelType   = xerrors.New("header: invalid voxel type code")
	ErrVoxelSizeMismatch  = xerrors.New("header: voxel_size is not a multiple of voxel_type size")
	ErrOutOfBounds        = xerrors.New("header: block index out of bounds")
	ErrJumpTableIO        = xerrors.New("header: jump table read/write failed")
)

const (
	magic    = "WKW"
	byteSize = 16 // packed on-disk size of the fixed header, before any jump table
	Version1 = 1
	Version2 = 2
)

// Header is the parsed 16-byte WKW header, plus the jump table when the
// block type is compressed and this header belongs to a cube file rather
// than a bare dataset header.wkw.
type Header struct {
	Version      uint8
	BlockLenLog2 uint8
	FileLenLog2  uint8
	BlockType    BlockType
	VoxelType    VoxelType
	VoxelSize    uint8
	DataOffset   uint64
	JumpTable    []uint64 // nil unless BlockType.Compressed() and this is a file header
}

// Validate checks the voxel_size/voxel_type invariant.
func (h Header) Validate() error {
	sz := h.VoxelType.Size()
	if sz == 0 {
		return ErrInvalidVoxelType
	}
	if h.VoxelSize == 0 || h.VoxelSize%sz != 0 {
		return ErrVoxelSizeMismatch
	}
	return nil
}

// NumChannels returns voxel_size / element size.
func (h Header) NumChannels() uint8 { return h.VoxelSize / h.VoxelType.Size() }

// BlockLen returns the number of voxels per dimension in one block.
func (h Header) BlockLen() uint32 { return uint32(1) << h.BlockLenLog2 }

// BlockVol returns the number of voxels in one block.
func (h Header) BlockVol() uint64 { return uint64(1) << (3 * h.BlockLenLog2) }

// BlockSize returns the uncompressed size in bytes of one block.
func (h Header) BlockSize() uint64 { return uint64(h.VoxelSize) * h.BlockVol() }

// FileLen returns the number of blocks per dimension in one cube file.
func (h Header) FileLen() uint32 { return uint32(1) << h.FileLenLog2 }

// FileVol returns the number of blocks in one cube file.
func (h Header) FileVol() uint64 { return uint64(1) << (3 * h.FileLenLog2) }

// FileLenVxLog2 returns log2 of the number of voxels per dimension in one
// cube file.
func (h Header) FileLenVxLog2() uint8 { return h.FileLenLog2 + h.BlockLenLog2 }

// FileLenVx returns the number of voxels per dimension in one cube file.
func (h Header) FileLenVx() uint32 { return uint32(1) << h.FileLenVxLog2() }

// FileVolVx returns the number of voxels in one cube file.
func (h Header) FileVolVx() uint64 { return uint64(1) << (3 * uint64(h.FileLenVxLog2())) }

// FileSize returns the uncompressed size in bytes of one cube file's voxel
// payload (excluding header and jump table).
func (h Header) FileSize() uint64 { return uint64(h.VoxelSize) * h.FileVolVx() }

type rawHeader struct {
	Magic      [3]byte
	Version    uint8
	PerDimLog2 uint8
	BlockType  uint8
	VoxelType  uint8
	VoxelSize  uint8
	DataOffset uint64
}

// ParseBytes parses the fixed 16-byte header. It does not touch any jump
// table; callers read that separately via ReadJumpTable once they know
// whether one is present (block type compressed and this is a file
// header, not the dataset's bare header.wkw).
func ParseBytes(buf [byteSize]byte) (Header, error) {
	var raw rawHeader
	raw.Magic = [3]byte{buf[0], buf[1], buf[2]}
	raw.Version = buf[3]
	raw.PerDimLog2 = buf[4]
	raw.BlockType = buf[5]
	raw.VoxelType = buf[6]
	raw.VoxelSize = buf[7]
	raw.DataOffset = binary.LittleEndian.Uint64(buf[8:16])

	if string(raw.Magic[:]) != magic {
		return Header{}, ErrInvalidMagic
	}
	if raw.Version != Version1 && raw.Version != Version2 {
		return Header{}, ErrUnsupportedVersion
	}
	bt := BlockType(raw.BlockType)
	if bt != Raw && bt != LZ4 && bt != LZ4HC {
		return Header{}, ErrInvalidBlockType
	}
	vt := VoxelType(raw.VoxelType)
	if vt.Size() == 0 {
		return Header{}, ErrInvalidVoxelType
	}

	return Header{
		Version:      raw.Version,
		BlockLenLog2: raw.PerDimLog2 & 0x0f,
		FileLenLog2:  raw.PerDimLog2 >> 4,
		BlockType:    bt,
		VoxelType:    vt,
		VoxelSize:    raw.VoxelSize,
		DataOffset:   raw.DataOffset,
	}, nil
}

// Bytes serializes the fixed 16-byte header. The jump table, if any, is
// written separately via WriteJumpTable.
func (h Header) Bytes() [byteSize]byte {
	var buf [byteSize]byte
	copy(buf[0:3], magic)
	buf[3] = h.Version
	buf[4] = (h.FileLenLog2 << 4) | (h.BlockLenLog2 & 0x0f)
	buf[5] = byte(h.BlockType)
	buf[6] = byte(h.VoxelType)
	buf[7] = h.VoxelSize
	binary.LittleEndian.PutUint64(buf[8:16], h.DataOffset)
	return buf
}

// ReadJumpTable reads FileVol() little-endian u64 entries from r.
func (h *Header) ReadJumpTable(r io.Reader) error {
	n := h.FileVol()
	table := make([]uint64, n)
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return xerrors.Errorf("%w: %v", ErrJumpTableIO, err)
	}
	for i := range table {
		table[i] = binary.LittleEndian.Uint64(buf[8*i : 8*i+8])
	}
	h.JumpTable = table
	return nil
}

// WriteJumpTable writes h.JumpTable as FileVol() little-endian u64 entries.
func (h Header) WriteJumpTable(w io.Writer) error {
	buf := make([]byte, 8*len(h.JumpTable))
	for i, v := range h.JumpTable {
		binary.LittleEndian.PutUint64(buf[8*i:8*i+8], v)
	}
	if _, err := w.Write(buf); err != nil {
		return xerrors.Errorf("%w: %v", ErrJumpTableIO, err)
	}
	return nil
}

// SizeOnDisk returns the combined byte size of the fixed header plus (if
// compressed and jumpTable is true) the jump table, as laid out
// contiguously (version 1: header then table; version 2: table then
// header, same total size).
func (h Header) SizeOnDisk(jumpTable bool) uint64 {
	n := uint64(byteSize)
	if jumpTable && h.BlockType.Compressed() {
		n += 8 * h.FileVol()
	}
	return n
}

// BlockOffset returns the absolute byte offset of block idx's first byte.
func (h Header) BlockOffset(idx uint64) (uint64, error) {
	if idx >= h.FileVol() {
		return 0, ErrOutOfBounds
	}
	if !h.BlockType.Compressed() {
		return h.DataOffset + idx*h.BlockSize(), nil
	}
	if idx == 0 {
		return h.DataOffset, nil
	}
	return h.JumpTable[idx-1], nil
}

// BlockSizeOnDisk returns the compressed (or raw) size in bytes of block
// idx as currently recorded.
func (h Header) BlockSizeOnDisk(idx uint64) (uint64, error) {
	if idx >= h.FileVol() {
		return 0, ErrOutOfBounds
	}
	if !h.BlockType.Compressed() {
		return h.BlockSize(), nil
	}
	start := h.DataOffset
	if idx > 0 {
		start = h.JumpTable[idx-1]
	}
	return h.JumpTable[idx] - start, nil
}

// MaxBlockSizeOnDisk returns the largest a single block's on-disk
// representation can be: the LZ4 compress bound for compressed block
// types, or the exact block size for Raw.
func (h Header) MaxBlockSizeOnDisk(compressBound func(int) int) uint64 {
	if !h.BlockType.Compressed() {
		return h.BlockSize()
	}
	return uint64(compressBound(int(h.BlockSize())))
}

// Compress returns a new Header derived from template: block type set to
// LZ4HC, DataOffset reinitialized for a freshly (re)compressed file
// (SizeOnDisk for version 1, 0 for version 2, where the header instead
// sits at the tail), and a zeroed jump table of length FileVol().
func Compress(template Header) Header {
	h := template
	h.BlockType = LZ4HC
	h.JumpTable = make([]uint64, h.FileVol())
	if h.Version == Version1 {
		h.DataOffset = h.SizeOnDisk(true)
	} else {
		h.DataOffset = 0
	}
	return h
}

// FromTemplate returns a new Header for a file freshly created inside a
// dataset whose shared geometry/voxel type/block type is given by
// template. Unlike Compress, the block type is preserved as-is.
func FromTemplate(template Header) Header {
	h := template
	if h.BlockType.Compressed() {
		h.JumpTable = make([]uint64, h.FileVol())
	} else {
		h.JumpTable = nil
	}
	if h.Version == Version1 {
		h.DataOffset = h.SizeOnDisk(true)
	} else {
		h.DataOffset = 0
	}
	return h
}

// EqualModuloDataOffset reports whether two headers are equal modulo DataOffset, which
// varies between the dataset-wide header.wkw (always 0) and per-file
// headers (which point past the header/jump-table region for version 1).
// JumpTable contents are not compared either, since a fresh file's table
// is all zero until data is written.
func (h Header) EqualModuloDataOffset(o Header) bool {
	return h.Version == o.Version &&
		h.BlockLenLog2 == o.BlockLenLog2 &&
		h.FileLenLog2 == o.FileLenLog2 &&
		h.BlockType == o.BlockType &&
		h.VoxelType == o.VoxelType &&
		h.VoxelSize == o.VoxelSize
}
