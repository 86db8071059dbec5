// Package wkwfile implements File, a single on-disk WKW cube file: block-
// aligned seek/read/write, jump-table maintenance for compressed block
// types, and the whole-file compress utility.
package wkwfile

import (
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/wkwfs/wkw/header"
	"github.com/wkwfs/wkw/lz4codec"
	"github.com/wkwfs/wkw/mat"
	"github.com/wkwfs/wkw/morton"
	"github.com/wkwfs/wkw/vec3"
)

var (
	ErrNotBlockAligned          = xerrors.New("wkwfile: block position not aligned, reseek required")
	ErrCompressedWriteAlignment = xerrors.New("wkwfile: compressed write is not whole-file aligned")
	ErrDecompressLength         = xerrors.New("wkwfile: decompressed block has unexpected length")
	ErrOutputExists             = xerrors.New("wkwfile: compress destination already exists")
	ErrPathIO                   = xerrors.New("wkwfile: filesystem I/O failed")
	ErrOutOfBounds              = xerrors.New("wkwfile: position outside file extent")
)

const datasetHeaderFileName = "header.wkw"

// File is one open cube file. Concurrent use from multiple goroutines is
// unsafe; callers needing that share a File behind CachedDataset's
// per-path lock instead.
type File struct {
	f             *os.File
	datasetHeader header.Header // shared geometry/version, used to locate this file's own header
	hdr           header.Header // this file's own parsed header (with jump table, if compressed)

	haveBlockIdx bool
	blockIdx     uint64
	writeCursor  uint64 // next append offset, compressed writes only

	blockBuf     []byte // one uncompressed block
	compressBuf  []byte // max_block_size_on_disk scratch for compressed I/O
	transposeBuf []byte
	transpose    *mat.Mat // C-order scratch over transposeBuf, for order-agnostic splicing
}

func newFile(osf *os.File, datasetHeader, h header.Header) (*File, error) {
	blockBuf := make([]byte, h.BlockSize())
	compressBuf := make([]byte, h.MaxBlockSizeOnDisk(lz4codec.CompressBound))
	transposeBuf := make([]byte, h.BlockSize())
	transpose, err := mat.New(transposeBuf, vec3.FromScalar(h.BlockLen()), int(h.VoxelSize), h.VoxelType, true)
	if err != nil {
		return nil, xerrors.Errorf("wkwfile: %w", err)
	}
	wf := &File{
		f:             osf,
		datasetHeader: datasetHeader,
		hdr:           h,
		blockBuf:      blockBuf,
		compressBuf:   compressBuf,
		transposeBuf:  transposeBuf,
		transpose:     transpose,
	}
	if h.BlockType.Compressed() {
		wf.writeCursor = h.DataOffset
	}
	return wf, nil
}

// Header returns the file's own parsed header, including its jump table if
// the block type is compressed.
func (f *File) Header() header.Header { return f.hdr }

// Close releases the underlying OS handle.
func (f *File) Close() error { return f.f.Close() }

// Open opens an existing cube file at path, read/write. datasetHeader
// supplies the shared version/geometry needed to locate this file's own
// header before it has been parsed (version 2 stores it at the tail,
// behind a jump table whose length depends on file_vol).
func Open(datasetHeader header.Header, path string) (*File, error) {
	osf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("wkwfile: opening %s: %w", path, err)
	}
	h, err := readFileHeader(osf, datasetHeader)
	if err != nil {
		osf.Close()
		return nil, xerrors.Errorf("wkwfile: %s: %w", path, err)
	}
	wf, err := newFile(osf, datasetHeader, h)
	if err != nil {
		osf.Close()
		return nil, err
	}
	if err := wf.seekBlock(0); err != nil {
		osf.Close()
		return nil, err
	}
	return wf, nil
}

func readFileHeader(f *os.File, datasetHeader header.Header) (header.Header, error) {
	var buf [16]byte
	if datasetHeader.Version == header.Version1 {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		if _, err := io.ReadFull(f, buf[:]); err != nil {
			return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		h, err := header.ParseBytes(buf)
		if err != nil {
			return header.Header{}, err
		}
		if h.BlockType.Compressed() {
			if err := h.ReadJumpTable(f); err != nil {
				return header.Header{}, err
			}
		}
		return h, nil
	}

	// Version 2: blocks, then (if compressed) the jump table, then the
	// fixed header, all at the tail. The region's length is derived from
	// datasetHeader, which every file in the dataset shares, so we never
	// need to know this file's own header to find it.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	region := int64(datasetHeader.SizeOnDisk(true))
	if size < region {
		return header.Header{}, xerrors.Errorf("wkwfile: %w: file smaller than its header region", ErrPathIO)
	}
	if _, err := f.Seek(size-region, io.SeekStart); err != nil {
		return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
	}

	var jumpTable []uint64
	if datasetHeader.BlockType.Compressed() {
		tmpl := header.Header{BlockLenLog2: datasetHeader.BlockLenLog2, FileLenLog2: datasetHeader.FileLenLog2}
		if err := tmpl.ReadJumpTable(f); err != nil {
			return header.Header{}, err
		}
		jumpTable = tmpl.JumpTable
	}
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	h, err := header.ParseBytes(buf)
	if err != nil {
		return header.Header{}, err
	}
	h.JumpTable = jumpTable
	return h, nil
}

// OpenOrCreate opens path, creating it (with parent directories) if
// missing. A freshly created Raw file is preallocated to its full size and
// its header is written immediately; a freshly created compressed file
// defers its header write to the first WriteMat, which always rewrites the
// whole file.
func OpenOrCreate(datasetHeader header.Header, path string) (created bool, wf *File, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, nil, xerrors.Errorf("wkwfile: %w: %v", ErrPathIO, err)
	}
	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			f, oerr := Open(datasetHeader, path)
			return false, f, oerr
		}
		return false, nil, xerrors.Errorf("wkwfile: creating %s: %w", path, err)
	}

	h := header.FromTemplate(datasetHeader)
	f, ferr := newFile(osf, datasetHeader, h)
	if ferr != nil {
		osf.Close()
		return false, nil, ferr
	}

	if !h.BlockType.Compressed() {
		// Raw files are header+blocks for version 1 and blocks+header for
		// version 2; either way the total is the same.
		total := int64(h.SizeOnDisk(true) + h.FileSize())
		if aerr := unix.Fallocate(int(osf.Fd()), 0, 0, total); aerr != nil {
			if terr := osf.Truncate(total); terr != nil {
				osf.Close()
				return false, nil, xerrors.Errorf("wkwfile: %w: %v", ErrPathIO, terr)
			}
		}
		if werr := f.writeFixedHeader(); werr != nil {
			osf.Close()
			return false, nil, werr
		}
	}
	if serr := f.seekBlock(0); serr != nil {
		osf.Close()
		return false, nil, serr
	}
	return true, f, nil
}

// writeFixedHeader writes the header once for a freshly created Raw file,
// which carries no jump table.
func (f *File) writeFixedHeader() error {
	hb := f.hdr.Bytes()
	var pos int64
	if f.datasetHeader.Version == header.Version1 {
		pos = 0
	} else {
		// Version 2 blocks start at byte 0; the header trails them.
		pos = int64(f.hdr.DataOffset + f.hdr.FileSize())
	}
	if _, err := f.f.Seek(pos, io.SeekStart); err != nil {
		return xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	if _, err := f.f.Write(hb[:]); err != nil {
		return xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	return nil
}

func (f *File) seekBlock(idx uint64) error {
	if f.haveBlockIdx && f.blockIdx == idx {
		return nil
	}
	off, err := f.hdr.BlockOffset(idx)
	if err != nil {
		f.haveBlockIdx = false
		return xerrors.Errorf("%w: %v", ErrNotBlockAligned, err)
	}
	if _, err := f.f.Seek(int64(off), io.SeekStart); err != nil {
		f.haveBlockIdx = false
		return xerrors.Errorf("%w: %v", ErrNotBlockAligned, err)
	}
	f.haveBlockIdx = true
	f.blockIdx = idx
	return nil
}

func (f *File) readBlock(idx uint64, dst []byte) error {
	if err := f.seekBlock(idx); err != nil {
		return err
	}
	if !f.hdr.BlockType.Compressed() {
		if _, err := io.ReadFull(f.f, dst[:f.hdr.BlockSize()]); err != nil {
			f.haveBlockIdx = false
			return xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		f.blockIdx = idx + 1
		return nil
	}

	sz, err := f.hdr.BlockSizeOnDisk(idx)
	if err != nil {
		f.haveBlockIdx = false
		return err
	}
	if _, err := io.ReadFull(f.f, f.compressBuf[:sz]); err != nil {
		f.haveBlockIdx = false
		return xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	n, err := lz4codec.DecompressSafe(f.compressBuf[:sz], dst[:f.hdr.BlockSize()])
	if err != nil {
		f.haveBlockIdx = false
		return err
	}
	if uint64(n) != f.hdr.BlockSize() {
		f.haveBlockIdx = false
		return ErrDecompressLength
	}
	f.blockIdx = idx + 1
	return nil
}

func (f *File) writeBlock(idx uint64, src []byte) error {
	if !f.hdr.BlockType.Compressed() {
		if err := f.seekBlock(idx); err != nil {
			return err
		}
		if _, err := f.f.Write(src[:f.hdr.BlockSize()]); err != nil {
			f.haveBlockIdx = false
			return xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		f.blockIdx = idx + 1
		return nil
	}

	n, err := lz4codec.CompressHC(src[:f.hdr.BlockSize()], f.compressBuf)
	if err != nil {
		f.haveBlockIdx = false
		return err
	}
	if _, err := f.f.Seek(int64(f.writeCursor), io.SeekStart); err != nil {
		f.haveBlockIdx = false
		return xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	if _, err := f.f.Write(f.compressBuf[:n]); err != nil {
		f.haveBlockIdx = false
		return xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	f.writeCursor += uint64(n)
	f.hdr.JumpTable[idx] = f.writeCursor
	f.blockIdx = idx + 1
	f.haveBlockIdx = true
	return nil
}

// truncateAndWriteHeader truncates the file to the end of the last block
// (header_size plus the sum of on-disk block sizes for version 1, the sum
// alone for version 2), then writes the header (and jump table, in the
// version-appropriate order) at the version's header position. Called once
// after a compressed WriteMat has appended every block.
func (f *File) truncateAndWriteHeader() error {
	if err := f.f.Truncate(int64(f.writeCursor)); err != nil {
		return xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	hb := f.hdr.Bytes()
	if f.datasetHeader.Version == header.Version1 {
		if _, err := f.f.Seek(0, io.SeekStart); err != nil {
			return xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		if _, err := f.f.Write(hb[:]); err != nil {
			return xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		if err := f.hdr.WriteJumpTable(f.f); err != nil {
			return err
		}
	} else {
		if _, err := f.f.Seek(int64(f.writeCursor), io.SeekStart); err != nil {
			return xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
		if err := f.hdr.WriteJumpTable(f.f); err != nil {
			return err
		}
		if _, err := f.f.Write(hb[:]); err != nil {
			return xerrors.Errorf("%w: %v", ErrPathIO, err)
		}
	}
	// Two equivalent truncation targets exist in the sources (header_size +
	// sum of on-disk sizes, vs. the last jump table entry); they agree by
	// construction here, so we assert it rather than pick one blindly.
	if last := f.hdr.JumpTable[len(f.hdr.JumpTable)-1]; last != f.writeCursor {
		return xerrors.Errorf("wkwfile: internal inconsistency: jump_table[last]=%d != truncation size %d", last, f.writeCursor)
	}
	f.haveBlockIdx = false
	return nil
}

func blockRange(box vec3.Box3, blockLenLog2 uint32) (vec3.Box3, error) {
	min := box.Min.Shr(blockLenLog2)
	max := box.Max.Sub(vec3.FromScalar(1)).Shr(blockLenLog2).AddScalar(1)
	return vec3.New(min, max)
}

// ReadMat reads the portion of this file covering srcPos..srcPos+width
// (where width is clamped to both the file's extent and the room left in
// dstMat past dstPos) into dstMat at dstPos. dstMat must be in fortran
// order, matching the on-disk block layout. Blocks are visited in
// ascending Morton order; each is read whole into a scratch buffer and the
// overlapping portion copied out.
func (f *File) ReadMat(srcPos vec3.Vec3, dstMat *mat.Mat, dstPos vec3.Vec3) error {
	fileLenVx := f.hdr.FileLenVx()
	if !srcPos.Less(vec3.FromScalar(fileLenVx)) {
		return xerrors.Errorf("wkwfile: %w: src_pos outside file extent", ErrOutOfBounds)
	}
	remaining := dstMat.Shape.Sub(dstPos)
	srcMax := srcPos.Add(remaining).Min(vec3.FromScalar(fileLenVx))
	srcBox, err := vec3.New(srcPos, srcMax)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}
	if srcBox.IsEmpty() {
		return nil
	}

	blockLenLog2 := uint32(f.hdr.BlockLenLog2)
	blockShape := vec3.FromScalar(f.hdr.BlockLen())
	blockBox, err := blockRange(srcBox, blockLenLog2)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}
	scratchMat, err := mat.New(f.blockBuf, blockShape, int(f.hdr.VoxelSize), f.hdr.VoxelType, false)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}

	it := morton.NewRangeIterator(uint(f.hdr.FileLenLog2), blockBox)
	for {
		idx, ok := it.Next()
		if !ok {
			break
		}
		if err := f.readBlock(idx, f.blockBuf); err != nil {
			return xerrors.Errorf("wkwfile: reading block %d: %w", idx, err)
		}
		blockOrigin := morton.Decode(idx).Shl(blockLenLog2)
		blockExtent := vec3.Box3{Min: blockOrigin, Max: blockOrigin.Add(blockShape)}
		overlap := blockExtent.Intersect(srcBox)
		if overlap.IsEmpty() {
			continue
		}
		localSrc, err := vec3.New(overlap.Min.Sub(blockOrigin), overlap.Max.Sub(blockOrigin))
		if err != nil {
			return xerrors.Errorf("wkwfile: %w", err)
		}
		dstOff := dstPos.Add(overlap.Min.Sub(srcPos))
		if err := dstMat.CopyFrom(dstOff, scratchMat, localSrc); err != nil {
			return xerrors.Errorf("wkwfile: %w", err)
		}
	}
	return nil
}

// WriteMat writes srcMat[srcPos..] into this file at dstPos..dstPos+width
// (width clamped the same way as ReadMat). For a compressed block type the
// written region must be the file's entire extent (CompressedWriteAlignment
// otherwise); every block is recompressed and appended in ascending Morton
// order, and the header and jump table are rewritten at the end. For Raw,
// partially overlapped edge blocks are read-modified-written.
func (f *File) WriteMat(dstPos vec3.Vec3, srcMat *mat.Mat, srcPos vec3.Vec3) error {
	fileLenVx := f.hdr.FileLenVx()
	remaining := srcMat.Shape.Sub(srcPos)
	dstMax := dstPos.Add(remaining).Min(vec3.FromScalar(fileLenVx))
	dstBox, err := vec3.New(dstPos, dstMax)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}
	if dstBox.IsEmpty() {
		return nil
	}

	compressed := f.hdr.BlockType.Compressed()
	if compressed {
		full := vec3.Box3{Min: vec3.Vec3{}, Max: vec3.FromScalar(fileLenVx)}
		if dstBox != full {
			return ErrCompressedWriteAlignment
		}
		f.hdr.JumpTable = make([]uint64, f.hdr.FileVol())
		f.writeCursor = f.hdr.DataOffset
	}

	blockLenLog2 := uint32(f.hdr.BlockLenLog2)
	blockShape := vec3.FromScalar(f.hdr.BlockLen())
	blockBox, err := blockRange(dstBox, blockLenLog2)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}
	scratchMat, err := mat.New(f.blockBuf, blockShape, int(f.hdr.VoxelSize), f.hdr.VoxelType, false)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}

	it := morton.NewRangeIterator(uint(f.hdr.FileLenLog2), blockBox)
	for {
		idx, ok := it.Next()
		if !ok {
			break
		}
		blockOrigin := morton.Decode(idx).Shl(blockLenLog2)
		blockExtent := vec3.Box3{Min: blockOrigin, Max: blockOrigin.Add(blockShape)}
		overlap := blockExtent.Intersect(dstBox)
		if overlap.IsEmpty() {
			continue
		}
		if overlap != blockExtent && !compressed {
			if err := f.readBlock(idx, f.blockBuf); err != nil {
				return xerrors.Errorf("wkwfile: reading block %d for partial write: %w", idx, err)
			}
		}

		localDstPos := overlap.Min.Sub(blockOrigin)
		localSrcBox, err := vec3.New(srcPos.Add(overlap.Min.Sub(dstPos)), srcPos.Add(overlap.Max.Sub(dstPos)))
		if err != nil {
			return xerrors.Errorf("wkwfile: %w", err)
		}

		if srcMat.DataInCOrder {
			if err := scratchMat.CopyFromOrderAgnostic(localDstPos, srcMat, localSrcBox, f.transpose); err != nil {
				return xerrors.Errorf("wkwfile: %w", err)
			}
		} else {
			if err := scratchMat.CopyFrom(localDstPos, srcMat, localSrcBox); err != nil {
				return xerrors.Errorf("wkwfile: %w", err)
			}
		}

		if err := f.writeBlock(idx, f.blockBuf); err != nil {
			return xerrors.Errorf("wkwfile: writing block %d: %w", idx, err)
		}
	}

	if compressed {
		if err := f.truncateAndWriteHeader(); err != nil {
			return xerrors.Errorf("wkwfile: %w", err)
		}
	}
	return nil
}

func readDatasetHeader(root string) (header.Header, error) {
	f, err := os.Open(filepath.Join(root, datasetHeaderFileName))
	if err != nil {
		return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	defer f.Close()
	var buf [16]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return header.Header{}, xerrors.Errorf("%w: %v", ErrPathIO, err)
	}
	return header.ParseBytes(buf)
}

// Compress creates dstPath as an LZ4HC copy of the Raw (or otherwise
// differently-compressed) cube file at srcPath, preserving its contents
// exactly. The dataset root is derived from srcPath's third ancestor
// directory, matching the z{Z}/y{Y}/x{X}.wkw tree depth, and its
// header.wkw supplies the shared geometry/version needed to open srcPath.
func Compress(srcPath, dstPath string) error {
	root := filepath.Dir(filepath.Dir(filepath.Dir(srcPath)))
	dsHeader, err := readDatasetHeader(root)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}

	src, err := Open(dsHeader, srcPath)
	if err != nil {
		return xerrors.Errorf("wkwfile: %w", err)
	}
	defer src.Close()

	dstOSF, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrOutputExists
		}
		return xerrors.Errorf("wkwfile: creating %s: %w", dstPath, err)
	}

	dstHeader := header.Compress(src.hdr)
	dst, err := newFile(dstOSF, dsHeader, dstHeader)
	if err != nil {
		dstOSF.Close()
		return err
	}
	defer dst.Close()

	buf := make([]byte, src.hdr.BlockSize())
	for idx := uint64(0); idx < src.hdr.FileVol(); idx++ {
		if err := src.readBlock(idx, buf); err != nil {
			return xerrors.Errorf("wkwfile: compressing %s: reading block %d: %w", srcPath, idx, err)
		}
		if err := dst.writeBlock(idx, buf); err != nil {
			return xerrors.Errorf("wkwfile: compressing %s: writing block %d: %w", srcPath, idx, err)
		}
	}
	return dst.truncateAndWriteHeader()
}
