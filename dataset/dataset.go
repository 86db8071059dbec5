// Package dataset implements Dataset, the directory-rooted collection of
// WKW cube files sharing one header.wkw, and CachedDataset, a variant that
// keeps per-file handles open behind a read/write lock.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/wkwfs/wkw/header"
	"github.com/wkwfs/wkw/mat"
	"github.com/wkwfs/wkw/vec3"
	"github.com/wkwfs/wkw/wkwfile"
)

const headerFileName = "header.wkw"

var (
	ErrNotADirectory = xerrors.New("dataset: root is not a directory")
	ErrHeaderRead    = xerrors.New("dataset: could not read header.wkw")
	ErrHeaderExists  = xerrors.New("dataset: header.wkw already exists")
	ErrTypeMismatch  = xerrors.New("dataset: voxel type/size does not match dataset header")
)

// Dataset is a directory of WKW cube files addressed by file coordinates
// derived from a voxel position, sharing a single header.wkw.
type Dataset struct {
	root   string
	header header.Header
}

func readHeaderFile(root string) (header.Header, error) {
	f, err := os.Open(filepath.Join(root, headerFileName))
	if err != nil {
		return header.Header{}, err
	}
	defer f.Close()
	var buf [16]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return header.Header{}, err
	}
	return header.ParseBytes(buf)
}

// New opens an existing dataset, validating that root is a directory and
// parsing root/header.wkw.
func New(root string) (*Dataset, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, ErrNotADirectory
	}
	h, err := readHeaderFile(root)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrHeaderRead, err)
	}
	return &Dataset{root: root, header: h}, nil
}

// Create makes root (and parents) if needed, then atomically writes a
// fresh header.wkw derived from h (data_offset reset to 0, jump table
// dropped — a dataset header is a shared template, not a file header) and
// opens it. Fails ErrHeaderExists if root/header.wkw is already present.
func Create(root string, h header.Header) (*Dataset, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Errorf("dataset: %w", err)
	}
	headerPath := filepath.Join(root, headerFileName)
	if _, err := os.Stat(headerPath); err == nil {
		return nil, ErrHeaderExists
	} else if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("dataset: %w", err)
	}

	onDisk := h
	onDisk.DataOffset = 0
	onDisk.JumpTable = nil
	buf := onDisk.Bytes()

	tmp, err := renameio.TempFile("", headerPath)
	if err != nil {
		return nil, xerrors.Errorf("dataset: %w", err)
	}
	defer tmp.Cleanup()
	if _, err := tmp.Write(buf[:]); err != nil {
		return nil, xerrors.Errorf("dataset: %w", err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return nil, xerrors.Errorf("dataset: %w", err)
	}
	return New(root)
}

// Header returns the dataset's shared header.
func (d *Dataset) Header() header.Header { return d.header }

func filePath(root string, ids vec3.Vec3) string {
	return filepath.Join(root, fmt.Sprintf("z%d", ids.Z), fmt.Sprintf("y%d", ids.Y), fmt.Sprintf("x%d.wkw", ids.X))
}

// fileRange returns the half-open box of file coordinates overlapping
// voxel-space box bbox.
func fileRange(bbox vec3.Box3, fileLenVxLog2 uint32) (vec3.Box3, error) {
	min := bbox.Min.Shr(fileLenVxLog2)
	max := bbox.Max.Sub(vec3.FromScalar(1)).Shr(fileLenVxLog2).AddScalar(1)
	return vec3.New(min, max)
}

// ReadMat reads the region [srcPos, srcPos+dst.Shape) into dst. Files with
// no on-disk representation are sparse and left untouched — callers must
// pre-zero dst for the usual "unwritten region reads as zero" contract.
func (d *Dataset) ReadMat(srcPos vec3.Vec3, dst *mat.Mat) error {
	bbox, err := vec3.New(srcPos, srcPos.Add(dst.Shape))
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}
	fileLenVxLog2 := uint32(d.header.FileLenVxLog2())
	filesBox, err := fileRange(bbox, fileLenVxLog2)
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}

	for z := filesBox.Min.Z; z < filesBox.Max.Z; z++ {
		for y := filesBox.Min.Y; y < filesBox.Max.Y; y++ {
			for x := filesBox.Min.X; x < filesBox.Max.X; x++ {
				ids := vec3.Vec3{X: x, Y: y, Z: z}
				fileBox, err := vec3.New(ids.Shl(fileLenVxLog2), ids.AddScalar(1).Shl(fileLenVxLog2))
				if err != nil {
					return xerrors.Errorf("dataset: %w", err)
				}
				curBox := fileBox.Intersect(bbox)
				if curBox.IsEmpty() {
					continue
				}
				curSrcPos := curBox.Min.Sub(fileBox.Min)
				curDstPos := curBox.Min.Sub(srcPos)

				path := filePath(d.root, ids)
				f, err := wkwfile.Open(d.header, path)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					return xerrors.Errorf("dataset: %w", err)
				}
				rerr := f.ReadMat(curSrcPos, dst, curDstPos)
				f.Close()
				if rerr != nil {
					return xerrors.Errorf("dataset: %w", rerr)
				}
			}
		}
	}
	return nil
}

// WriteMat writes src into the region [dstPos, dstPos+src.Shape), creating
// any missing files. For a compressed dataset, dstPos and src.Shape must
// both be multiples of the file extent (whole-cube writes only).
func (d *Dataset) WriteMat(dstPos vec3.Vec3, src *mat.Mat) error {
	if src.VoxelType != d.header.VoxelType || src.VoxelSize != int(d.header.VoxelSize) {
		return xerrors.Errorf("dataset: %w", ErrTypeMismatch)
	}

	if d.header.BlockType.Compressed() {
		fileLenVx := vec3.FromScalar(d.header.FileLenVx())
		if !dstPos.IsMultipleOf(fileLenVx) || !src.Shape.IsMultipleOf(fileLenVx) {
			return wkwfile.ErrCompressedWriteAlignment
		}
	}

	bbox, err := vec3.New(dstPos, dstPos.Add(src.Shape))
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}
	fileLenVxLog2 := uint32(d.header.FileLenVxLog2())
	filesBox, err := fileRange(bbox, fileLenVxLog2)
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}

	for z := filesBox.Min.Z; z < filesBox.Max.Z; z++ {
		for y := filesBox.Min.Y; y < filesBox.Max.Y; y++ {
			for x := filesBox.Min.X; x < filesBox.Max.X; x++ {
				ids := vec3.Vec3{X: x, Y: y, Z: z}
				fileBox, err := vec3.New(ids.Shl(fileLenVxLog2), ids.AddScalar(1).Shl(fileLenVxLog2))
				if err != nil {
					return xerrors.Errorf("dataset: %w", err)
				}
				curBox := fileBox.Intersect(bbox)
				if curBox.IsEmpty() {
					continue
				}
				curDstPos := curBox.Min.Sub(fileBox.Min)
				curSrcPos := curBox.Min.Sub(dstPos)

				path := filePath(d.root, ids)
				_, f, err := wkwfile.OpenOrCreate(d.header, path)
				if err != nil {
					return xerrors.Errorf("dataset: %w", err)
				}
				werr := f.WriteMat(curDstPos, src, curSrcPos)
				f.Close()
				if werr != nil {
					return xerrors.Errorf("dataset: %w", werr)
				}
			}
		}
	}
	return nil
}

// cachedFile serialises access to one open cube file: writers take the
// write lock, readers the read lock, matching the no-concurrent-reader-
// writer contract File itself does not enforce.
type cachedFile struct {
	mu sync.RWMutex
	f  *wkwfile.File
}

// CachedDataset is a Dataset variant that keeps file handles open across
// calls, keyed by path, instead of opening and closing them every time.
// Entries are never evicted; callers scope a CachedDataset to one logical
// session.
type CachedDataset struct {
	root   string
	header header.Header

	mu    sync.Mutex
	files map[string]*cachedFile
}

// NewCached opens an existing dataset in cached mode.
func NewCached(root string) (*CachedDataset, error) {
	d, err := New(root)
	if err != nil {
		return nil, err
	}
	return &CachedDataset{root: d.root, header: d.header, files: make(map[string]*cachedFile)}, nil
}

// Header returns the dataset's shared header.
func (cd *CachedDataset) Header() header.Header { return cd.header }

func (cd *CachedDataset) lookupOrOpen(path string) (*cachedFile, error) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if cf, ok := cd.files[path]; ok {
		return cf, nil
	}
	f, err := wkwfile.Open(cd.header, path)
	if err != nil {
		return nil, err
	}
	cf := &cachedFile{f: f}
	cd.files[path] = cf
	return cf, nil
}

func (cd *CachedDataset) lookupOrCreate(path string) (*cachedFile, error) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if cf, ok := cd.files[path]; ok {
		return cf, nil
	}
	_, f, err := wkwfile.OpenOrCreate(cd.header, path)
	if err != nil {
		return nil, err
	}
	cf := &cachedFile{f: f}
	cd.files[path] = cf
	return cf, nil
}

// ReadMat behaves like Dataset.ReadMat, except files once opened stay open
// and concurrent readers of distinct files proceed in parallel.
func (cd *CachedDataset) ReadMat(srcPos vec3.Vec3, dst *mat.Mat) error {
	bbox, err := vec3.New(srcPos, srcPos.Add(dst.Shape))
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}
	fileLenVxLog2 := uint32(cd.header.FileLenVxLog2())
	filesBox, err := fileRange(bbox, fileLenVxLog2)
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}

	for z := filesBox.Min.Z; z < filesBox.Max.Z; z++ {
		for y := filesBox.Min.Y; y < filesBox.Max.Y; y++ {
			for x := filesBox.Min.X; x < filesBox.Max.X; x++ {
				ids := vec3.Vec3{X: x, Y: y, Z: z}
				fileBox, err := vec3.New(ids.Shl(fileLenVxLog2), ids.AddScalar(1).Shl(fileLenVxLog2))
				if err != nil {
					return xerrors.Errorf("dataset: %w", err)
				}
				curBox := fileBox.Intersect(bbox)
				if curBox.IsEmpty() {
					continue
				}
				curSrcPos := curBox.Min.Sub(fileBox.Min)
				curDstPos := curBox.Min.Sub(srcPos)

				path := filePath(cd.root, ids)
				cf, err := cd.lookupOrOpen(path)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					return xerrors.Errorf("dataset: %w", err)
				}
				cf.mu.RLock()
				rerr := cf.f.ReadMat(curSrcPos, dst, curDstPos)
				cf.mu.RUnlock()
				if rerr != nil {
					return xerrors.Errorf("dataset: %w", rerr)
				}
			}
		}
	}
	return nil
}

// WriteMat behaves like Dataset.WriteMat, creating and caching any missing
// files, and serialises per-file access with cachedFile's write lock.
func (cd *CachedDataset) WriteMat(dstPos vec3.Vec3, src *mat.Mat) error {
	if src.VoxelType != cd.header.VoxelType || src.VoxelSize != int(cd.header.VoxelSize) {
		return xerrors.Errorf("dataset: %w", ErrTypeMismatch)
	}
	if cd.header.BlockType.Compressed() {
		fileLenVx := vec3.FromScalar(cd.header.FileLenVx())
		if !dstPos.IsMultipleOf(fileLenVx) || !src.Shape.IsMultipleOf(fileLenVx) {
			return wkwfile.ErrCompressedWriteAlignment
		}
	}

	bbox, err := vec3.New(dstPos, dstPos.Add(src.Shape))
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}
	fileLenVxLog2 := uint32(cd.header.FileLenVxLog2())
	filesBox, err := fileRange(bbox, fileLenVxLog2)
	if err != nil {
		return xerrors.Errorf("dataset: %w", err)
	}

	for z := filesBox.Min.Z; z < filesBox.Max.Z; z++ {
		for y := filesBox.Min.Y; y < filesBox.Max.Y; y++ {
			for x := filesBox.Min.X; x < filesBox.Max.X; x++ {
				ids := vec3.Vec3{X: x, Y: y, Z: z}
				fileBox, err := vec3.New(ids.Shl(fileLenVxLog2), ids.AddScalar(1).Shl(fileLenVxLog2))
				if err != nil {
					return xerrors.Errorf("dataset: %w", err)
				}
				curBox := fileBox.Intersect(bbox)
				if curBox.IsEmpty() {
					continue
				}
				curDstPos := curBox.Min.Sub(fileBox.Min)
				curSrcPos := curBox.Min.Sub(dstPos)

				path := filePath(cd.root, ids)
				cf, err := cd.lookupOrCreate(path)
				if err != nil {
					return xerrors.Errorf("dataset: %w", err)
				}
				cf.mu.Lock()
				werr := cf.f.WriteMat(curDstPos, src, curSrcPos)
				cf.mu.Unlock()
				if werr != nil {
					return xerrors.Errorf("dataset: %w", werr)
				}
			}
		}
	}
	return nil
}
