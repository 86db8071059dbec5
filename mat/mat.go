// Package mat implements a shape-typed, voxel-typed, storage-order-aware
// rectangular 3-D view over a flat byte buffer, with strided sub-box copy
// in either storage order and row/column-major transposition.
package mat

import (
	"golang.org/x/xerrors"

	"github.com/wkwfs/wkw/header"
	"github.com/wkwfs/wkw/vec3"
)

var (
	ErrShapeMismatch     = xerrors.New("mat: buffer length does not match shape*voxel_size")
	ErrVoxelSizeMismatch = xerrors.New("mat: voxel_size is not a multiple of voxel_type size")
	ErrVoxelTypeMismatch = xerrors.New("mat: matrices disagree in voxel type")
	ErrOrderMismatch     = xerrors.New("mat: source and destination must share the same storage order")
	ErrOutOfBounds       = xerrors.New("mat: copy extends past buffer extent")
	ErrAlreadyFortran    = xerrors.New("mat: receiver is already in fortran order")
)

// Mat is a borrowed-byte-buffer view over a rectangular voxel volume.
type Mat struct {
	Data         []byte
	Shape        vec3.Vec3
	VoxelSize    int
	VoxelType    header.VoxelType
	DataInCOrder bool
}

// New validates and constructs a Mat over data.
func New(data []byte, shape vec3.Vec3, voxelSize int, voxelType header.VoxelType, dataInCOrder bool) (*Mat, error) {
	numel := shape.Product()
	want := numel * uint64(voxelSize)
	if uint64(len(data)) != want {
		return nil, xerrors.Errorf("%w: len=%d, want %d", ErrShapeMismatch, len(data), want)
	}
	sz := int(voxelType.Size())
	if sz == 0 || voxelSize%sz != 0 {
		return nil, xerrors.Errorf("%w: voxel_size=%d, element size=%d", ErrVoxelSizeMismatch, voxelSize, sz)
	}
	return &Mat{
		Data:         data,
		Shape:        shape,
		VoxelSize:    voxelSize,
		VoxelType:    voxelType,
		DataInCOrder: dataInCOrder,
	}, nil
}

// NumChannels returns voxel_size / element size.
func (m *Mat) NumChannels() int { return m.VoxelSize / int(m.VoxelType.Size()) }

// offset returns the byte offset of voxel pos within Data.
func (m *Mat) offset(pos vec3.Vec3) int {
	x, y, z := int(pos.X), int(pos.Y), int(pos.Z)
	sx, sy, sz := int(m.Shape.X), int(m.Shape.Y), int(m.Shape.Z)
	var offsetVx int
	if m.DataInCOrder {
		offsetVx = z + sz*(y+sy*x)
	} else {
		offsetVx = x + sx*(y+sy*z)
	}
	return offsetVx * m.VoxelSize
}

func sameTypes(a, b *Mat) error {
	if a.VoxelSize != b.VoxelSize {
		return xerrors.Errorf("%w: %d != %d", ErrVoxelSizeMismatch, a.VoxelSize, b.VoxelSize)
	}
	if a.VoxelType != b.VoxelType {
		return xerrors.Errorf("%w: %v != %v", ErrVoxelTypeMismatch, a.VoxelType, b.VoxelType)
	}
	return nil
}

// CopyFrom moves srcBox.Width() voxels from src[srcBox] into
// self[dstPos .. dstPos+width). src and self must agree in voxel_size,
// voxel_type and DataInCOrder. The source and destination regions must
// not overlap when src == self.
func (m *Mat) CopyFrom(dstPos vec3.Vec3, src *Mat, srcBox vec3.Box3) error {
	if err := sameTypes(m, src); err != nil {
		return err
	}
	if m.DataInCOrder != src.DataInCOrder {
		return ErrOrderMismatch
	}
	if srcBox.Max.X > src.Shape.X || srcBox.Max.Y > src.Shape.Y || srcBox.Max.Z > src.Shape.Z {
		return xerrors.Errorf("%w: reading past source extent", ErrOutOfBounds)
	}
	width := srcBox.Width()
	dstMax := dstPos.Add(width)
	if dstMax.X > m.Shape.X || dstMax.Y > m.Shape.Y || dstMax.Z > m.Shape.Z {
		return xerrors.Errorf("%w: writing past destination extent", ErrOutOfBounds)
	}

	// unified* puts the fastest-moving axis first regardless of storage
	// order, so the stripe/stride arithmetic below is order-agnostic.
	unifiedLength := width
	unifiedDstShape := m.Shape
	unifiedSrcShape := src.Shape
	if m.DataInCOrder {
		unifiedLength = width.Flip()
		unifiedDstShape = m.Shape.Flip()
		unifiedSrcShape = src.Shape.Flip()
	}

	stripeLen := src.VoxelSize * int(unifiedLength.X)
	srcInner := int(unifiedSrcShape.X) * src.VoxelSize
	srcOuter := int(unifiedSrcShape.X) * int(unifiedSrcShape.Y) * src.VoxelSize
	dstInner := int(unifiedDstShape.X) * m.VoxelSize
	dstOuter := int(unifiedDstShape.X) * int(unifiedDstShape.Y) * m.VoxelSize

	srcBase := src.offset(srcBox.Min)
	dstBase := m.offset(dstPos)

	for zz := uint32(0); zz < unifiedLength.Z; zz++ {
		srcRow := srcBase + int(zz)*srcOuter
		dstRow := dstBase + int(zz)*dstOuter
		for yy := uint32(0); yy < unifiedLength.Y; yy++ {
			copy(m.Data[dstRow:dstRow+stripeLen], src.Data[srcRow:srcRow+stripeLen])
			srcRow += srcInner
			dstRow += dstInner
		}
	}
	return nil
}

// CopyAsFortranOrder copies self (which must be in C order) into buffer
// (which must be in fortran order), transposing axes, over the restricted
// srcBox.
func (m *Mat) CopyAsFortranOrder(buffer *Mat, srcBox vec3.Box3) error {
	if !m.DataInCOrder {
		return ErrAlreadyFortran
	}
	if buffer.DataInCOrder {
		return xerrors.New("mat: destination buffer must be in fortran order")
	}
	if err := sameTypes(m, buffer); err != nil {
		return err
	}
	if m.Shape != buffer.Shape {
		return xerrors.Errorf("mat: shape mismatch %+v != %+v", m.Shape, buffer.Shape)
	}

	xLen := int(m.Shape.X)
	yLen := int(m.Shape.Y)
	zLen := int(m.Shape.Z)
	numChannel := m.NumChannels()
	itemSize := m.VoxelSize / numChannel

	rowMajorStride := [4]int{itemSize, yLen * zLen * m.VoxelSize, zLen * m.VoxelSize, m.VoxelSize}
	colMajorStride := [4]int{itemSize, m.VoxelSize, xLen * m.VoxelSize, xLen * yLen * m.VoxelSize}

	stripeLen := itemSize * numChannel

	from, to := srcBox.Min, srcBox.Max
	for x := int(from.X); x < int(to.X); x++ {
		for y := int(from.Y); y < int(to.Y); y++ {
			for z := int(from.Z); z < int(to.Z); z++ {
				rmIdx := x*rowMajorStride[1] + y*rowMajorStride[2] + z*rowMajorStride[3]
				cmIdx := x*colMajorStride[1] + y*colMajorStride[2] + z*colMajorStride[3]
				copy(buffer.Data[cmIdx:cmIdx+stripeLen], m.Data[rmIdx:rmIdx+stripeLen])
			}
		}
	}
	return nil
}

// CopyFromAndPutChannelsLast reads a channels-last (planar) source and
// writes a channels-first (interleaved, as stored on disk) destination,
// shuffling the NumChannels() scalars of each voxel.
func (m *Mat) CopyFromAndPutChannelsLast(dstPos vec3.Vec3, src *Mat, srcBox vec3.Box3) error {
	if err := sameTypes(m, src); err != nil {
		return err
	}
	if m.DataInCOrder != src.DataInCOrder {
		return ErrOrderMismatch
	}
	if srcBox.Max.X > src.Shape.X || srcBox.Max.Y > src.Shape.Y || srcBox.Max.Z > src.Shape.Z {
		return xerrors.Errorf("%w: reading past source extent", ErrOutOfBounds)
	}
	width := srcBox.Width()
	dstMax := dstPos.Add(width)
	if dstMax.X > m.Shape.X || dstMax.Y > m.Shape.Y || dstMax.Z > m.Shape.Z {
		return xerrors.Errorf("%w: writing past destination extent", ErrOutOfBounds)
	}

	unifiedLength := width
	unifiedDstShape := m.Shape
	unifiedSrcShape := src.Shape
	if m.DataInCOrder {
		unifiedLength = width.Flip()
		unifiedDstShape = m.Shape.Flip()
		unifiedSrcShape = src.Shape.Flip()
	}

	numChannel := m.NumChannels()
	itemSize := m.VoxelSize / numChannel

	channelLastStride := [4]int{
		int(unifiedSrcShape.X) * int(unifiedSrcShape.Y) * int(unifiedSrcShape.Z) * itemSize,
		int(unifiedSrcShape.X) * int(unifiedSrcShape.Y) * itemSize,
		int(unifiedSrcShape.X) * itemSize,
		itemSize,
	}
	channelFirstStride := [4]int{
		itemSize,
		int(unifiedDstShape.X) * int(unifiedDstShape.Y) * m.VoxelSize,
		int(unifiedDstShape.X) * m.VoxelSize,
		m.VoxelSize,
	}

	srcBase := src.offset(srcBox.Min) / numChannel
	dstBase := m.offset(dstPos)

	for channel := 0; channel < numChannel; channel++ {
		for x := 0; x < int(unifiedLength.Z); x++ {
			for y := 0; y < int(unifiedLength.Y); y++ {
				for z := 0; z < int(unifiedLength.X); z++ {
					cl := channel*channelLastStride[0] + x*channelLastStride[1] + y*channelLastStride[2] + z*channelLastStride[3]
					cf := channel*channelFirstStride[0] + x*channelFirstStride[1] + y*channelFirstStride[2] + z*channelFirstStride[3]
					copy(m.Data[dstBase+cf:dstBase+cf+itemSize], src.Data[srcBase+cl:srcBase+cl+itemSize])
				}
			}
		}
	}
	return nil
}

// CopyFromOrderAgnostic copies src (C- or fortran-order) into self, which
// must be in fortran order. If src is C-order, it is first copied into
// scratch at dstPos (using the channel-aware variant for multi-channel
// voxels) and then transposed from scratch into self; scratch
// allocation/sizing is the caller's responsibility. scratch must share
// self's shape and voxel type/size, and must have DataInCOrder set to true
// (it is filled as a C-order buffer before being transposed into self).
func (m *Mat) CopyFromOrderAgnostic(dstPos vec3.Vec3, src *Mat, srcBox vec3.Box3, scratch *Mat) error {
	if m.DataInCOrder {
		return xerrors.New("mat: CopyFromOrderAgnostic must be called on a fortran-order receiver")
	}
	if !src.DataInCOrder {
		return m.CopyFrom(dstPos, src, srcBox)
	}

	if m.NumChannels() == 1 {
		if err := scratch.CopyFrom(dstPos, src, srcBox); err != nil {
			return err
		}
	} else {
		if err := scratch.CopyFromAndPutChannelsLast(dstPos, src, srcBox); err != nil {
			return err
		}
	}
	dstBox, err := vec3.New(dstPos, dstPos.Add(srcBox.Width()))
	if err != nil {
		return err
	}
	// scratch is itself C-order data (that's what CopyFrom/
	// CopyFromAndPutChannelsLast above produced it as — the caller sets
	// scratch.DataInCOrder=true for this purpose); transpose it in place
	// into self.
	return scratch.CopyAsFortranOrder(m, dstBox)
}
