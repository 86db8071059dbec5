// Package vec3 implements a fixed-size 3-D integer vector and an
// inclusive-min/exclusive-max axis-aligned box built on top of it.
package vec3

import "golang.org/x/xerrors"

// Vec3 is a 3-D vector of unsigned 32-bit voxel coordinates.
type Vec3 struct {
	X, Y, Z uint32
}

// FromScalar returns the vector with all three components set to s.
func FromScalar(s uint32) Vec3 {
	return Vec3{X: s, Y: s, Z: s}
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Mul(o Vec3) Vec3 { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }
func (v Vec3) Div(o Vec3) Vec3 { return Vec3{v.X / o.X, v.Y / o.Y, v.Z / o.Z} }
func (v Vec3) Rem(o Vec3) Vec3 { return Vec3{v.X % o.X, v.Y % o.Y, v.Z % o.Z} }

func (v Vec3) AddScalar(s uint32) Vec3 { return Vec3{v.X + s, v.Y + s, v.Z + s} }
func (v Vec3) SubScalar(s uint32) Vec3 { return Vec3{v.X - s, v.Y - s, v.Z - s} }
func (v Vec3) MulScalar(s uint32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) DivScalar(s uint32) Vec3 { return Vec3{v.X / s, v.Y / s, v.Z / s} }
func (v Vec3) RemScalar(s uint32) Vec3 { return Vec3{v.X % s, v.Y % s, v.Z % s} }

func (v Vec3) Shl(s uint32) Vec3 { return Vec3{v.X << s, v.Y << s, v.Z << s} }
func (v Vec3) Shr(s uint32) Vec3 { return Vec3{v.X >> s, v.Y >> s, v.Z >> s} }

// Min returns the componentwise minimum of v and o.
func (v Vec3) Min(o Vec3) Vec3 {
	return Vec3{min32(v.X, o.X), min32(v.Y, o.Y), min32(v.Z, o.Z)}
}

// Max returns the componentwise maximum of v and o.
func (v Vec3) Max(o Vec3) Vec3 {
	return Vec3{max32(v.X, o.X), max32(v.Y, o.Y), max32(v.Z, o.Z)}
}

// Product returns x*y*z widened to 64 bits, so it does not overflow for
// shapes whose volume exceeds 2^32.
func (v Vec3) Product() uint64 {
	return uint64(v.X) * uint64(v.Y) * uint64(v.Z)
}

// Flip swaps the X and Z components, converting between fortran-order
// (x-fastest) and C-order (z-fastest) axis enumeration.
func (v Vec3) Flip() Vec3 {
	return Vec3{X: v.Z, Y: v.Y, Z: v.X}
}

// IsCubeDiagonal reports whether all three components are equal.
func (v Vec3) IsCubeDiagonal() bool {
	return v.X == v.Y && v.Y == v.Z
}

// IsPowerOfTwo reports whether every component is a power of two.
func (v Vec3) IsPowerOfTwo() bool {
	return isPow2(v.X) && isPow2(v.Y) && isPow2(v.Z)
}

// IsLargerEqualThan reports whether v >= o componentwise.
func (v Vec3) IsLargerEqualThan(o Vec3) bool {
	return v.X >= o.X && v.Y >= o.Y && v.Z >= o.Z
}

// IsMultipleOf reports whether v is a componentwise multiple of o.
func (v Vec3) IsMultipleOf(o Vec3) bool {
	return v.X%o.X == 0 && v.Y%o.Y == 0 && v.Z%o.Z == 0
}

// Less reports whether v < o in all three components. Like the other
// ordering predicates, this is a partial order: for vectors that disagree
// component-to-component, every ordering predicate returns false.
func (v Vec3) Less(o Vec3) bool { return v.X < o.X && v.Y < o.Y && v.Z < o.Z }

// LessEqual reports whether v <= o in all three components.
func (v Vec3) LessEqual(o Vec3) bool { return v.X <= o.X && v.Y <= o.Y && v.Z <= o.Z }

// Greater reports whether v > o in all three components.
func (v Vec3) Greater(o Vec3) bool { return v.X > o.X && v.Y > o.Y && v.Z > o.Z }

// GreaterEqual reports whether v >= o in all three components.
func (v Vec3) GreaterEqual(o Vec3) bool { return v.X >= o.X && v.Y >= o.Y && v.Z >= o.Z }

func isPow2(x uint32) bool { return x != 0 && x&(x-1) == 0 }

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// ErrInvalidBox is returned by New when min and max are conflicting, i.e.
// min > max+1 in some component.
var ErrInvalidBox = xerrors.New("vec3: minimum and maximum vectors are conflicting")

// Box3 is an inclusive-min, exclusive-max axis-aligned box.
type Box3 struct {
	Min, Max Vec3
}

// New validates and constructs a Box3. It fails with ErrInvalidBox unless
// min <= max+1 componentwise (i.e. an empty box with min == max is valid).
func New(min, max Vec3) (Box3, error) {
	if min.X > max.X+1 || min.Y > max.Y+1 || min.Z > max.Z+1 {
		return Box3{}, ErrInvalidBox
	}
	return Box3{Min: min, Max: max}, nil
}

// Width returns Max - Min.
func (b Box3) Width() Vec3 { return b.Max.Sub(b.Min) }

// IsEmpty reports whether any width component is zero.
func (b Box3) IsEmpty() bool {
	w := b.Width()
	return w.X == 0 || w.Y == 0 || w.Z == 0
}

// Intersect returns the elementwise-clamped intersection of b and o,
// which may be empty.
func (b Box3) Intersect(o Box3) Box3 {
	min := b.Min.Max(o.Min)
	max := b.Max.Min(o.Max)
	max = max.Max(min)
	return Box3{Min: min, Max: max}
}

// Contains reports whether p lies within [Min, Max).
func (b Box3) Contains(p Vec3) bool {
	return p.GreaterEqual(b.Min) && p.Less(b.Max)
}

// Shl shifts both bounds left by s, scaling the box by 2^s.
func (b Box3) Shl(s uint32) Box3 { return Box3{Min: b.Min.Shl(s), Max: b.Max.Shl(s)} }

// Shr shifts both bounds right by s, scaling the box by 2^-s.
func (b Box3) Shr(s uint32) Box3 { return Box3{Min: b.Min.Shr(s), Max: b.Max.Shr(s)} }

// Add translates both bounds by o.
func (b Box3) Add(o Vec3) Box3 { return Box3{Min: b.Min.Add(o), Max: b.Max.Add(o)} }

// Sub translates both bounds by -o.
func (b Box3) Sub(o Vec3) Box3 { return Box3{Min: b.Min.Sub(o), Max: b.Max.Sub(o)} }
