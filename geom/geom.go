// Package geom provides the small 3-D vector helpers used across the simulation.
// Vectors and boxes are the gonum r3 types; this package only adds the
// operations the engine needs on top of them.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Real3 is a 3-D vector of float64 components.
type Real3 = r3.Vec

// Box is an axis-aligned box given by its Min and Max corners.
type Box = r3.Box

// Re-exported r3 operations so callers only import one package.
var (
	Add   = r3.Add
	Sub   = r3.Sub
	Scale = r3.Scale
	Dot   = r3.Dot
	Cross = r3.Cross
	Norm  = r3.Norm
	Norm2 = r3.Norm2
)

// SquaredDistance returns |a-b|^2.
func SquaredDistance(a, b Real3) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}

// Normalize returns v scaled to unit length. The zero vector is returned unchanged.
func Normalize(v Real3) Real3 {
	n := r3.Norm(v)
	if n == 0 {
		return Real3{}
	}
	return r3.Scale(1/n, v)
}

// ClampNorm rescales v to length maxLen when it is longer than that.
func ClampNorm(v Real3, maxLen float64) Real3 {
	n2 := r3.Norm2(v)
	if n2 <= maxLen*maxLen || n2 == 0 {
		return v
	}
	return r3.Scale(maxLen/math.Sqrt(n2), v)
}

// Floor applies math.Floor to every component.
func Floor(v Real3) Real3 {
	return Real3{X: math.Floor(v.X), Y: math.Floor(v.Y), Z: math.Floor(v.Z)}
}

// Min returns the componentwise minimum.
func Min(a, b Real3) Real3 {
	return Real3{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

// Max returns the componentwise maximum.
func Max(a, b Real3) Real3 {
	return Real3{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}

// Clamp limits every component of v to the box.
func Clamp(v Real3, b Box) Real3 {
	return Max(b.Min, Min(v, b.Max))
}

// Component returns the i-th component (0=X, 1=Y, 2=Z).
func Component(v Real3, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// BoundingBox returns the smallest box containing all points.
// ok is false when points is empty.
func BoundingBox(points []Real3) (b Box, ok bool) {
	if len(points) == 0 {
		return Box{}, false
	}
	b.Min, b.Max = points[0], points[0]
	for _, p := range points[1:] {
		b.Min = Min(b.Min, p)
		b.Max = Max(b.Max, p)
	}
	return b, true
}

// Expand grows the box by margin on every side.
func Expand(b Box, margin float64) Box {
	m := Real3{X: margin, Y: margin, Z: margin}
	return Box{Min: r3.Sub(b.Min, m), Max: r3.Add(b.Max, m)}
}

// ContainsPoint reports whether p lies inside b (inclusive).
func ContainsPoint(b Box, p Real3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ClosestPointOnSegment returns the point on segment [a,b] closest to p.
func ClosestPointOnSegment(p, a, b Real3) Real3 {
	ab := r3.Sub(b, a)
	den := r3.Norm2(ab)
	if den == 0 {
		return a
	}
	t := r3.Dot(r3.Sub(p, a), ab) / den
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return r3.Add(a, r3.Scale(t, ab))
}

// Morton3 interleaves the low 21 bits of x, y and z into a z-order key.
func Morton3(x, y, z uint32) uint64 {
	return spread3(x) | spread3(y)<<1 | spread3(z)<<2
}

func spread3(v uint32) uint64 {
	x := uint64(v) & 0x1fffff
	x = (x | x<<32) & 0x1f00000000ffff
	x = (x | x<<16) & 0x1f0000ff0000ff
	x = (x | x<<8) & 0x100f00f00f00f00f
	x = (x | x<<4) & 0x10c30c30c30c30c3
	x = (x | x<<2) & 0x1249249249249249
	return x
}
