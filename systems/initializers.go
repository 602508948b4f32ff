package systems

import (
	"fmt"
	"math"

	"github.com/ojrac/opensimplex-go"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pthm-cable/biosim/geom"
)

// Axis selects a coordinate for band initializers.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// ParseAxis converts "x", "y" or "z" to an Axis.
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("axis %q: %w", s, ErrInvalidParameters)
}

func pick(axis Axis, x, y, z float64) float64 {
	switch axis {
	case AxisY:
		return y
	case AxisZ:
		return z
	}
	return x
}

// Uniform sets value on the slab lo <= coord <= hi along axis.
func Uniform(lo, hi, value float64, axis Axis) Initializer {
	return func(x, y, z float64) float64 {
		if c := pick(axis, x, y, z); c >= lo && c <= hi {
			return value
		}
		return 0
	}
}

// GaussianBand follows a normal density along axis.
func GaussianBand(mean, sigma float64, axis Axis) Initializer {
	n := distuv.Normal{Mu: mean, Sigma: sigma}
	return func(x, y, z float64) float64 {
		return n.Prob(pick(axis, x, y, z))
	}
}

// PoissonBand follows a Poisson mass function along axis. Coordinates are
// floored to the integer count the distribution is defined on.
func PoissonBand(lambda float64, axis Axis) Initializer {
	p := distuv.Poisson{Lambda: lambda}
	return func(x, y, z float64) float64 {
		return p.Prob(math.Floor(pick(axis, x, y, z)))
	}
}

// NoiseField fills the lattice with normalized simplex noise in [0, amplitude).
func NoiseField(seed int64, scale, amplitude float64) Initializer {
	noise := opensimplex.NewNormalized(seed)
	return func(x, y, z float64) float64 {
		return amplitude * noise.Eval3(x*scale, y*scale, z*scale)
	}
}

// PointSource adds amount at every node within radius of center.
func PointSource(center geom.Real3, radius, amount float64) Initializer {
	r2 := radius * radius
	return func(x, y, z float64) float64 {
		if geom.SquaredDistance(center, geom.Real3{X: x, Y: y, Z: z}) <= r2 {
			return amount
		}
		return 0
	}
}
