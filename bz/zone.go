// Package bz constructs the first Brillouin zone of a crystal, its
// irreducible polyhedron under the point group, and a tetrahedral mesh of
// the irreducible polyhedron.
package bz

import (
	"fmt"
	"math"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fumin/phonorot/crystal"
)

var log = logging.MustGetLogger("bz")

const (
	// Tolerance in inverse Angstrom for plane membership.
	Tolerance = 1e-8

	maxFoldIterations = 64
)

var (
	ErrFold = errors.New("wavevector could not be folded into the first Brillouin zone")
)

// Plane is the half space Normal·k <= Offset, with a unit Normal.
type Plane struct {
	Normal r3.Vec
	Offset float64
}

func (p Plane) distance(k r3.Vec) float64 {
	return r3.Dot(p.Normal, k) - p.Offset
}

func (p Plane) String() string {
	return fmt.Sprintf("%v·k<=%g", p.Normal, p.Offset)
}

// BrillouinZone is the Wigner-Seitz cell of the reciprocal lattice.
type BrillouinZone struct {
	crystal *crystal.Crystal
	planes  []Plane
	// g are the reciprocal lattice vectors, in reciprocal lattice units, bounding each plane.
	g [][3]int
}

// NewBrillouinZone bounds the zone by the bisecting planes of the reciprocal
// lattice vectors whose coefficients are in {-1, 0, 1}.
func NewBrillouinZone(c *crystal.Crystal) *BrillouinZone {
	z := &BrillouinZone{crystal: c}
	for i := -1; i <= 1; i++ {
		for j := -1; j <= 1; j++ {
			for k := -1; k <= 1; k++ {
				g := [3]int{i, j, k}
				if g == [3]int{} {
					continue
				}
				gc := vec(c.RLUToCartesian([3]float64{float64(i), float64(j), float64(k)}))
				n := r3.Norm(gc)
				z.planes = append(z.planes, Plane{Normal: r3.Scale(1/n, gc), Offset: n / 2})
				z.g = append(z.g, g)
			}
		}
	}
	return z
}

func (z *BrillouinZone) Crystal() *crystal.Crystal { return z.crystal }

func (z *BrillouinZone) Planes() []Plane { return z.planes }

// Volume of the zone in inverse cubic Angstrom.
func (z *BrillouinZone) Volume() float64 {
	return math.Pow(2*math.Pi, 3) / z.crystal.Volume()
}

// Contains reports whether the Cartesian wavevector k lies in the zone.
func (z *BrillouinZone) Contains(k r3.Vec, tol float64) bool {
	for _, p := range z.planes {
		if p.distance(k) > tol {
			return false
		}
	}
	return true
}

// Fold returns q - g inside the first zone and the reciprocal lattice vector g,
// all in reciprocal lattice units.
func (z *BrillouinZone) Fold(q [3]float64) ([3]float64, [3]int, error) {
	var g [3]int
	// Remove the integer part first so that distant points converge quickly.
	for i := range 3 {
		r := math.Round(q[i])
		g[i] = int(r)
		q[i] -= r
	}
	for range maxFoldIterations {
		k := vec(z.crystal.RLUToCartesian(q))
		worst, worstD := -1, Tolerance
		for i, p := range z.planes {
			if d := p.distance(k); d > worstD {
				worst, worstD = i, d
			}
		}
		if worst < 0 {
			return q, g, nil
		}
		for i := range 3 {
			q[i] -= float64(z.g[worst][i])
			g[i] += z.g[worst][i]
		}
	}
	return q, g, errors.Wrap(ErrFold, fmt.Sprintf("%v", q))
}

func vec(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}

func arr(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
