// Package crystal describes periodic crystal structures: the direct and
// reciprocal lattices, the atomic basis, the symmetry operations of the
// structure and the change of basis used for phonon eigenvectors.
package crystal

import (
	"fmt"
	"math"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

var log = logging.MustGetLogger("crystal")

var (
	ErrSingularLattice = errors.New("lattice vectors are linearly dependent")
	ErrNoAtoms         = errors.New("crystal has no atoms")
	ErrMass            = errors.New("atomic masses must be positive")
)

// Atom is one site of the basis.
type Atom struct {
	Species string
	// Position is in fractional coordinates of the direct lattice.
	Position [3]float64
	// Mass is in atomic mass units.
	Mass float64
}

// Crystal is an immutable periodic structure.
// Lattice vectors are the rows of the lattice matrix, in Angstrom.
type Crystal struct {
	lattice    [3][3]float64
	inverse    [3][3]float64
	reciprocal [3][3]float64
	atoms      []Atom
}

func New(lattice [3][3]float64, atoms []Atom) (*Crystal, error) {
	if len(atoms) == 0 {
		return nil, ErrNoAtoms
	}
	a := dense(lattice)
	if math.Abs(mat.Det(a)) < 1e-12 {
		return nil, errors.Wrap(ErrSingularLattice, fmt.Sprintf("%v", lattice))
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("%v", lattice))
	}

	c := &Crystal{lattice: lattice, inverse: array(&inv)}
	// B = 2π A⁻ᵀ so that a_i·b_j = 2π δ_ij.
	for i := range 3 {
		for j := range 3 {
			c.reciprocal[i][j] = 2 * math.Pi * c.inverse[j][i]
		}
	}

	c.atoms = make([]Atom, 0, len(atoms))
	for i, at := range atoms {
		if !(at.Mass > 0) {
			return nil, errors.Wrap(ErrMass, fmt.Sprintf("atom %d %#v", i, at))
		}
		for j := range at.Position {
			at.Position[j] = wrap(at.Position[j])
		}
		c.atoms = append(c.atoms, at)
	}
	return c, nil
}

func MustNew(lattice [3][3]float64, atoms []Atom) *Crystal {
	c, err := New(lattice, atoms)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return c
}

// Lattice returns the direct lattice vectors as rows.
func (c *Crystal) Lattice() [3][3]float64 { return c.lattice }

// Reciprocal returns the reciprocal lattice vectors as rows, including the 2π factor.
func (c *Crystal) Reciprocal() [3][3]float64 { return c.reciprocal }

func (c *Crystal) Atoms() []Atom { return c.atoms }

func (c *Crystal) NumAtoms() int { return len(c.atoms) }

// NumModes is the number of phonon branches, three per atom.
func (c *Crystal) NumModes() int { return 3 * len(c.atoms) }

// Volume is the unit cell volume in cubic Angstrom.
func (c *Crystal) Volume() float64 {
	return math.Abs(mat.Det(dense(c.lattice)))
}

// Metric returns the metric tensor A Aᵀ of the direct lattice.
func (c *Crystal) Metric() [3][3]float64 {
	var g [3][3]float64
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				g[i][j] += c.lattice[i][k] * c.lattice[j][k]
			}
		}
	}
	return g
}

// FractionalToCartesian returns Aᵀx.
func (c *Crystal) FractionalToCartesian(x [3]float64) [3]float64 {
	var r [3]float64
	for j := range 3 {
		for i := range 3 {
			r[j] += x[i] * c.lattice[i][j]
		}
	}
	return r
}

// CartesianToFractional returns A⁻ᵀr.
func (c *Crystal) CartesianToFractional(r [3]float64) [3]float64 {
	var x [3]float64
	for i := range 3 {
		for j := range 3 {
			x[i] += c.inverse[j][i] * r[j]
		}
	}
	return x
}

// RLUToCartesian converts a wavevector in reciprocal lattice units to inverse Angstrom.
func (c *Crystal) RLUToCartesian(q [3]float64) [3]float64 {
	var k [3]float64
	for j := range 3 {
		for i := range 3 {
			k[j] += q[i] * c.reciprocal[i][j]
		}
	}
	return k
}

// CartesianToRLU is the inverse of RLUToCartesian.
func (c *Crystal) CartesianToRLU(k [3]float64) [3]float64 {
	var q [3]float64
	for i := range 3 {
		for j := range 3 {
			q[i] += c.lattice[i][j] * k[j]
		}
		q[i] /= 2 * math.Pi
	}
	return q
}

// Position returns the Cartesian position of atom i displaced by the lattice vector cell.
func (c *Crystal) Position(i int, cell [3]int) [3]float64 {
	var x [3]float64
	for j := range 3 {
		x[j] = c.atoms[i].Position[j] + float64(cell[j])
	}
	return c.FractionalToCartesian(x)
}

func dense(a [3][3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}

func small(a [3][3]float64) *r3.Mat {
	return r3.NewMat([]float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}

func array(m mat.Matrix) [3][3]float64 {
	var a [3][3]float64
	for i := range 3 {
		for j := range 3 {
			a[i][j] = m.At(i, j)
		}
	}
	return a
}

// wrap maps x into [0, 1).
func wrap(x float64) float64 {
	x -= math.Floor(x)
	if x >= 1 {
		x = 0
	}
	return x
}
