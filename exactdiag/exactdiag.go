// Package exactdiag computes phonon modes by direct diagonalization of the
// dynamical matrix of a Born-von Karman force constant model.
package exactdiag

import (
	"fmt"
	"math"
	"math/cmplx"
	"slices"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/fumin/phonorot/crystal"
	"github.com/fumin/phonorot/exactdiag/mat"
	"github.com/fumin/phonorot/exactdiag/mat/util"
)

var log = logging.MustGetLogger("exactdiag")

const (
	// DefaultDistanceTolerance is the tolerance in Angstrom for assigning a neighbour to a shell.
	DefaultDistanceTolerance = 1e-3

	// FrequencyUnit converts sqrt(eV/Å²/amu) to meV.
	FrequencyUnit = 64.65415

	// AcousticSumTolerance bounds AcousticSum in eV/Å².
	AcousticSumTolerance = 1e-9
)

var (
	ErrNoNeighbours = errors.New("shell has no neighbours")
	ErrShell        = errors.New("invalid shell")
	ErrAcousticSum  = errors.New("force constants are not translationally invariant")
)

// Basis is the coordinate system of eigenvector components.
type Basis int

const (
	// Cartesian components, orthonormal.
	Cartesian Basis = iota
	// Fractional components along the direct lattice vectors.
	Fractional
)

func (b Basis) String() string {
	switch b {
	case Cartesian:
		return "cartesian"
	case Fractional:
		return "fractional"
	default:
		return fmt.Sprintf("Basis(%d)", int(b))
	}
}

// Modes are the phonon modes at a list of wavevectors.
type Modes struct {
	// Q are the wavevectors in reciprocal lattice units.
	Q [][3]float64
	// Frequencies in meV, indexed [q][mode], ascending unless re-sorted.
	// Imaginary frequencies are reported as negative numbers.
	Frequencies [][]float64
	// Eigenvectors indexed [q][mode][atom].
	Eigenvectors [][][][3]complex128
	Basis        Basis
}

// Solver computes phonon modes at arbitrary wavevectors.
type Solver interface {
	Crystal() *crystal.Crystal
	Modes(qs [][3]float64) (*Modes, error)
}

// Shell is a set of equidistant neighbours coupled by a central pair spring.
// The 3x3 spring of a bond along unit vector r is
// Longitudinal r rᵀ + Transverse (I - r rᵀ), in eV/Å².
type Shell struct {
	Pair         [2]string
	Distance     float64
	Longitudinal float64
	Transverse   float64
}

func (s Shell) matches(a, b string) bool {
	return (s.Pair[0] == a && s.Pair[1] == b) || (s.Pair[0] == b && s.Pair[1] == a)
}

// block is the force constant Φ(0κ; Lκ').
type block struct {
	kappa  int
	kappa2 int
	// delta is r(Lκ') - r(0κ) in Cartesian coordinates.
	delta [3]float64
	phi   [3][3]float64
}

// Model holds the real space force constants of a crystal.
type Model struct {
	crystal *crystal.Crystal
	blocks  []block
}

// NewModel expands the shells into force constants between every pair of atoms,
// and adds the self terms required by translational invariance.
func NewModel(c *crystal.Crystal, shells []Shell, tol float64) (*Model, error) {
	var rmax float64
	for i, s := range shells {
		if !(s.Distance > 0) {
			return nil, errors.Wrap(ErrShell, fmt.Sprintf("%d %#v", i, s))
		}
		rmax = max(rmax, s.Distance)
	}

	n := searchRange(c, rmax+tol)
	atoms := c.Atoms()
	m := &Model{crystal: c}
	self := make([][3][3]float64, len(atoms))
	found := make([]int, len(shells))
	for k, a := range atoms {
		r0 := c.Position(k, [3]int{})
		for k2, b := range atoms {
			for l0 := -n[0]; l0 <= n[0]; l0++ {
				for l1 := -n[1]; l1 <= n[1]; l1++ {
					for l2 := -n[2]; l2 <= n[2]; l2++ {
						cell := [3]int{l0, l1, l2}
						if k == k2 && cell == [3]int{} {
							continue
						}
						r := c.Position(k2, cell)
						var delta [3]float64
						for i := range 3 {
							delta[i] = r[i] - r0[i]
						}
						d := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
						for si, s := range shells {
							if !s.matches(a.Species, b.Species) || math.Abs(d-s.Distance) > tol {
								continue
							}
							spring := s.spring(delta, d)
							var phi [3][3]float64
							for i := range 3 {
								for j := range 3 {
									phi[i][j] = -spring[i][j]
									self[k][i][j] += spring[i][j]
								}
							}
							m.blocks = append(m.blocks, block{kappa: k, kappa2: k2, delta: delta, phi: phi})
							found[si]++
						}
					}
				}
			}
		}
	}
	for si, f := range found {
		if f == 0 {
			return nil, errors.Wrap(ErrNoNeighbours, fmt.Sprintf("%d %#v", si, shells[si]))
		}
	}
	for k := range atoms {
		m.blocks = append(m.blocks, block{kappa: k, kappa2: k, phi: self[k]})
	}
	log.Debugf("%d force constant blocks for %d shells", len(m.blocks), len(shells))
	return m, nil
}

func (s Shell) spring(delta [3]float64, d float64) [3][3]float64 {
	var k [3][3]float64
	for i := range 3 {
		for j := range 3 {
			rr := delta[i] * delta[j] / (d * d)
			k[i][j] = s.Longitudinal * rr
			if i == j {
				k[i][j] += s.Transverse * (1 - rr)
			} else {
				k[i][j] -= s.Transverse * rr
			}
		}
	}
	return k
}

// searchRange returns the number of cells along each lattice vector that
// contain every neighbour within r.
func searchRange(c *crystal.Crystal, r float64) [3]int {
	a := c.Lattice()
	var n [3]int
	for i := range 3 {
		j, k := (i+1)%3, (i+2)%3
		cross := [3]float64{
			a[j][1]*a[k][2] - a[j][2]*a[k][1],
			a[j][2]*a[k][0] - a[j][0]*a[k][2],
			a[j][0]*a[k][1] - a[j][1]*a[k][0],
		}
		area := math.Sqrt(cross[0]*cross[0] + cross[1]*cross[1] + cross[2]*cross[2])
		spacing := c.Volume() / area
		n[i] = int(math.Ceil(r/spacing)) + 1
	}
	return n
}

func (m *Model) Crystal() *crystal.Crystal { return m.crystal }

// DynamicalMatrix returns
// D_{κα,κ'β}(q) = Σ_L Φ_{αβ}(0κ; Lκ') exp(i k·(r_{Lκ'} - r_{0κ})) / sqrt(m_κ m_κ'),
// with the phase taken over atomic positions rather than cell origins.
// q is in reciprocal lattice units.
func (m *Model) DynamicalMatrix(q [3]float64) *mat.COO {
	k := m.crystal.RLUToCartesian(q)
	atoms := m.crystal.Atoms()
	n := 3 * len(atoms)
	d := mat.COOZeros(n, n)
	for _, b := range m.blocks {
		phase := cmplx.Exp(complex(0, k[0]*b.delta[0]+k[1]*b.delta[1]+k[2]*b.delta[2]))
		w := 1 / math.Sqrt(atoms[b.kappa].Mass*atoms[b.kappa2].Mass)
		for i := range 3 {
			for j := range 3 {
				d.AddAt(3*b.kappa+i, 3*b.kappa2+j, complex(w*b.phi[i][j], 0)*phase)
			}
		}
	}
	d.Compact()
	return d
}

// AcousticSum returns the largest element of Σ_κ' sqrt(m_κ m_κ') D_κκ'(0),
// which vanishes for force constants invariant under uniform translations.
func (m *Model) AcousticSum() float64 {
	d := m.DynamicalMatrix([3]float64{})
	atoms := m.crystal.Atoms()
	var res float64
	for k := range d.Rows() / 3 {
		sum := mat.COOZeros(3, 3)
		for k2 := range d.Cols() / 3 {
			b := d.Slice([2]int{3 * k, 3*k + 3}, [2]int{3 * k2, 3*k2 + 3})
			sum.Add(complex(math.Sqrt(atoms[k].Mass*atoms[k2].Mass), 0), b)
		}
		for _, row := range sum.Dense() {
			for _, v := range row {
				res = max(res, cmplx.Abs(v))
			}
		}
	}
	return res
}

// Modes diagonalizes the dynamical matrix at every q.
// Eigenvectors are returned in the Cartesian basis.
func (m *Model) Modes(qs [][3]float64) (*Modes, error) {
	natoms := m.crystal.NumAtoms()
	modes := &Modes{
		Q:            slices.Clone(qs),
		Frequencies:  make([][]float64, 0, len(qs)),
		Eigenvectors: make([][][][3]complex128, 0, len(qs)),
		Basis:        Cartesian,
	}
	throttler := util.NewSkipThrottler(5 * time.Second)
	for i, q := range qs {
		vvs, err := m.DynamicalMatrix(q).Eigen()
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("q %v", q))
		}

		freqs := make([]float64, 0, len(vvs))
		vecs := make([][][3]complex128, 0, len(vvs))
		for _, vv := range vvs {
			freqs = append(freqs, Frequency(vv.Val))
			vec := make([][3]complex128, natoms)
			for k := range natoms {
				copy(vec[k][:], vv.Vec[3*k:3*k+3])
			}
			vecs = append(vecs, vec)
		}
		modes.Frequencies = append(modes.Frequencies, freqs)
		modes.Eigenvectors = append(modes.Eigenvectors, vecs)

		skipped := throttler.Skipped()
		if throttler.Ok() {
			log.Debugf("diagonalized %d/%d, %d progress lines skipped", i+1, len(qs), skipped)
		}
	}
	return modes, nil
}

func (m *Model) MustModes(qs [][3]float64) *Modes {
	modes, err := m.Modes(qs)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return modes
}

// Frequency converts an eigenvalue of the dynamical matrix to meV,
// mapping negative eigenvalues to negative frequencies.
func Frequency(lambda float64) float64 {
	w := math.Sqrt(math.Abs(lambda)) * FrequencyUnit
	if lambda < 0 {
		return -w
	}
	return w
}
