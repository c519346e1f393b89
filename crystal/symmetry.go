package crystal

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DefaultTolerance is the fractional coordinate and relative metric tolerance of the symmetry search.
	DefaultTolerance = 1e-5
)

var (
	ErrNoSymmetry = errors.New("identity is not a symmetry of the structure")
)

// Operation is a space group operation {W|t} acting on fractional coordinates as x' = Wx + t.
type Operation struct {
	W [3][3]int
	T [3]float64
	// Map sends atom κ to σ(κ), where Wτ_κ + t = τ_σ(κ) + L_κ.
	Map []int
}

// Apply returns Wx + t.
func (op Operation) Apply(x [3]float64) [3]float64 {
	y := op.Rotate(x)
	for i := range 3 {
		y[i] += op.T[i]
	}
	return y
}

// Rotate returns Wx.
func (op Operation) Rotate(x [3]float64) [3]float64 {
	var y [3]float64
	for i := range 3 {
		for j := range 3 {
			y[i] += float64(op.W[i][j]) * x[j]
		}
	}
	return y
}

// Transpose returns Wᵀq, which maps a wavevector in reciprocal lattice units
// onto its image under the inverse operation.
func (op Operation) Transpose(q [3]float64) [3]float64 {
	var y [3]float64
	for i := range 3 {
		for j := range 3 {
			y[i] += float64(op.W[j][i]) * q[j]
		}
	}
	return y
}

func (op Operation) IsIdentity() bool {
	return op.W == identity && op.T == [3]float64{}
}

func (op Operation) String() string {
	return fmt.Sprintf("%v+%v", op.W, op.T)
}

var identity = [3][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// Cartesian returns the rotation Aᵀ W A⁻ᵀ of op in Cartesian coordinates.
func (c *Crystal) Cartesian(op Operation) [3][3]float64 {
	var w [3][3]float64
	for i := range 3 {
		for j := range 3 {
			w[i][j] = float64(op.W[i][j])
		}
	}
	wa := r3.NewMat(nil)
	wa.Mul(small(w), small(c.inverse).T())
	r := r3.NewMat(nil)
	r.Mul(small(c.lattice).T(), wa)
	return array(r)
}

// Symmetry returns the space group operations of the structure, identity first.
// Rotations are searched among integer matrices with entries in {-1, 0, 1}
// that preserve the lattice metric, which covers every point group of a reduced cell.
func (c *Crystal) Symmetry(tol float64) ([]Operation, error) {
	g := c.Metric()
	var gmax float64
	for i := range 3 {
		for j := range 3 {
			gmax = max(gmax, math.Abs(g[i][j]))
		}
	}

	ops := make([]Operation, 0, 48)
	var w [3][3]int
	var search func(int)
	search = func(n int) {
		if n == 9 {
			if d := det(w); d != 1 && d != -1 {
				return
			}
			if !preservesMetric(w, g, tol*gmax) {
				return
			}
			ops = append(ops, c.translations(w, tol)...)
			return
		}
		for _, v := range []int{-1, 0, 1} {
			w[n/3][n%3] = v
			search(n + 1)
		}
	}
	search(0)

	idx := slices.IndexFunc(ops, Operation.IsIdentity)
	if idx < 0 {
		return nil, errors.Wrap(ErrNoSymmetry, fmt.Sprintf("%d operations", len(ops)))
	}
	ops[0], ops[idx] = ops[idx], ops[0]
	slices.SortStableFunc(ops[1:], compareOperations)
	log.Debugf("found %d symmetry operations", len(ops))
	return ops, nil
}

func (c *Crystal) MustSymmetry() []Operation {
	ops, err := c.Symmetry(DefaultTolerance)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return ops
}

// PointGroup returns the distinct rotations of ops, in order of first appearance.
func PointGroup(ops []Operation) [][3][3]int {
	ws := make([][3][3]int, 0, len(ops))
	for _, op := range ops {
		if !slices.Contains(ws, op.W) {
			ws = append(ws, op.W)
		}
	}
	return ws
}

// translations returns every operation with rotation w that maps the basis onto itself.
func (c *Crystal) translations(w [3][3]int, tol float64) []Operation {
	ops := make([]Operation, 0, 1)
	first := c.atoms[0]
	wx := Operation{W: w}.Rotate(first.Position)
	for _, at := range c.atoms {
		if at.Species != first.Species {
			continue
		}
		var t [3]float64
		for i := range 3 {
			t[i] = wrap(at.Position[i] - wx[i])
			if 1-t[i] < tol {
				t[i] = 0
			}
		}
		op := Operation{W: w, T: t}
		m, ok := c.permutation(op, tol)
		if !ok {
			continue
		}
		op.Map = m
		ops = append(ops, op)
	}
	return ops
}

func (c *Crystal) permutation(op Operation, tol float64) ([]int, bool) {
	m := make([]int, len(c.atoms))
	for k, at := range c.atoms {
		x := op.Apply(at.Position)
		m[k] = slices.IndexFunc(c.atoms, func(b Atom) bool {
			if b.Species != at.Species {
				return false
			}
			for i := range 3 {
				d := x[i] - b.Position[i]
				if math.Abs(d-math.Round(d)) > tol {
					return false
				}
			}
			return true
		})
		if m[k] < 0 {
			return nil, false
		}
	}
	return m, true
}

func preservesMetric(w [3][3]int, g [3][3]float64, tol float64) bool {
	// Wᵀ G W for W acting on column vectors of fractional coordinates.
	for i := range 3 {
		for j := range 3 {
			var v float64
			for k := range 3 {
				for l := range 3 {
					v += float64(w[k][i]) * g[k][l] * float64(w[l][j])
				}
			}
			if math.Abs(v-g[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func det(w [3][3]int) int {
	return w[0][0]*(w[1][1]*w[2][2]-w[1][2]*w[2][1]) -
		w[0][1]*(w[1][0]*w[2][2]-w[1][2]*w[2][0]) +
		w[0][2]*(w[1][0]*w[2][1]-w[1][1]*w[2][0])
}

// compareOperations orders proper rotations before improper ones, then lexicographically.
func compareOperations(a, b Operation) int {
	if c := cmp.Compare(-det(a.W), -det(b.W)); c != 0 {
		return c
	}
	for i := range 3 {
		for j := range 3 {
			if c := cmp.Compare(a.W[i][j], b.W[i][j]); c != 0 {
				return c
			}
		}
	}
	for i := range 3 {
		if c := cmp.Compare(a.T[i], b.T[i]); c != 0 {
			return c
		}
	}
	return 0
}
