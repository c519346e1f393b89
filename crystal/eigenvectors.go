package crystal

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// BasisToOrthogonalEigenvectors converts eigenvectors of shape [q][mode][atom]
// from components along the direct lattice vectors to Cartesian components,
// ε_cart = Aᵀ ε_frac for every atom.
func (c *Crystal) BasisToOrthogonalEigenvectors(eps [][][][3]complex128) ([][][][3]complex128, error) {
	var m [3][3]float64
	for i := range 3 {
		for j := range 3 {
			m[i][j] = c.lattice[j][i]
		}
	}
	out, err := c.transform(m, eps)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return out, nil
}

// OrthogonalToBasisEigenvectors is the inverse of BasisToOrthogonalEigenvectors.
func (c *Crystal) OrthogonalToBasisEigenvectors(eps [][][][3]complex128) ([][][][3]complex128, error) {
	var m [3][3]float64
	for i := range 3 {
		for j := range 3 {
			m[i][j] = c.inverse[j][i]
		}
	}
	out, err := c.transform(m, eps)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return out, nil
}

func (c *Crystal) transform(a [3][3]float64, eps [][][][3]complex128) ([][][][3]complex128, error) {
	m := small(a)
	out := make([][][][3]complex128, len(eps))
	for q, modes := range eps {
		out[q] = make([][][3]complex128, len(modes))
		for n, vec := range modes {
			if len(vec) != len(c.atoms) {
				return nil, errors.Errorf("q %d mode %d: %d atoms, expected %d", q, n, len(vec), len(c.atoms))
			}
			out[q][n] = make([][3]complex128, len(vec))
			for k, v := range vec {
				out[q][n][k] = mulVec(m, v)
			}
		}
	}
	return out, nil
}

// MulVec returns m v for a complex vector v.
func MulVec(m [3][3]float64, v [3]complex128) [3]complex128 {
	return mulVec(small(m), v)
}

func mulVec(m *r3.Mat, v [3]complex128) [3]complex128 {
	re := m.MulVec(r3.Vec{X: real(v[0]), Y: real(v[1]), Z: real(v[2])})
	im := m.MulVec(r3.Vec{X: imag(v[0]), Y: imag(v[1]), Z: imag(v[2])})
	return [3]complex128{complex(re.X, im.X), complex(re.Y, im.Y), complex(re.Z, im.Z)}
}

// RotateVec returns W v for an integer rotation W.
func RotateVec(w [3][3]int, v [3]complex128) [3]complex128 {
	var y [3]complex128
	for i := range 3 {
		for j := range 3 {
			switch w[i][j] {
			case 0:
			case 1:
				y[i] += v[j]
			case -1:
				y[i] -= v[j]
			default:
				y[i] += complex(float64(w[i][j]), 0) * v[j]
			}
		}
	}
	return y
}

func (op Operation) GoString() string {
	return fmt.Sprintf("crystal.Operation{W: %v, T: %v, Map: %v}", op.W, op.T, op.Map)
}
