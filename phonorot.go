// Package phonorot checks that interpolated phonon modes respect the
// symmetry of the crystal: wavevectors related by a point group operation
// must share their eigenvalues, and their interpolated eigenvectors must
// equal the eigenvectors of direct diagonalization up to a phase per mode.
package phonorot

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/cmplxs"

	"github.com/fumin/phonorot/crystal"
	"github.com/fumin/phonorot/exactdiag"
	"github.com/fumin/phonorot/interp"
	"github.com/fumin/phonorot/reference"
)

var log = logging.MustGetLogger("phonorot")

var (
	ErrDegenerate           = errors.New("the selected grid point should have no degenerate modes")
	ErrSymmetryEigenvalues  = errors.New("all eigenvalues should be the same")
	ErrReferenceEigenvalues = errors.New("all eigenvalues should match with and without symmetry")
	ErrEigenvectorPhase     = errors.New("all eigenvectors should match up to an arbitrary phase")

	ErrVertexIndex = errors.New("vertex index out of range")
	ErrShape       = errors.New("mode shapes differ")
)

type Config struct {
	Compound string
	// MaxVolume bounds grid tetrahedra as a fraction of the irreducible polyhedron volume.
	MaxVolume float64
	// Interpolate selects the grid for the symmetry batch, otherwise both evaluations are direct.
	Interpolate bool
	VertexIndex int
	Sort        bool
	Parallel    bool

	// Values a and b are close when |a-b| <= ATol + RTol |b|.
	RTol float64
	ATol float64
}

func NewConfig() Config {
	return Config{
		Compound:    "NaCl",
		MaxVolume:   0.1,
		Interpolate: true,
		VertexIndex: 4,
		RTol:        1e-5,
		ATol:        1e-8,
	}
}

// Key identifies the configuration in checkpoints.
func (c Config) Key() string {
	return fmt.Sprintf("%s/%g/%d/interpolate=%t/sort=%t", c.Compound, c.MaxVolume, c.VertexIndex, c.Interpolate, c.Sort)
}

// Report holds the measurements of one check.
type Report struct {
	Config Config
	// QIrreducible is the chosen grid vertex and Q its images, in reciprocal lattice units.
	QIrreducible [3]float64
	Q            [][3]float64

	// MinGap is the smallest difference between consecutive frequencies, in meV.
	MinGap float64
	// SymmetryDeviation is the largest frequency difference between images.
	SymmetryDeviation float64
	// ReferenceDeviation is the largest frequency difference to direct diagonalization.
	ReferenceDeviation float64
	// EigenvectorDeviation is the largest component difference after removing the phase.
	EigenvectorDeviation float64

	Passed  bool
	Failure string
}

// Check loads the compound, builds its interpolation grid and runs CheckInterpolator.
func Check(cfg Config) (*Report, error) {
	compound, err := reference.Load(cfg.Compound)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	model, err := compound.Model()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	ip, err := interp.New(model, interp.Options{MaxVolume: cfg.MaxVolume, Sort: cfg.Sort, Parallel: cfg.Parallel})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return CheckInterpolator(ip, cfg)
}

// CheckInterpolator maps grid vertex cfg.VertexIndex through every point group
// rotation, q_ν = W_νᵀ q, and compares the modes of the batch against direct
// diagonalization. The report is returned even when a property fails.
func CheckInterpolator(ip *interp.Interpolator, cfg Config) (*Report, error) {
	rlu := ip.Grid().RLU()
	if cfg.VertexIndex < 0 || cfg.VertexIndex >= len(rlu) {
		return nil, errors.Wrap(ErrVertexIndex, fmt.Sprintf("%d of %d", cfg.VertexIndex, len(rlu)))
	}
	r := &Report{Config: cfg, QIrreducible: rlu[cfg.VertexIndex]}
	for _, w := range ip.PointGroup() {
		r.Q = append(r.Q, crystal.Operation{W: w}.Transpose(r.QIrreducible))
	}

	br, err := ip.QpointPhononModes(r.Q, cfg.Interpolate)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	eu, err := ip.QpointPhononModes(r.Q, false)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := sameShape(br, eu); err != nil {
		return nil, errors.Wrap(err, "")
	}

	err = r.check(ip.Crystal(), br, eu)
	r.Passed = err == nil
	if err != nil {
		r.Failure = err.Error()
	}
	log.Infof("%s: %d images, min gap %g, eigenvector deviation %g, passed %t", cfg.Key(), len(r.Q), r.MinGap, r.EigenvectorDeviation, r.Passed)
	return r, err
}

func MustCheck(cfg Config) *Report {
	r, err := Check(cfg)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return r
}

func (r *Report) check(c *crystal.Crystal, br, eu *exactdiag.Modes) error {
	cfg := r.Config

	r.MinGap = math.Inf(1)
	for _, row := range br.Frequencies {
		for m := 1; m < len(row); m++ {
			r.MinGap = min(r.MinGap, math.Abs(row[m]-row[m-1]))
		}
	}
	if r.MinGap <= cfg.ATol {
		return errors.Wrap(ErrDegenerate, fmt.Sprintf("gap %g at %v", r.MinGap, r.QIrreducible))
	}

	for i := 1; i < len(br.Frequencies); i++ {
		for m := range br.Frequencies[i] {
			r.SymmetryDeviation = max(r.SymmetryDeviation, math.Abs(br.Frequencies[i][m]-br.Frequencies[i-1][m]))
		}
	}
	if r.SymmetryDeviation > cfg.ATol {
		return errors.Wrap(ErrSymmetryEigenvalues, fmt.Sprintf("deviation %g", r.SymmetryDeviation))
	}

	var far bool
	for i := range br.Frequencies {
		for m, a := range br.Frequencies[i] {
			b := eu.Frequencies[i][m]
			r.ReferenceDeviation = max(r.ReferenceDeviation, math.Abs(a-b))
			far = far || !isClose(a, b, cfg.RTol, cfg.ATol)
		}
	}
	if far {
		return errors.Wrap(ErrReferenceEigenvalues, fmt.Sprintf("deviation %g", r.ReferenceDeviation))
	}

	brVecs, err := cartesian(c, br)
	if err != nil {
		return errors.Wrap(err, "")
	}
	euVecs, err := cartesian(c, eu)
	if err != nil {
		return errors.Wrap(err, "")
	}
	for i := range brVecs {
		for m := range brVecs[i] {
			antiphase := cmplx.Exp(complex(0, -cmplx.Phase(Overlap(euVecs[i][m], brVecs[i][m]))))
			for k := range brVecs[i][m] {
				for a := range 3 {
					x, y := antiphase*brVecs[i][m][k][a], euVecs[i][m][k][a]
					r.EigenvectorDeviation = max(r.EigenvectorDeviation, cmplx.Abs(x-y))
					far = far || cmplx.Abs(x-y) > cfg.ATol+cfg.RTol*cmplx.Abs(y)
				}
			}
		}
	}
	if far {
		return errors.Wrap(ErrEigenvectorPhase, fmt.Sprintf("deviation %g", r.EigenvectorDeviation))
	}
	return nil
}

// Overlap returns Σ conj(u)·v over all atoms and components.
func Overlap(u, v [][3]complex128) complex128 {
	return cmplxs.Dot(flatten(u), flatten(v))
}

func flatten(u [][3]complex128) []complex128 {
	x := make([]complex128, 0, 3*len(u))
	for k := range u {
		x = append(x, u[k][:]...)
	}
	return x
}

func cartesian(c *crystal.Crystal, modes *exactdiag.Modes) ([][][][3]complex128, error) {
	if modes.Basis == exactdiag.Cartesian {
		return modes.Eigenvectors, nil
	}
	vecs, err := c.BasisToOrthogonalEigenvectors(modes.Eigenvectors)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return vecs, nil
}

func sameShape(a, b *exactdiag.Modes) error {
	if len(a.Frequencies) != len(b.Frequencies) {
		return errors.Wrap(ErrShape, fmt.Sprintf("%d and %d points", len(a.Frequencies), len(b.Frequencies)))
	}
	for i := range a.Frequencies {
		if len(a.Frequencies[i]) != len(b.Frequencies[i]) || len(a.Eigenvectors[i]) != len(b.Eigenvectors[i]) {
			return errors.Wrap(ErrShape, fmt.Sprintf("point %d: %d and %d modes", i, len(a.Frequencies[i]), len(b.Frequencies[i])))
		}
	}
	return nil
}

func isClose(a, b, rtol, atol float64) bool {
	return math.Abs(a-b) <= atol+rtol*math.Abs(b)
}
