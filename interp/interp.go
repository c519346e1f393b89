// Package interp interpolates phonon modes inside the irreducible part of the
// Brillouin zone and maps them onto any wavevector with the symmetry
// operations of the crystal.
package interp

import (
	"fmt"
	"math"
	"math/cmplx"
	"runtime"
	"sync"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fumin/phonorot/bz"
	"github.com/fumin/phonorot/crystal"
	"github.com/fumin/phonorot/exactdiag"
	"github.com/fumin/phonorot/store"
)

var log = logging.MustGetLogger("interp")

const (
	// irreducibleTolerance is how far outside the irreducible polyhedron, in
	// inverse Angstrom, a rotated wavevector may fall before it is rejected.
	irreducibleTolerance = 1e-6

	// weightCutoff drops barycentric weights that only carry rounding noise.
	weightCutoff = 1e-10
)

var (
	ErrNoOperation = errors.New("no operation maps the wavevector into the irreducible polyhedron")
	ErrCacheKey    = errors.New("a cache requires a cache key")
	ErrVertexModes = errors.New("vertex modes do not match the grid")
)

// Options configure the interpolation grid.
type Options struct {
	// MaxVolume bounds the volume of every grid tetrahedron, as a fraction of
	// the irreducible polyhedron volume.
	MaxVolume float64
	// Sort reorders the modes of neighbouring vertices by eigenvector overlap.
	Sort bool
	// Parallel evaluates vertices and queries concurrently.
	Parallel bool

	// Cache, when set, stores vertex modes under CacheKey.
	Cache    *store.Cache
	CacheKey string
}

func DefaultOptions() Options {
	return Options{MaxVolume: 0.1}
}

// Interpolator holds the modes at the vertices of a tetrahedral grid of the
// irreducible polyhedron. Vertex eigenvectors are in the lattice-fractional basis.
type Interpolator struct {
	crystal *crystal.Crystal
	solver  exactdiag.Solver
	opts    Options

	ops  []crystal.Operation
	zone *bz.BrillouinZone
	poly *bz.Polyhedron
	mesh *bz.Mesh

	metric [3][3]float64
	freqs  [][]float64
	vecs   [][][][3]complex128
}

func New(solver exactdiag.Solver, opts Options) (*Interpolator, error) {
	if opts.Cache != nil && opts.CacheKey == "" {
		return nil, ErrCacheKey
	}
	c := solver.Crystal()
	ip := &Interpolator{crystal: c, solver: solver, opts: opts, metric: c.Metric()}

	var err error
	ip.ops, err = c.Symmetry(crystal.DefaultTolerance)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	ip.zone = bz.NewBrillouinZone(c)
	ip.poly, err = bz.NewPolyhedron(ip.zone, ip.ops, bz.Tolerance)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	ip.mesh, err = bz.NewMesh(ip.poly, opts.MaxVolume)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	modes, err := ip.vertexModes()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if modes.Basis == exactdiag.Cartesian {
		modes.Eigenvectors, err = c.OrthogonalToBasisEigenvectors(modes.Eigenvectors)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		modes.Basis = exactdiag.Fractional
	}
	ip.freqs, ip.vecs = modes.Frequencies, modes.Eigenvectors
	if opts.Sort {
		ip.sortModes()
	}
	log.Infof("grid of %d vertices, %d operations", len(ip.freqs), len(ip.ops))
	return ip, nil
}

func MustNew(solver exactdiag.Solver, opts Options) *Interpolator {
	ip, err := New(solver, opts)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return ip
}

func (ip *Interpolator) Crystal() *crystal.Crystal { return ip.crystal }

// Solver is the direct diagonalizer behind the grid.
func (ip *Interpolator) Solver() exactdiag.Solver { return ip.solver }

// Grid is the tetrahedral mesh whose vertices carry the stored modes.
func (ip *Interpolator) Grid() *bz.Mesh { return ip.mesh }

func (ip *Interpolator) BrillouinZone() *bz.BrillouinZone { return ip.zone }

// Operations are the space group operations of the crystal, identity first.
func (ip *Interpolator) Operations() []crystal.Operation { return ip.ops }

// PointGroup returns the distinct rotations W of the operations.
func (ip *Interpolator) PointGroup() [][3][3]int { return crystal.PointGroup(ip.ops) }

// VertexModes returns the stored modes of vertex i, in the lattice-fractional basis.
func (ip *Interpolator) VertexModes(i int) ([]float64, [][][3]complex128) {
	return ip.freqs[i], ip.vecs[i]
}

func (ip *Interpolator) vertexModes() (*exactdiag.Modes, error) {
	qs := ip.mesh.RLU()
	if ip.opts.Cache != nil {
		modes, err := ip.opts.Cache.Get(ip.opts.CacheKey)
		switch {
		case err == nil && len(modes.Q) == len(qs):
			log.Infof("loaded %d vertices from %s", len(qs), ip.opts.Cache.Path)
			return modes, nil
		case err == nil:
			log.Infof("cache %s has %d vertices, grid has %d", ip.opts.CacheKey, len(modes.Q), len(qs))
		case !errors.Is(err, store.ErrNotFound):
			return nil, errors.Wrap(err, "")
		}
	}

	modes, err := ip.solve(qs)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(modes.Frequencies) != len(qs) {
		return nil, errors.Wrap(ErrVertexModes, fmt.Sprintf("%d modes for %d vertices", len(modes.Frequencies), len(qs)))
	}
	if ip.opts.Cache != nil {
		if err := ip.opts.Cache.Put(ip.opts.CacheKey, modes); err != nil {
			return nil, errors.Wrap(err, "")
		}
	}
	return modes, nil
}

// solve runs the solver over qs, split among workers when running in parallel.
func (ip *Interpolator) solve(qs [][3]float64) (*exactdiag.Modes, error) {
	if !ip.opts.Parallel {
		return ip.solver.Modes(qs)
	}

	chunks := chunk(len(qs), runtime.GOMAXPROCS(0))
	results := make([]*exactdiag.Modes, len(chunks))
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = ip.solver.Modes(qs[c[0]:c[1]])
		}()
	}
	wg.Wait()

	modes := &exactdiag.Modes{}
	for i, r := range results {
		if errs[i] != nil {
			return nil, errors.Wrap(errs[i], fmt.Sprintf("%v", chunks[i]))
		}
		modes.Q = append(modes.Q, r.Q...)
		modes.Frequencies = append(modes.Frequencies, r.Frequencies...)
		modes.Eigenvectors = append(modes.Eigenvectors, r.Eigenvectors...)
		modes.Basis = r.Basis
	}
	return modes, nil
}

// QpointPhononModes returns the modes at the wavevectors qs, in reciprocal
// lattice units. With interpolate the stored grid is used and eigenvectors
// are lattice-fractional, otherwise the solver is called directly.
func (ip *Interpolator) QpointPhononModes(qs [][3]float64, interpolate bool) (*exactdiag.Modes, error) {
	if !interpolate {
		modes, err := ip.solve(qs)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return modes, nil
	}

	modes := &exactdiag.Modes{
		Q:            append([][3]float64(nil), qs...),
		Frequencies:  make([][]float64, len(qs)),
		Eigenvectors: make([][][][3]complex128, len(qs)),
		Basis:        exactdiag.Fractional,
	}
	do := func(i int) error {
		f, v, err := ip.interpolate(qs[i])
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("q %v", qs[i]))
		}
		modes.Frequencies[i], modes.Eigenvectors[i] = f, v
		return nil
	}

	if !ip.opts.Parallel {
		for i := range qs {
			if err := do(i); err != nil {
				return nil, err
			}
		}
		return modes, nil
	}

	chunks := chunk(len(qs), runtime.GOMAXPROCS(0))
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for ci, c := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := c[0]; i < c[1]; i++ {
				if err := do(i); err != nil {
					errs[ci] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return modes, nil
}

// Irreducible returns the operation index ν and the wavevector W_νᵀ q inside
// the irreducible polyhedron, for a q already in the first Brillouin zone.
func (ip *Interpolator) Irreducible(q [3]float64) (int, [3]float64, error) {
	best, bestV := -1, math.Inf(1)
	for i, op := range ip.ops {
		v := ip.poly.Violation(vec(ip.crystal.RLUToCartesian(op.Transpose(q))))
		if v < bestV {
			best, bestV = i, v
		}
		if v <= bz.Tolerance {
			break
		}
	}
	if bestV > irreducibleTolerance {
		return -1, [3]float64{}, errors.Wrap(ErrNoOperation, fmt.Sprintf("%v, distance %g", q, bestV))
	}
	return best, ip.ops[best].Transpose(q), nil
}

func (ip *Interpolator) interpolate(q [3]float64) ([]float64, [][][3]complex128, error) {
	qf, g, err := ip.zone.Fold(q)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	nu, qir, err := ip.Irreducible(qf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	tet, w, err := ip.mesh.Locate(vec(ip.crystal.RLUToCartesian(qir)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	w = clean(w)

	ref := 0
	for j := range 4 {
		if w[j] > w[ref] {
			ref = j
		}
	}
	nmodes := len(ip.freqs[tet[ref]])
	natoms := ip.crystal.NumAtoms()
	freqs := make([]float64, nmodes)
	irr := make([][][3]complex128, nmodes)
	for m := range nmodes {
		irr[m] = make([][3]complex128, natoms)
		refVec := ip.vecs[tet[ref]][m]
		for j := range 4 {
			if w[j] == 0 {
				continue
			}
			freqs[m] += w[j] * ip.freqs[tet[j]][m]
			v := ip.vecs[tet[j]][m]
			phase := cmplx.Exp(complex(0, -cmplx.Phase(ip.overlap(refVec, v))))
			for k := range natoms {
				for a := range 3 {
					irr[m][k][a] += complex(w[j], 0) * phase * v[k][a]
				}
			}
		}
		if n := math.Sqrt(real(ip.overlap(irr[m], irr[m]))); n > 0 {
			for k := range natoms {
				for a := range 3 {
					irr[m][k][a] /= complex(n, 0)
				}
			}
		}
	}

	// ε(q)_σ(κ) = W ε(q_ir)_κ, then ε(q+G)_κ = exp(-2πi G·τ_κ) ε(q)_κ.
	op := ip.ops[nu]
	atoms := ip.crystal.Atoms()
	vecs := make([][][3]complex128, nmodes)
	for m := range nmodes {
		vecs[m] = make([][3]complex128, natoms)
		for k := range natoms {
			vecs[m][op.Map[k]] = crystal.RotateVec(op.W, irr[m][k])
		}
		if g == [3]int{} {
			continue
		}
		for k, at := range atoms {
			var gx float64
			for a := range 3 {
				gx += float64(g[a]) * at.Position[a]
			}
			phase := cmplx.Exp(complex(0, -2*math.Pi*gx))
			for a := range 3 {
				vecs[m][k][a] *= phase
			}
		}
	}
	return freqs, vecs, nil
}

// overlap is the inner product of lattice-fractional eigenvectors,
// Σ_κ conj(u_κ)ᵀ G v_κ with G the direct lattice metric.
func (ip *Interpolator) overlap(u, v [][3]complex128) complex128 {
	var s complex128
	for k := range u {
		for a := range 3 {
			for b := range 3 {
				s += cmplx.Conj(u[k][a]) * complex(ip.metric[a][b], 0) * v[k][b]
			}
		}
	}
	return s
}

// clean zeroes weights within rounding of zero and renormalizes.
func clean(w [4]float64) [4]float64 {
	var sum float64
	for j := range 4 {
		if math.Abs(w[j]) < weightCutoff {
			w[j] = 0
		}
		sum += w[j]
	}
	for j := range 4 {
		w[j] /= sum
	}
	return w
}

// chunk splits [0, n) into at most k contiguous ranges.
func chunk(n, k int) [][2]int {
	k = max(1, min(k, n))
	chunks := make([][2]int, 0, k)
	for i := range k {
		chunks = append(chunks, [2]int{i * n / k, (i + 1) * n / k})
	}
	return chunks
}

func vec(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}
