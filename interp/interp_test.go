package interp

import (
	"fmt"
	"math/cmplx"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fumin/phonorot/bz"
	"github.com/fumin/phonorot/crystal"
	"github.com/fumin/phonorot/exactdiag"
	"github.com/fumin/phonorot/reference"
	"github.com/fumin/phonorot/store"
)

// countingSolver records how many wavevectors it was asked for.
type countingSolver struct {
	exactdiag.Solver
	n atomic.Int64
}

func (s *countingSolver) Modes(qs [][3]float64) (*exactdiag.Modes, error) {
	s.n.Add(int64(len(qs)))
	return s.Solver.Modes(qs)
}

func model(t *testing.T, name string) *exactdiag.Model {
	m, err := reference.MustLoad(name).Model()
	require.NoError(t, err)
	return m
}

func cartesianOverlap(u, v [][3]complex128) complex128 {
	var s complex128
	for k := range u {
		for a := range 3 {
			s += cmplx.Conj(u[k][a]) * v[k][a]
		}
	}
	return s
}

func TestVertices(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "NaCl"), DefaultOptions())
	rlu := ip.Grid().RLU()
	require.Len(t, rlu, 25)

	modes, err := ip.QpointPhononModes(rlu, true)
	require.NoError(t, err)
	require.Equal(t, exactdiag.Fractional, modes.Basis)
	for i := range rlu {
		freqs, vecs := ip.VertexModes(i)
		require.InDeltaSlice(t, freqs, modes.Frequencies[i], 1e-9, "vertex %d", i)
		// Surface vertices may fold onto an equivalent point where degenerate
		// modes mix, so only interior eigenvectors are compared.
		if i >= ip.Grid().Interior() {
			continue
		}
		for m := range vecs {
			for k := range vecs[m] {
				for a := range 3 {
					d := cmplx.Abs(vecs[m][k][a] - modes.Eigenvectors[i][m][k][a])
					require.InDelta(t, 0, d, 1e-9, "vertex %d mode %d", i, m)
				}
			}
		}
	}
}

func TestImages(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "NaCl"), DefaultOptions())
	c := ip.Crystal()
	qir := ip.Grid().RLU()[4]

	qs := make([][3]float64, 0)
	for _, w := range ip.PointGroup() {
		qs = append(qs, crystal.Operation{W: w}.Transpose(qir))
	}
	require.Len(t, qs, 48)

	br, err := ip.QpointPhononModes(qs, true)
	require.NoError(t, err)
	eu, err := ip.QpointPhononModes(qs, false)
	require.NoError(t, err)
	require.Equal(t, exactdiag.Cartesian, eu.Basis)
	brVecs, err := c.BasisToOrthogonalEigenvectors(br.Eigenvectors)
	require.NoError(t, err)

	vertexFreqs, _ := ip.VertexModes(4)
	for i := range qs {
		require.InDeltaSlice(t, vertexFreqs, br.Frequencies[i], 1e-9, "%v", qs[i])
		require.InDeltaSlice(t, eu.Frequencies[i], br.Frequencies[i], 1e-6, "%v", qs[i])
		for m := range brVecs[i] {
			o := cartesianOverlap(eu.Eigenvectors[i][m], brVecs[i][m])
			require.InDelta(t, 1, cmplx.Abs(o), 1e-9, "%v mode %d", qs[i], m)
		}
	}
}

func TestReciprocalTranslation(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "NaCl"), DefaultOptions())
	c := ip.Crystal()
	qir := ip.Grid().RLU()[4]
	// G·τ_Cl = 1/2, so the Cl displacements of q+G are those of q negated.
	g := [3]float64{1, -2, 2}

	qs := make([][3]float64, 0)
	shifted := make([][3]float64, 0)
	for _, w := range ip.PointGroup() {
		q := crystal.Operation{W: w}.Transpose(qir)
		qs = append(qs, q)
		shifted = append(shifted, [3]float64{q[0] + g[0], q[1] + g[1], q[2] + g[2]})
	}
	base, err := ip.QpointPhononModes(qs, true)
	require.NoError(t, err)
	br, err := ip.QpointPhononModes(shifted, true)
	require.NoError(t, err)
	eu, err := ip.QpointPhononModes(shifted, false)
	require.NoError(t, err)
	brVecs, err := c.BasisToOrthogonalEigenvectors(br.Eigenvectors)
	require.NoError(t, err)

	sign := []complex128{1, -1}
	for i := range shifted {
		require.InDeltaSlice(t, base.Frequencies[i], br.Frequencies[i], 1e-9, "%v", shifted[i])
		for m := range brVecs[i] {
			for k := range br.Eigenvectors[i][m] {
				for a := range 3 {
					d := cmplx.Abs(br.Eigenvectors[i][m][k][a] - sign[k]*base.Eigenvectors[i][m][k][a])
					require.InDelta(t, 0, d, 1e-9, "%v mode %d atom %d", shifted[i], m, k)
				}
			}

			o := cartesianOverlap(eu.Eigenvectors[i][m], brVecs[i][m])
			antiphase := cmplx.Exp(complex(0, -cmplx.Phase(o)))
			for k := range brVecs[i][m] {
				for a := range 3 {
					d := cmplx.Abs(antiphase*brVecs[i][m][k][a] - eu.Eigenvectors[i][m][k][a])
					require.InDelta(t, 0, d, 1e-9, "%v mode %d atom %d", shifted[i], m, k)
				}
			}
		}
	}
}

func TestGenericWavevector(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "NaCl"), DefaultOptions())
	q := [3]float64{0.13, -0.21, 0.34}

	// Images of q and their translates by reciprocal lattice vectors share
	// the interpolated frequencies.
	qs := make([][3]float64, 0)
	for _, w := range ip.PointGroup() {
		qw := crystal.Operation{W: w}.Transpose(q)
		qs = append(qs, qw, [3]float64{qw[0] + 1, qw[1] - 2, qw[2]})
	}
	modes, err := ip.QpointPhononModes(qs, true)
	require.NoError(t, err)
	for i := range qs {
		require.InDeltaSlice(t, modes.Frequencies[0], modes.Frequencies[i], 1e-9, "%v", qs[i])
	}

	// Interpolated frequencies stay near the direct ones.
	exact, err := ip.QpointPhononModes(qs[:1], false)
	require.NoError(t, err)
	for m, f := range exact.Frequencies[0] {
		require.InDelta(t, f, modes.Frequencies[0][m], 0.25*f+0.5, "mode %d", m)
	}
}

func TestIrreducible(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "NaCl"), DefaultOptions())
	c := ip.Crystal()
	poly := ip.Grid().Polyhedron()
	for _, q := range [][3]float64{{0.1, 0.2, 0.3}, {-0.25, 0.05, 0.4}, {0, 0, 0}, {0.5, 0.5, 0.5}} {
		t.Run(fmt.Sprintf("%v", q), func(t *testing.T) {
			t.Parallel()
			nu, qir, err := ip.Irreducible(q)
			require.NoError(t, err)
			expected := ip.Operations()[nu].Transpose(q)
			require.InDeltaSlice(t, expected[:], qir[:], 1e-12)
			require.True(t, poly.Contains(vec(c.RLUToCartesian(qir)), irreducibleTolerance))
		})
	}

	_, _, err := ip.Irreducible([3]float64{3, 3, 3})
	require.True(t, errors.Is(err, ErrNoOperation), "%+v", err)
}

func TestOptions(t *testing.T) {
	t.Parallel()
	m := model(t, "NaCl")
	serial := MustNew(m, DefaultOptions())
	tests := []struct {
		name string
		opts Options
	}{
		{name: "parallel", opts: Options{MaxVolume: 0.1, Parallel: true}},
		{name: "sort", opts: Options{MaxVolume: 0.1, Sort: true}},
		{name: "sort parallel", opts: Options{MaxVolume: 0.1, Sort: true, Parallel: true}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			ip := MustNew(m, test.opts)
			require.Len(t, ip.Grid().RLU(), len(serial.Grid().RLU()))
			for i := range ip.Grid().RLU() {
				expected, _ := serial.VertexModes(i)
				freqs, _ := ip.VertexModes(i)
				if !test.opts.Sort {
					require.InDeltaSlice(t, expected, freqs, 1e-9, "vertex %d", i)
					continue
				}
				// Sorting only permutes the modes of a vertex.
				sorted := slices.Clone(freqs)
				slices.Sort(sorted)
				require.InDeltaSlice(t, expected, sorted, 1e-9, "vertex %d", i)
			}

			qs := [][3]float64{{0.1, 0.2, 0.3}, {-0.4, 0.1, 0.05}, {0.7, 0.7, 0.7}}
			modes, err := ip.QpointPhononModes(qs, true)
			require.NoError(t, err)
			require.Len(t, modes.Frequencies, len(qs))
			for i := range qs {
				require.Len(t, modes.Eigenvectors[i], 6)
			}
		})
	}
}

func TestSortFollowsCrossingBranches(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "Si"), DefaultOptions())
	c := ip.Crystal()
	rlu := ip.Grid().RLU()

	// Two branches with fixed polarizations cross halfway through the grid.
	sums := make([]float64, len(rlu))
	for i, q := range rlu {
		sums[i] = q[0] + q[1] + q[2]
	}
	sorted := slices.Clone(sums)
	slices.Sort(sorted)
	var cross float64
	for i := len(sorted) / 2; i < len(sorted); i++ {
		if sorted[i] > sorted[i-1]+1e-6 {
			cross = (sorted[i] + sorted[i-1]) / 2
			break
		}
	}
	cart := [][][][3]complex128{{{{1, 0, 0}}, {{0, 1, 0}}, {{0, 0, 1}}}}
	frac, err := c.OrthogonalToBasisEigenvectors(cart)
	require.NoError(t, err)
	pol := frac[0]
	branch := func(b int, s float64) float64 {
		switch b {
		case 0:
			return 1 + (s - cross)
		case 1:
			return 1 - (s - cross)
		}
		return 10
	}
	var below, above int
	for i, s := range sums {
		order := []int{0, 1, 2}
		if branch(0, s) > branch(1, s) {
			order = []int{1, 0, 2}
			above++
		} else {
			below++
		}
		ip.freqs[i] = make([]float64, 3)
		ip.vecs[i] = make([][][3]complex128, 3)
		for m, b := range order {
			ip.freqs[i][m], ip.vecs[i][m] = branch(b, s), pol[b]
		}
	}
	require.Positive(t, below)
	require.Positive(t, above)

	// Before sorting some edge swaps polarizations.
	var swapped bool
	for v, nb := range ip.Grid().Neighbours() {
		for _, u := range nb {
			swapped = swapped || cmplx.Abs(ip.overlap(ip.vecs[v][0], ip.vecs[u][0])) < 0.5*real(ip.overlap(pol[0], pol[0]))
		}
	}
	require.True(t, swapped)

	ip.sortModes()
	b0 := 0
	if ip.freqs[0][0] != branch(0, sums[0]) {
		b0 = 1
	}
	for i, s := range sums {
		require.Equal(t, pol[b0], ip.vecs[i][0], "vertex %d", i)
		require.Equal(t, pol[1-b0], ip.vecs[i][1], "vertex %d", i)
		require.Equal(t, branch(b0, s), ip.freqs[i][0], "vertex %d", i)
		require.Equal(t, branch(1-b0, s), ip.freqs[i][1], "vertex %d", i)
		require.Equal(t, 10.0, ip.freqs[i][2], "vertex %d", i)
	}
}

func TestOverlaps(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "NaCl"), DefaultOptions())
	_, from := ip.VertexModes(3)
	_, to := ip.VertexModes(5)
	o := ip.overlaps(from, to)
	require.Equal(t, []int{len(from), len(to)}, o.Shape())
	for m := range from {
		for n := range to {
			expected := ip.overlap(from[m], to[n])
			require.InDelta(t, 0, cmplx.Abs(complex128(o.At(m, n))-expected), 1e-5*(1+cmplx.Abs(expected)), "%d %d", m, n)
		}
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()
	m := model(t, "NaCl")
	cache := store.MustOpen(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { cache.Close() })
	tests := []struct {
		opts Options
		err  error
	}{
		{opts: Options{MaxVolume: 0}, err: bz.ErrMaxVolume},
		{opts: Options{MaxVolume: 2}, err: bz.ErrMaxVolume},
		{opts: Options{MaxVolume: 0.1, Cache: cache}, err: ErrCacheKey},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%g %t", test.opts.MaxVolume, test.opts.Cache != nil), func(t *testing.T) {
			t.Parallel()
			_, err := New(m, test.opts)
			require.True(t, errors.Is(err, test.err), "%+v", err)
		})
	}
}

func TestCache(t *testing.T) {
	t.Parallel()
	cache := store.MustOpen(filepath.Join(t.TempDir(), "cache.db"))
	defer cache.Close()
	opts := Options{MaxVolume: 0.1, Cache: cache, CacheKey: "NaCl/0.1"}

	solver := &countingSolver{Solver: model(t, "NaCl")}
	first := MustNew(solver, opts)
	vertices := len(first.Grid().RLU())
	require.EqualValues(t, vertices, solver.n.Load())
	n, err := cache.Count(opts.CacheKey)
	require.NoError(t, err)
	require.Equal(t, vertices, n)

	// The second grid is read back without calling the solver.
	second := MustNew(solver, opts)
	require.EqualValues(t, vertices, solver.n.Load())
	for i := range vertices {
		f1, v1 := first.VertexModes(i)
		f2, v2 := second.VertexModes(i)
		require.Equal(t, f1, f2)
		require.Equal(t, v1, v2)
	}

	// A grid of a different size recomputes and replaces the entry.
	opts.MaxVolume = 0.01
	third := MustNew(solver, opts)
	require.EqualValues(t, vertices+len(third.Grid().RLU()), solver.n.Load())
	n, err = cache.Count(opts.CacheKey)
	require.NoError(t, err)
	require.Equal(t, len(third.Grid().RLU()), n)
}

func TestClean(t *testing.T) {
	t.Parallel()
	tests := []struct {
		w       [4]float64
		cleaned [4]float64
	}{
		{w: [4]float64{1, 0, 0, 0}, cleaned: [4]float64{1, 0, 0, 0}},
		{w: [4]float64{1 + 1e-12, -1e-12, 1e-13, 0}, cleaned: [4]float64{1, 0, 0, 0}},
		{w: [4]float64{0.25, 0.25, 0.25, 0.25}, cleaned: [4]float64{0.25, 0.25, 0.25, 0.25}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v", test.w), func(t *testing.T) {
			t.Parallel()
			w := clean(test.w)
			require.InDeltaSlice(t, test.cleaned[:], w[:], 1e-15)
		})
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, k   int
		chunks [][2]int
	}{
		{n: 10, k: 3, chunks: [][2]int{{0, 3}, {3, 6}, {6, 10}}},
		{n: 2, k: 8, chunks: [][2]int{{0, 1}, {1, 2}}},
		{n: 5, k: 1, chunks: [][2]int{{0, 5}}},
		{n: 0, k: 4, chunks: [][2]int{{0, 0}}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d %d", test.n, test.k), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, test.chunks, chunk(test.n, test.k))
		})
	}
}

func TestOverlapMetric(t *testing.T) {
	t.Parallel()
	ip := MustNew(model(t, "Al"), DefaultOptions())
	c := ip.Crystal()
	// The metric overlap of fractional vectors equals the Cartesian overlap.
	cart := [][][][3]complex128{{
		{{complex(0.3, 0.1), -0.2, 0.5i}},
		{{1, 0.4, complex(-0.1, 0.7)}},
	}}
	frac, err := c.OrthogonalToBasisEigenvectors(cart)
	require.NoError(t, err)
	o := ip.overlap(frac[0][0], frac[0][1])
	expected := cartesianOverlap(cart[0][0], cart[0][1])
	require.InDelta(t, 0, cmplx.Abs(o-expected), 1e-12)
}
