package phonorot

import (
	"fmt"
	"math/cmplx"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fumin/phonorot/exactdiag"
	"github.com/fumin/phonorot/reference"
)

func TestCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		compound    string
		interpolate bool
		vertex      int
	}{
		{compound: "NaCl", interpolate: true, vertex: 4},
		{compound: "NaCl", interpolate: false, vertex: 4},
		{compound: "NaCl", interpolate: true, vertex: 0},
		{compound: "KCl", interpolate: true, vertex: 4},
		{compound: "Si", interpolate: true, vertex: 2},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%s %t %d", test.compound, test.interpolate, test.vertex), func(t *testing.T) {
			t.Parallel()
			cfg := NewConfig()
			cfg.Compound = test.compound
			cfg.Interpolate = test.interpolate
			cfg.VertexIndex = test.vertex
			r, err := Check(cfg)
			require.NoError(t, err)
			require.True(t, r.Passed, "%s", r.Failure)
			require.Len(t, r.Q, 48)
			require.Equal(t, r.QIrreducible, r.Q[0])
			require.Greater(t, r.MinGap, cfg.ATol)
			require.LessOrEqual(t, r.SymmetryDeviation, cfg.ATol)
			require.Less(t, r.EigenvectorDeviation, 1e-5)
		})
	}
}

func TestCheckDefault(t *testing.T) {
	t.Parallel()
	cfg := NewConfig()
	require.Equal(t, "NaCl", cfg.Compound)
	require.Equal(t, 0.1, cfg.MaxVolume)
	require.False(t, cfg.Sort)
	require.False(t, cfg.Parallel)
	require.Equal(t, 4, cfg.VertexIndex)

	r := MustCheck(cfg)
	require.True(t, r.Passed)
	require.Empty(t, r.Failure)
	require.Less(t, r.EigenvectorDeviation, 1e-12)
}

func TestCheckParallel(t *testing.T) {
	t.Parallel()
	cfg := NewConfig()
	cfg.Parallel = true
	serial, err := Check(NewConfig())
	require.NoError(t, err)
	r, err := Check(cfg)
	require.NoError(t, err)
	require.True(t, r.Passed)
	require.Equal(t, serial.Q, r.Q)
	require.InDelta(t, serial.MinGap, r.MinGap, 1e-12)
}

func TestCheckVertexIndex(t *testing.T) {
	t.Parallel()
	for _, v := range []int{-1, 25, 1000} {
		cfg := NewConfig()
		cfg.VertexIndex = v
		_, err := Check(cfg)
		require.True(t, errors.Is(err, ErrVertexIndex), "%d %+v", v, err)
	}
	require.Panics(t, func() {
		cfg := NewConfig()
		cfg.VertexIndex = -1
		MustCheck(cfg)
	})
}

func TestReportCheck(t *testing.T) {
	t.Parallel()
	c := reference.MustLoad("Al").Crystal
	vecs := func(phase complex128) [][][][3]complex128 {
		return [][][][3]complex128{
			{{{phase * 1, 0, 0}}, {{0, phase * 1, 0}}, {{0, 0, phase * 1}}},
			{{{0, phase * 1, 0}}, {{phase * 1, 0, 0}}, {{0, 0, phase * 1}}},
		}
	}
	modes := func(freqs [][]float64, phase complex128) *exactdiag.Modes {
		return &exactdiag.Modes{
			Q:            [][3]float64{{0.1, 0.2, 0.3}, {0.2, 0.1, 0.3}},
			Frequencies:  freqs,
			Eigenvectors: vecs(phase),
			Basis:        exactdiag.Cartesian,
		}
	}
	good := [][]float64{{1, 2, 3}, {1, 2, 3}}
	tests := []struct {
		name string
		br   *exactdiag.Modes
		eu   *exactdiag.Modes
		err  error
	}{
		{
			name: "pass",
			br:   modes(good, cmplx.Exp(0.7i)),
			eu:   modes(good, 1),
		},
		{
			name: "degenerate",
			br:   modes([][]float64{{1, 1, 3}, {1, 1, 3}}, 1),
			eu:   modes([][]float64{{1, 1, 3}, {1, 1, 3}}, 1),
			err:  ErrDegenerate,
		},
		{
			name: "symmetry",
			br:   modes([][]float64{{1, 2, 3}, {1, 2, 3.001}}, 1),
			eu:   modes(good, 1),
			err:  ErrSymmetryEigenvalues,
		},
		{
			name: "reference",
			br:   modes([][]float64{{1, 2, 3.001}, {1, 2, 3.001}}, 1),
			eu:   modes(good, 1),
			err:  ErrReferenceEigenvalues,
		},
		{
			name: "eigenvector",
			br: &exactdiag.Modes{
				Frequencies:  good,
				Eigenvectors: [][][][3]complex128{vecs(1)[0], vecs(1)[0]},
				Basis:        exactdiag.Cartesian,
			},
			eu:  modes(good, 1),
			err: ErrEigenvectorPhase,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			r := &Report{Config: NewConfig()}
			err := r.check(c, test.br, test.eu)
			if test.err == nil {
				require.NoError(t, err)
				require.Less(t, r.EigenvectorDeviation, 1e-6)
				return
			}
			require.True(t, errors.Is(err, test.err), "%+v", err)
		})
	}
}

func TestOverlap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		u, v [][3]complex128
		o    complex128
	}{
		{
			u: [][3]complex128{{1, 0, 0}},
			v: [][3]complex128{{1, 0, 0}},
			o: 1,
		},
		{
			u: [][3]complex128{{1i, 0, 0}, {0, 2, 0}},
			v: [][3]complex128{{1, 0, 0}, {0, 1i, 0}},
			o: -1i + 2i,
		},
		{
			u: [][3]complex128{{1, 2, 3}},
			v: [][3]complex128{{-3, 0, 1}},
			o: 0,
		},
		{
			u: [][3]complex128{{1 + 1e-9i, 0, 0}},
			v: [][3]complex128{{1, 0, 0}},
			o: 1 - 1e-9i,
		},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v %v", test.u, test.v), func(t *testing.T) {
			t.Parallel()
			o := Overlap(test.u, test.v)
			require.InDelta(t, 0, cmplx.Abs(o-test.o), 1e-15)
		})
	}
}

func TestConfigKey(t *testing.T) {
	t.Parallel()
	require.Equal(t, "NaCl/0.1/4/interpolate=true/sort=false", NewConfig().Key())
}
