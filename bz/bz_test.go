package bz

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fumin/phonorot/crystal"
)

func rockSalt() *crystal.Crystal {
	return crystal.MustNew(
		[3][3]float64{{0, 2.82, 2.82}, {2.82, 0, 2.82}, {2.82, 2.82, 0}},
		[]crystal.Atom{
			{Species: "Na", Position: [3]float64{0, 0, 0}, Mass: 22.98977},
			{Species: "Cl", Position: [3]float64{0.5, 0.5, 0.5}, Mass: 35.453},
		},
	)
}

func rockSaltPolyhedron(t *testing.T) *Polyhedron {
	c := rockSalt()
	p, err := NewPolyhedron(NewBrillouinZone(c), c.MustSymmetry(), Tolerance)
	require.NoError(t, err)
	return p
}

func TestFold(t *testing.T) {
	t.Parallel()
	z := NewBrillouinZone(rockSalt())
	tests := []struct {
		q      [3]float64
		folded [3]float64
		g      [3]int
	}{
		{q: [3]float64{0.1, 0.2, 0.3}, folded: [3]float64{0.1, 0.2, 0.3}, g: [3]int{0, 0, 0}},
		{q: [3]float64{2.1, -0.8, 1.3}, folded: [3]float64{0.1, 0.2, 0.3}, g: [3]int{2, -1, 1}},
		{q: [3]float64{0.7, 0.7, 0.7}, folded: [3]float64{-0.3, -0.3, -0.3}, g: [3]int{1, 1, 1}},
		{q: [3]float64{0.6, 0, 0.6}, folded: [3]float64{-0.4, 0, -0.4}, g: [3]int{1, 0, 1}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v", test.q), func(t *testing.T) {
			t.Parallel()
			folded, g, err := z.Fold(test.q)
			require.NoError(t, err)
			require.InDeltaSlice(t, test.folded[:], folded[:], 1e-12)
			require.Equal(t, test.g, g)
			require.True(t, z.Contains(vec(z.Crystal().RLUToCartesian(folded)), Tolerance))
		})
	}
}

func TestPolyhedron(t *testing.T) {
	t.Parallel()
	p := rockSaltPolyhedron(t)
	z := p.Zone()

	// Γ, X, W, K, L and U.
	require.Len(t, p.Vertices, 6)
	require.Len(t, p.Faces, 5)
	require.InDelta(t, z.Volume()/48, p.Volume(), 1e-10*z.Volume())

	c := z.Crystal()
	special := map[string][3]float64{
		"Γ": {0, 0, 0},
		"X": {0.5, 0, 0.5},
		"L": {0.5, 0.5, 0.5},
		"W": {0.5, 0.25, 0.75},
		"K": {0.375, 0.375, 0.75},
		"U": {0.625, 0.25, 0.625},
	}
	for name, q := range special {
		k := vec(c.RLUToCartesian(q))
		found := false
		for _, v := range p.Vertices {
			if r3.Norm(r3.Sub(v, k)) < 1e-9 {
				found = true
			}
		}
		// The polyhedron may be any of the 48 equivalent wedges, so compare lengths.
		if !found {
			for _, v := range p.Vertices {
				if math.Abs(r3.Norm(v)-r3.Norm(k)) < 1e-9 {
					found = true
				}
			}
		}
		require.True(t, found, "%s %v", name, k)
	}

	require.True(t, p.Contains(p.Centroid(), Tolerance))
	require.True(t, p.Interior(p.Centroid(), Tolerance))
	require.False(t, p.Interior(p.Vertices[0], Tolerance))
	require.Less(t, p.Violation(p.Centroid()), 0.0)
}

func TestPolyhedronImages(t *testing.T) {
	t.Parallel()
	p := rockSaltPolyhedron(t)
	c := p.Zone().Crystal()
	ops := c.MustSymmetry()

	// A generic point of the zone has exactly one image in the polyhedron.
	for _, q := range [][3]float64{{0.1, 0.2, 0.3}, {-0.31, 0.05, 0.22}, {0.4, -0.1, 0.15}} {
		var n int
		for _, op := range ops {
			if p.Contains(vec(c.RLUToCartesian(op.Transpose(q))), Tolerance) {
				n++
			}
		}
		require.Equal(t, 1, n, "%v", q)
	}
}

func TestMesh(t *testing.T) {
	t.Parallel()
	p := rockSaltPolyhedron(t)
	tests := []struct {
		maxVolume float64
		level     int
		tets      int
		vertices  int
		interior  int
	}{
		{maxVolume: 1, level: 0, tets: 8, vertices: 7, interior: 1},
		{maxVolume: 0.1, level: 1, tets: 64, vertices: 25, interior: 7},
		{maxVolume: 0.01, level: 2, tets: 512, vertices: 129, interior: 63},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%g", test.maxVolume), func(t *testing.T) {
			t.Parallel()
			m, err := NewMesh(p, test.maxVolume)
			require.NoError(t, err)
			require.Equal(t, test.level, m.Level())
			require.Len(t, m.Tetrahedra(), test.tets)
			require.Len(t, m.Vertices(), test.vertices)
			require.Len(t, m.RLU(), test.vertices)
			require.Equal(t, test.interior, m.Interior())

			var vol float64
			for _, tet := range m.Tetrahedra() {
				v := m.Vertices()
				vol += math.Abs(tetVolume(v[tet[0]], v[tet[1]], v[tet[2]], v[tet[3]]))
			}
			require.InDelta(t, p.Volume(), vol, 1e-10*p.Volume())

			for i, v := range m.Vertices() {
				require.Equal(t, i < m.Interior(), p.Interior(v, Tolerance), "vertex %d", i)
				k := vec(p.Zone().Crystal().RLUToCartesian(m.RLU()[i]))
				require.InDelta(t, 0, r3.Norm(r3.Sub(k, v)), 1e-12)
			}
		})
	}
}

func TestMeshMaxVolume(t *testing.T) {
	t.Parallel()
	p := rockSaltPolyhedron(t)
	for _, v := range []float64{0, -0.1, 1.5, math.NaN()} {
		_, err := NewMesh(p, v)
		require.True(t, errors.Is(err, ErrMaxVolume), "%g %+v", v, err)
	}
}

func TestLocate(t *testing.T) {
	t.Parallel()
	p := rockSaltPolyhedron(t)
	m, err := NewMesh(p, 0.1)
	require.NoError(t, err)

	// Vertices are located with unit weight on themselves.
	for i, v := range m.Vertices() {
		tet, w, err := m.Locate(v)
		require.NoError(t, err)
		var self float64
		for j := range 4 {
			if tet[j] == i {
				self = w[j]
			}
		}
		require.InDelta(t, 1, self, 1e-9, "vertex %d", i)
	}

	// Barycentric weights reproduce the point.
	c := p.Centroid()
	k := r3.Add(r3.Scale(0.7, c), r3.Scale(0.3, p.Vertices[1]))
	tet, w, err := m.Locate(k)
	require.NoError(t, err)
	var sum float64
	var rebuilt r3.Vec
	for j := range 4 {
		require.GreaterOrEqual(t, w[j], -1e-9)
		sum += w[j]
		rebuilt = r3.Add(rebuilt, r3.Scale(w[j], m.Vertices()[tet[j]]))
	}
	require.InDelta(t, 1, sum, 1e-12)
	require.InDelta(t, 0, r3.Norm(r3.Sub(rebuilt, k)), 1e-12)

	_, _, err = m.Locate(r3.Scale(-1, c))
	require.True(t, errors.Is(err, ErrOutside), "%+v", err)
}

func TestNeighbours(t *testing.T) {
	t.Parallel()
	p := rockSaltPolyhedron(t)
	m, err := NewMesh(p, 1)
	require.NoError(t, err)
	nb := m.Neighbours()
	// The centroid is joined to every corner.
	require.Len(t, nb[0], 6)
	for i := 1; i < len(nb); i++ {
		require.Contains(t, nb[i], 0)
	}
}
