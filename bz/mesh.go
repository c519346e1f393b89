package bz

import (
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	maxRefinements = 6

	// barycentricTolerance is how far below zero a barycentric weight may fall
	// for a point to still count as inside a tetrahedron.
	barycentricTolerance = 1e-8
)

var (
	ErrMaxVolume = errors.New("maximum tetrahedron volume must be a fraction in (0, 1]")
	ErrOutside   = errors.New("point is outside the mesh")
)

// Mesh is a tetrahedral tessellation of an irreducible polyhedron.
// Vertices strictly inside the polyhedron come first, in creation order,
// followed by the vertices on its surface.
type Mesh struct {
	poly     *Polyhedron
	vertices []r3.Vec
	rlu      [][3]float64
	interior int
	tets     [][4]int
	// inverse holds the rows of the inverse edge matrix of each tetrahedron.
	inverse [][3]r3.Vec
	level   int
}

// NewMesh tessellates p by fanning from its centroid and refining every
// tetrahedron 1 to 8 until none exceeds maxVolume times the volume of p.
func NewMesh(p *Polyhedron, maxVolume float64) (*Mesh, error) {
	if !(maxVolume > 0 && maxVolume <= 1) {
		return nil, errors.Wrap(ErrMaxVolume, fmt.Sprintf("%g", maxVolume))
	}

	b := &meshBuilder{midpoints: make(map[[2]int]int)}
	centroid := b.add(p.Centroid())
	corners := make([]int, 0, len(p.Vertices))
	for _, v := range p.Vertices {
		corners = append(corners, b.add(v))
	}
	tets := make([][4]int, 0)
	for _, f := range p.Faces {
		for i := 1; i+1 < len(f); i++ {
			tets = append(tets, [4]int{centroid, corners[f[0]], corners[f[i]], corners[f[i+1]]})
		}
	}

	limit := maxVolume * p.Volume()
	var level int
	for ; b.largest(tets) > limit; level++ {
		if level == maxRefinements {
			return nil, errors.Wrap(ErrMaxVolume, fmt.Sprintf("%g needs more than %d refinements", maxVolume, maxRefinements))
		}
		tets = b.refine(tets)
	}

	m := &Mesh{poly: p, level: level}
	m.order(b.vertices, tets)
	for _, t := range m.tets {
		m.inverse = append(m.inverse, m.edgeInverse(t))
	}
	log.Debugf("mesh: level %d, %d vertices (%d interior), %d tetrahedra", level, len(m.vertices), m.interior, len(m.tets))
	return m, nil
}

func (m *Mesh) Polyhedron() *Polyhedron { return m.poly }

// Vertices in Cartesian coordinates, inverse Angstrom.
func (m *Mesh) Vertices() []r3.Vec { return m.vertices }

// RLU returns the vertices in reciprocal lattice units.
func (m *Mesh) RLU() [][3]float64 { return m.rlu }

// Interior is the number of leading vertices that lie strictly inside the polyhedron.
func (m *Mesh) Interior() int { return m.interior }

func (m *Mesh) Tetrahedra() [][4]int { return m.tets }

// Level is the number of refinements applied to the initial fan.
func (m *Mesh) Level() int { return m.level }

// Neighbours returns the vertices sharing an edge with each vertex, in ascending order.
func (m *Mesh) Neighbours() [][]int {
	nb := make([][]int, len(m.vertices))
	for _, t := range m.tets {
		for i := range 4 {
			for j := range 4 {
				if i != j && !slices.Contains(nb[t[i]], t[j]) {
					nb[t[i]] = append(nb[t[i]], t[j])
				}
			}
		}
	}
	for _, n := range nb {
		slices.Sort(n)
	}
	return nb
}

// Locate returns the tetrahedron containing the Cartesian point k and the
// barycentric weights of its vertices.
func (m *Mesh) Locate(k r3.Vec) ([4]int, [4]float64, error) {
	best, bestMin := -1, math.Inf(-1)
	var bestW [4]float64
	for i, t := range m.tets {
		w := m.barycentric(i, t, k)
		lo := min(w[0], w[1], w[2], w[3])
		if lo > bestMin {
			best, bestMin, bestW = i, lo, w
		}
		if lo >= 0 {
			break
		}
	}
	if best < 0 || bestMin < -barycentricTolerance {
		return [4]int{}, [4]float64{}, errors.Wrap(ErrOutside, fmt.Sprintf("%v, weight %g", k, bestMin))
	}
	return m.tets[best], bestW, nil
}

func (m *Mesh) barycentric(i int, t [4]int, k r3.Vec) [4]float64 {
	d := r3.Sub(k, m.vertices[t[0]])
	var w [4]float64
	for j := range 3 {
		w[j+1] = r3.Dot(m.inverse[i][j], d)
	}
	w[0] = 1 - w[1] - w[2] - w[3]
	return w
}

func (m *Mesh) edgeInverse(t [4]int) [3]r3.Vec {
	v0 := m.vertices[t[0]]
	e1 := r3.Sub(m.vertices[t[1]], v0)
	e2 := r3.Sub(m.vertices[t[2]], v0)
	e3 := r3.Sub(m.vertices[t[3]], v0)
	det := r3.Dot(e1, r3.Cross(e2, e3))
	return [3]r3.Vec{
		r3.Scale(1/det, r3.Cross(e2, e3)),
		r3.Scale(1/det, r3.Cross(e3, e1)),
		r3.Scale(1/det, r3.Cross(e1, e2)),
	}
}

// order puts interior vertices first and renumbers the tetrahedra accordingly.
func (m *Mesh) order(vertices []r3.Vec, tets [][4]int) {
	interior := make([]int, 0, len(vertices))
	surface := make([]int, 0, len(vertices))
	for i, v := range vertices {
		if m.poly.Interior(v, Tolerance) {
			interior = append(interior, i)
		} else {
			surface = append(surface, i)
		}
	}
	perm := make([]int, len(vertices))
	for n, i := range append(interior, surface...) {
		perm[i] = n
		m.vertices = append(m.vertices, vertices[i])
		m.rlu = append(m.rlu, m.poly.zone.crystal.CartesianToRLU(arr(vertices[i])))
	}
	m.interior = len(interior)
	for _, t := range tets {
		m.tets = append(m.tets, [4]int{perm[t[0]], perm[t[1]], perm[t[2]], perm[t[3]]})
	}
}

type meshBuilder struct {
	vertices  []r3.Vec
	midpoints map[[2]int]int
}

func (b *meshBuilder) add(v r3.Vec) int {
	b.vertices = append(b.vertices, v)
	return len(b.vertices) - 1
}

func (b *meshBuilder) midpoint(i, j int) int {
	key := [2]int{min(i, j), max(i, j)}
	if n, ok := b.midpoints[key]; ok {
		return n
	}
	n := b.add(r3.Scale(0.5, r3.Add(b.vertices[i], b.vertices[j])))
	b.midpoints[key] = n
	return n
}

func (b *meshBuilder) largest(tets [][4]int) float64 {
	var v float64
	for _, t := range tets {
		v = max(v, math.Abs(tetVolume(b.vertices[t[0]], b.vertices[t[1]], b.vertices[t[2]], b.vertices[t[3]])))
	}
	return v
}

// refine splits every tetrahedron into eight of equal volume.
func (b *meshBuilder) refine(tets [][4]int) [][4]int {
	out := make([][4]int, 0, 8*len(tets))
	for _, t := range tets {
		x0, x1, x2, x3 := t[0], t[1], t[2], t[3]
		x01, x02, x03 := b.midpoint(x0, x1), b.midpoint(x0, x2), b.midpoint(x0, x3)
		x12, x13, x23 := b.midpoint(x1, x2), b.midpoint(x1, x3), b.midpoint(x2, x3)
		out = append(out,
			[4]int{x0, x01, x02, x03},
			[4]int{x01, x1, x12, x13},
			[4]int{x02, x12, x2, x23},
			[4]int{x03, x13, x23, x3},
			[4]int{x01, x02, x03, x13},
			[4]int{x01, x02, x12, x13},
			[4]int{x02, x03, x13, x23},
			[4]int{x02, x12, x13, x23},
		)
	}
	return out
}
