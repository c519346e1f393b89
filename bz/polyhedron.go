package bz

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fumin/phonorot/crystal"
)

var (
	ErrSeed       = errors.New("no seed direction with a trivial stabiliser")
	ErrPolyhedron = errors.New("degenerate irreducible polyhedron")
)

// seeds are candidate generic directions for the Dirichlet cone.
var seeds = []r3.Vec{
	{X: 3, Y: 2, Z: 1},
	{X: 0.9173, Y: 0.3418, Z: 0.1705},
	{X: 0.2711, Y: 0.8563, Z: 0.4397},
	{X: 0.5432, Y: 0.1234, Z: 0.8321},
}

// Polyhedron is the irreducible part of the first Brillouin zone: the points
// of the zone closer to a generic seed direction s than any of its images,
// that is k·s >= k·Rs for every rotation R of the point group.
type Polyhedron struct {
	zone   *BrillouinZone
	planes []Plane
	seed   r3.Vec

	Vertices []r3.Vec
	// Faces are the vertex indices of each face, counter-clockwise seen from outside.
	Faces  [][]int
	volume float64
}

func NewPolyhedron(z *BrillouinZone, ops []crystal.Operation, tol float64) (*Polyhedron, error) {
	c := z.crystal
	rotations := make([][3][3]float64, 0, len(ops))
	for _, w := range crystal.PointGroup(ops) {
		rotations = append(rotations, c.Cartesian(crystal.Operation{W: w}))
	}

	p := &Polyhedron{zone: z}
	var ok bool
	for _, s := range seeds {
		if stabiliser(s, rotations) == 1 {
			p.seed, ok = s, true
			break
		}
	}
	if !ok {
		return nil, errors.Wrap(ErrSeed, fmt.Sprintf("%d rotations", len(rotations)))
	}

	p.planes = slices.Clone(z.planes)
	for _, r := range rotations {
		n := r3.Sub(rotate(r, p.seed), p.seed)
		if r3.Norm(n) < 1e-9 {
			continue
		}
		p.planes = append(p.planes, Plane{Normal: r3.Unit(n), Offset: 0})
	}
	p.planes = uniquePlanes(p.planes, tol)

	p.Vertices = p.vertices(tol)
	if len(p.Vertices) < 4 {
		return nil, errors.Wrap(ErrPolyhedron, fmt.Sprintf("%d vertices", len(p.Vertices)))
	}
	p.Faces = p.faces(tol)
	p.volume = p.computeVolume()
	if p.volume <= 0 {
		return nil, errors.Wrap(ErrPolyhedron, fmt.Sprintf("volume %g", p.volume))
	}
	log.Debugf("irreducible polyhedron: %d vertices, %d faces, volume %g of %g", len(p.Vertices), len(p.Faces), p.volume, z.Volume())
	return p, nil
}

func (p *Polyhedron) Zone() *BrillouinZone { return p.zone }

func (p *Polyhedron) Volume() float64 { return p.volume }

// Contains reports whether the Cartesian wavevector k lies in the polyhedron.
func (p *Polyhedron) Contains(k r3.Vec, tol float64) bool {
	for _, pl := range p.planes {
		if pl.distance(k) > tol {
			return false
		}
	}
	return true
}

// Violation is the largest distance by which k lies outside any bounding plane,
// negative when k is strictly inside.
func (p *Polyhedron) Violation(k r3.Vec) float64 {
	v := math.Inf(-1)
	for _, pl := range p.planes {
		v = max(v, pl.distance(k))
	}
	return v
}

// Interior reports whether k is strictly inside the polyhedron by more than tol.
func (p *Polyhedron) Interior(k r3.Vec, tol float64) bool {
	for _, pl := range p.planes {
		if pl.distance(k) > -tol {
			return false
		}
	}
	return true
}

// Centroid is the mean of the vertices.
func (p *Polyhedron) Centroid() r3.Vec {
	var c r3.Vec
	for _, v := range p.Vertices {
		c = r3.Add(c, v)
	}
	return r3.Scale(1/float64(len(p.Vertices)), c)
}

// vertices intersects every triple of planes and keeps the feasible points.
func (p *Polyhedron) vertices(tol float64) []r3.Vec {
	vs := make([]r3.Vec, 0)
	for i := range p.planes {
		for j := i + 1; j < len(p.planes); j++ {
			for k := j + 1; k < len(p.planes); k++ {
				v, ok := intersect(p.planes[i], p.planes[j], p.planes[k])
				if !ok || !p.Contains(v, tol) {
					continue
				}
				if slices.ContainsFunc(vs, func(u r3.Vec) bool { return r3.Norm(r3.Sub(u, v)) < 10*tol }) {
					continue
				}
				vs = append(vs, v)
			}
		}
	}
	slices.SortFunc(vs, func(a, b r3.Vec) int {
		if c := cmp.Compare(r3.Norm(a), r3.Norm(b)); c != 0 {
			return c
		}
		if c := cmp.Compare(a.X, b.X); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Y, b.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.Z, b.Z)
	})
	return vs
}

func (p *Polyhedron) faces(tol float64) [][]int {
	faces := make([][]int, 0)
	seen := make(map[string]bool)
	for _, pl := range p.planes {
		face := make([]int, 0)
		for i, v := range p.Vertices {
			if math.Abs(pl.distance(v)) <= 10*tol {
				face = append(face, i)
			}
		}
		if len(face) < 3 {
			continue
		}
		key := faceKey(face)
		if seen[key] {
			continue
		}
		seen[key] = true

		var center r3.Vec
		for _, i := range face {
			center = r3.Add(center, p.Vertices[i])
		}
		center = r3.Scale(1/float64(len(face)), center)
		u := r3.Unit(r3.Sub(p.Vertices[face[0]], center))
		w := r3.Cross(pl.Normal, u)
		angle := func(i int) float64 {
			d := r3.Sub(p.Vertices[i], center)
			return math.Atan2(r3.Dot(d, w), r3.Dot(d, u))
		}
		slices.SortFunc(face, func(a, b int) int { return cmp.Compare(angle(a), angle(b)) })
		// Skip planes touching only an edge through collinear vertices.
		var area float64
		for i := 1; i+1 < len(face); i++ {
			d1 := r3.Sub(p.Vertices[face[i]], p.Vertices[face[0]])
			d2 := r3.Sub(p.Vertices[face[i+1]], p.Vertices[face[0]])
			area += r3.Norm(r3.Cross(d1, d2)) / 2
		}
		if area < tol {
			continue
		}
		faces = append(faces, face)
	}
	return faces
}

func (p *Polyhedron) computeVolume() float64 {
	c := p.Centroid()
	var vol float64
	for _, f := range p.Faces {
		for i := 1; i+1 < len(f); i++ {
			vol += math.Abs(tetVolume(c, p.Vertices[f[0]], p.Vertices[f[i]], p.Vertices[f[i+1]]))
		}
	}
	return vol
}

func faceKey(face []int) string {
	s := slices.Clone(face)
	slices.Sort(s)
	strs := make([]string, 0, len(s))
	for _, i := range s {
		strs = append(strs, strconv.Itoa(i))
	}
	return strings.Join(strs, ",")
}

func stabiliser(s r3.Vec, rotations [][3][3]float64) int {
	var n int
	for _, r := range rotations {
		if r3.Norm(r3.Sub(rotate(r, s), s)) < 1e-9*r3.Norm(s) {
			n++
		}
	}
	return n
}

func uniquePlanes(planes []Plane, tol float64) []Plane {
	out := make([]Plane, 0, len(planes))
	for _, p := range planes {
		dup := slices.ContainsFunc(out, func(q Plane) bool {
			return r3.Norm(r3.Sub(p.Normal, q.Normal)) < tol && math.Abs(p.Offset-q.Offset) < tol
		})
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// intersect solves for the common point of three planes.
func intersect(a, b, c Plane) (r3.Vec, bool) {
	bc := r3.Cross(b.Normal, c.Normal)
	det := r3.Dot(a.Normal, bc)
	if math.Abs(det) < 1e-10 {
		return r3.Vec{}, false
	}
	v := r3.Scale(a.Offset, bc)
	v = r3.Add(v, r3.Scale(b.Offset, r3.Cross(c.Normal, a.Normal)))
	v = r3.Add(v, r3.Scale(c.Offset, r3.Cross(a.Normal, b.Normal)))
	return r3.Scale(1/det, v), true
}

func rotate(r [3][3]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

func tetVolume(a, b, c, d r3.Vec) float64 {
	return r3.Dot(r3.Sub(b, a), r3.Cross(r3.Sub(c, a), r3.Sub(d, a))) / 6
}
