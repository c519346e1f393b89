package interp

import (
	"math/cmplx"

	"github.com/fumin/tensor"
)

// sortModes walks the grid breadth first from vertex 0 and reorders the modes
// of every newly reached vertex to follow the vertex it was reached from,
// pairing modes greedily by the largest eigenvector overlap.
func (ip *Interpolator) sortModes() {
	nb := ip.mesh.Neighbours()
	visited := make([]bool, len(nb))
	queue := []int{0}
	visited[0] = true
	var moved int
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, u := range nb[v] {
			if visited[u] {
				continue
			}
			visited[u] = true
			perm := ip.matchModes(ip.vecs[v], ip.vecs[u])
			freqs := make([]float64, len(perm))
			vecs := make([][][3]complex128, len(perm))
			for m, p := range perm {
				freqs[m], vecs[m] = ip.freqs[u][p], ip.vecs[u][p]
				if m != p {
					moved++
				}
			}
			ip.freqs[u], ip.vecs[u] = freqs, vecs
			queue = append(queue, u)
		}
	}
	log.Debugf("sorting moved %d modes", moved)
}

// matchModes returns perm such that mode perm[m] of to best overlaps mode m of from.
func (ip *Interpolator) matchModes(from, to [][][3]complex128) []int {
	o := ip.overlaps(from, to)
	perm := make([]int, len(from))
	taken := make([]bool, len(to))
	for m := range from {
		best, bestO := -1, -1.0
		for n := range to {
			if taken[n] {
				continue
			}
			if a := cmplx.Abs(complex128(o.At(m, n))); a > bestO {
				best, bestO = n, a
			}
		}
		perm[m] = best
		taken[best] = true
	}
	return perm
}

// overlaps returns the matrix of metric overlaps <from_m|G|to_n>.
// Single precision suffices to rank the pairings.
func (ip *Interpolator) overlaps(from, to [][][3]complex128) *tensor.Dense {
	f := make([][]complex64, len(from))
	for m, u := range from {
		for k := range u {
			for a := range 3 {
				f[m] = append(f[m], complex64(u[k][a]))
			}
		}
	}
	g := make([][]complex64, len(to))
	for n, v := range to {
		for k := range v {
			for a := range 3 {
				var gv complex128
				for b := range 3 {
					gv += complex(ip.metric[a][b], 0) * v[k][b]
				}
				g[n] = append(g[n], complex64(gv))
			}
		}
	}
	return tensor.Contract(tensor.Zeros(1), tensor.T2(f).Conj(), tensor.T2(g), [][2]int{{1, 1}})
}
