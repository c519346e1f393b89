package mat

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	FnameShape = "shape.csv"
	FnameCOO   = "coo.csv"
)

type vRowCol struct {
	v   complex128
	row int
	col int
}

// COO is a sparse complex matrix in coordinate format.
type COO struct {
	rows int
	cols int
	Data []vRowCol

	m map[[2]int]complex128
}

func M(dense [][]complex128) *COO {
	m := &COO{rows: len(dense), cols: len(dense[0]), Data: make([]vRowCol, 0), m: make(map[[2]int]complex128)}
	for i, row := range dense {
		for j, v := range row {
			if v == 0 {
				continue
			}
			m.Data = append(m.Data, vRowCol{v: v, row: i, col: j})
		}
	}
	return m
}

func COOZeros(rows, cols int) *COO {
	m := M([][]complex128{{0}})
	m.Zeros(rows, cols)
	return m
}

func (m *COO) Zeros(rows, cols int) {
	m.rows, m.cols = rows, cols
	m.Data = m.Data[:0]
}

func (m *COO) Rows() int { return m.rows }
func (m *COO) Cols() int { return m.cols }

// AddAt accumulates v into element (i, j).
// Duplicate entries are summed by Compact.
func (m *COO) AddAt(i, j int, v complex128) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(fmt.Sprintf("%d %d out of %d %d", i, j, m.rows, m.cols))
	}
	if v == 0 {
		return
	}
	m.Data = append(m.Data, vRowCol{v: v, row: i, col: j})
}

// Compact sums duplicate entries, drops zeros and sorts in row major order.
func (m *COO) Compact() {
	clear(m.m)
	for _, v := range m.Data {
		m.m[[2]int{v.row, v.col}] += v.v
	}
	m.Data = m.Data[:0]
	for yx, v := range m.m {
		if v == 0 {
			continue
		}
		m.Data = append(m.Data, vRowCol{v: v, row: yx[0], col: yx[1]})
	}
	slices.SortFunc(m.Data, rowMajor)
	clear(m.m)
}

func (m *COO) At(i, j int) complex128 {
	var v complex128
	for _, d := range m.Data {
		if d.row == i && d.col == j {
			v += d.v
		}
	}
	return v
}

func (a *COO) Equal(b *COO) bool {
	if a.rows != b.rows {
		return false
	}
	if a.cols != b.cols {
		return false
	}
	if len(a.Data) != len(b.Data) {
		return false
	}
	for i, av := range a.Data {
		bv := b.Data[i]
		if av != bv {
			return false
		}
	}
	return true
}

// EqualApprox reports whether every element of a and b differ by at most tol.
func (a *COO) EqualApprox(b *COO, tol float64) bool {
	if a.rows != b.rows || a.cols != b.cols {
		return false
	}
	ad, bd := a.Dense(), b.Dense()
	for i := range ad {
		for j := range ad[i] {
			if cmplx.Abs(ad[i][j]-bd[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (m *COO) Slice(yBoundN, xBoundN [2]int) *COO {
	yBound, xBound := yBoundN, xBoundN
	for i := 0; i < 2; i++ {
		if yBound[i] < 0 {
			yBound[i] += m.rows
		}
		if xBound[i] < 0 {
			xBound[i] += m.cols
		}
	}

	s := &COO{rows: yBound[1] - yBound[0], cols: xBound[1] - xBound[0], Data: make([]vRowCol, 0), m: make(map[[2]int]complex128)}
	for _, v := range m.Data {
		if v.row < yBound[0] {
			continue
		}
		if v.row >= yBound[1] {
			break
		}
		if v.col < xBound[0] || v.col >= xBound[1] {
			continue
		}
		s.Data = append(s.Data, vRowCol{v: v.v, row: v.row - yBound[0], col: v.col - xBound[0]})
	}
	return s
}

func (a *COO) Add(c complex128, b *COO) {
	if a.rows != b.rows || a.cols != b.cols {
		panic(fmt.Sprintf("wrong dimensions %d %d, %d %d", a.rows, a.cols, b.rows, b.cols))
	}
	for _, v := range b.Data {
		a.Data = append(a.Data, vRowCol{v: c * v.v, row: v.row, col: v.col})
	}
	a.Compact()
}

// H returns the conjugate transpose.
func (m *COO) H() *COO {
	h := &COO{rows: m.cols, cols: m.rows, Data: make([]vRowCol, 0, len(m.Data)), m: make(map[[2]int]complex128)}
	for _, v := range m.Data {
		h.Data = append(h.Data, vRowCol{v: cmplx.Conj(v.v), row: v.col, col: v.row})
	}
	slices.SortFunc(h.Data, rowMajor)
	return h
}

// IsHermitian reports whether m equals its conjugate transpose within tol.
func (m *COO) IsHermitian(tol float64) bool {
	if m.rows != m.cols {
		return false
	}
	return m.EqualApprox(m.H(), tol)
}

func (m *COO) Dense() [][]complex128 {
	dense := make([][]complex128, m.rows)
	for i := range dense {
		dense[i] = make([]complex128, m.cols)
	}

	for _, v := range m.Data {
		dense[v.row][v.col] += v.v
	}

	return dense
}

func (m *COO) WriteCOO(dir string) error {
	shapePath := filepath.Join(dir, FnameShape)
	if err := os.WriteFile(shapePath, []byte(fmt.Sprintf("%d,%d", m.rows, m.cols)), 0644); err != nil {
		return errors.Wrap(err, "")
	}

	cooPath := filepath.Join(dir, FnameCOO)
	cooF, err := os.Create(cooPath)
	if err != nil {
		return errors.Wrap(err, "")
	}

	w := csv.NewWriter(cooF)
	for _, v := range m.Data {
		if err1 := w.Write([]string{FormatNumpy(v.v), strconv.Itoa(v.row), strconv.Itoa(v.col)}); err1 != nil && err == nil {
			err = errors.Wrap(err1, "")
			break
		}
	}
	w.Flush()
	if err1 := w.Error(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}

	if err1 := cooF.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

type COOReader struct {
	f *os.File
	r *csv.Reader
	i int
}

func NewCOOReader(dir string) (*COOReader, error) {
	r := &COOReader{i: -1}

	cooPath := filepath.Join(dir, FnameCOO)
	var err error
	r.f, err = os.Open(cooPath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	r.r = csv.NewReader(r.f)
	return r, nil
}

func (r *COOReader) Close() error {
	return r.f.Close()
}

func (r *COOReader) Read() (vRowCol, error) {
	r.i++
	record, err := r.r.Read()
	if err == io.EOF {
		return vRowCol{}, io.EOF
	}
	if err != nil {
		return vRowCol{}, errors.Wrap(err, fmt.Sprintf("%d", r.i))
	}
	if len(record) != 3 {
		return vRowCol{}, errors.Errorf("%d %#v", r.i, record)
	}

	var vrc vRowCol
	s := strings.ReplaceAll(record[0], "j", "i")
	vrc.v, err = strconv.ParseComplex(s, 128)
	if err != nil {
		return vRowCol{}, errors.Wrap(err, fmt.Sprintf("%d %#v", r.i, record))
	}
	vrc.row, err = strconv.Atoi(record[1])
	if err != nil {
		return vRowCol{}, errors.Wrap(err, fmt.Sprintf("%d %#v", r.i, record))
	}
	vrc.col, err = strconv.Atoi(record[2])
	if err != nil {
		return vRowCol{}, errors.Wrap(err, fmt.Sprintf("%d %#v", r.i, record))
	}
	return vrc, nil
}

func ReadCOO(dir string) (*COO, error) {
	m := COOZeros(1, 1)
	var err error
	m.rows, m.cols, err = readShape(dir)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	r, err := NewCOOReader(dir)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer r.Close()
	for {
		v, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "")
		}

		m.Data = append(m.Data, v)
	}

	return m, nil
}

func readShape(dir string) (int, int, error) {
	f, err := os.Open(filepath.Join(dir, FnameShape))
	if err != nil {
		return -1, -1, errors.Wrap(err, "")
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return -1, -1, errors.Wrap(err, "")
	}
	if len(records) == 0 {
		return -1, -1, errors.Errorf("empty")
	}
	row := records[0]

	if len(row) != 2 {
		return -1, -1, errors.Errorf("%#v", row)
	}
	i, err := strconv.Atoi(row[0])
	if err != nil {
		return -1, -1, errors.Wrap(err, fmt.Sprintf("%#v", row))
	}
	j, err := strconv.Atoi(row[1])
	if err != nil {
		return -1, -1, errors.Wrap(err, fmt.Sprintf("%#v", row))
	}

	return i, j, nil
}

func (m *COO) String() string {
	dense := m.Dense()
	lines := []string{}
	for _, row := range dense {
		cs := []string{}
		for _, v := range row {
			switch {
			case imag(v) == 0:
				cs = append(cs, format(real(v)))
			case real(v) == 0:
				cs = append(cs, format(imag(v))+"i")
			default:
				cs = append(cs, format(real(v))+"+"+format(imag(v))+"i")
			}
		}
		lines = append(lines, strings.Join(cs, "\t"))
	}
	return strings.Join(lines, "\n")
}

type ValVec struct {
	Val float64
	Vec []complex128
}

// Eigen diagonalizes a Hermitian matrix, returning unit eigenvectors in
// ascending order of eigenvalue.
//
// H = X + iY is embedded in the real symmetric matrix [[X, -Y], [Y, X]],
// whose spectrum is that of H with every eigenvalue doubled.
// Each complex eigenvector x+iy appears as the pair [x; y], [-y; x].
func (m *COO) Eigen() ([]ValVec, error) {
	if !m.IsHermitian(hermitianTol(m)) {
		return nil, errors.Errorf("not hermitian\n%s", m)
	}
	n := m.rows
	h := m.Dense()
	sym := mat.NewSymDense(2*n, nil)
	for i := range n {
		for j := i; j < n; j++ {
			x, y := real(h[i][j]), imag(h[i][j])
			sym.SetSym(i, j, x)
			sym.SetSym(n+i, n+j, x)
			sym.SetSym(i, n+j, -y)
			sym.SetSym(j, n+i, y)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, errors.Errorf("eigen factorization failed\n%s", m)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Pick n complex vectors out of the 2n real ones, always taking the
	// column with the largest component orthogonal to those already taken.
	columns := make([][]complex128, 2*n)
	for c := range columns {
		columns[c] = make([]complex128, n)
		for i := range n {
			columns[c][i] = complex(vecs.At(i, c), vecs.At(n+i, c))
		}
	}
	used := make([]bool, 2*n)
	basis := make([][]complex128, 0, n)
	for len(basis) < n {
		best, bestNorm := -1, -1.0
		var bestVec []complex128
		for c, col := range columns {
			if used[c] {
				continue
			}
			r := residual(col, basis)
			if nr := norm(r); nr > bestNorm {
				best, bestNorm, bestVec = c, nr, r
			}
		}
		if bestNorm < 1e-3 {
			return nil, errors.Errorf("%d independent eigenvectors of %d", len(basis), n)
		}
		used[best] = true
		for i := range bestVec {
			bestVec[i] /= complex(bestNorm, 0)
		}
		basis = append(basis, bestVec)
	}

	vvs := make([]ValVec, 0, n)
	for _, vec := range basis {
		vvs = append(vvs, ValVec{Val: rayleigh(h, vec), Vec: vec})
	}
	slices.SortStableFunc(vvs, func(a, b ValVec) int { return cmp.Compare(a.Val, b.Val) })
	return vvs, nil
}

// residual returns the component of v orthogonal to the orthonormal vectors in basis.
func residual(v []complex128, basis [][]complex128) []complex128 {
	r := slices.Clone(v)
	for _, u := range basis {
		var ip complex128
		for i := range u {
			ip += cmplx.Conj(u[i]) * r[i]
		}
		for i := range u {
			r[i] -= ip * u[i]
		}
	}
	return r
}

func norm(v []complex128) float64 {
	var s float64
	for _, x := range v {
		s += real(x)*real(x) + imag(x)*imag(x)
	}
	return math.Sqrt(s)
}

// rayleigh returns v^H h v for a unit vector v.
func rayleigh(h [][]complex128, v []complex128) float64 {
	var s complex128
	for i, row := range h {
		var hv complex128
		for j, x := range row {
			hv += x * v[j]
		}
		s += cmplx.Conj(v[i]) * hv
	}
	return real(s)
}

func hermitianTol(m *COO) float64 {
	var mx float64
	for _, v := range m.Data {
		mx = max(mx, cmplx.Abs(v.v))
	}
	return 1e-10 * max(mx, 1)
}

func rowMajor(a, b vRowCol) int {
	if c := cmp.Compare(a.row, b.row); c != 0 {
		return c
	}
	return cmp.Compare(a.col, b.col)
}

func format(v float64) string {
	// If v is 0 or -0, return "0" immediately to avoid returning "-0".
	if v == 0 {
		return " 0"
	}

	s := strconv.FormatFloat(v, 'g', 6, 64)

	// Add a space before non-negative numbers to align with other negative numbers in the same column.
	if v >= 0 {
		s = " " + s
	}

	return s
}

func FormatNumpy(v complex128) string {
	switch {
	case imag(v) == 0:
		return strconv.FormatFloat(real(v), 'g', -1, 64)
	default:
		s := strconv.FormatComplex(v, 'g', -1, 128)
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
		s = strings.ReplaceAll(s, "i", "j")
		return s
	}
}
