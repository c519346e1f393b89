package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fumin/phonorot"
	"github.com/fumin/phonorot/exactdiag"
	"github.com/fumin/phonorot/exactdiag/mat"
	"github.com/fumin/phonorot/interp"
	"github.com/fumin/phonorot/reference"
	"github.com/fumin/phonorot/store"
)

const (
	fnameExact        = "exact.csv"
	fnameInterpolated = "interpolated.csv"
	dirDynamical      = "dynmat"
)

var log = logging.MustGetLogger("run")
var formatter = logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)

var (
	app = kingpin.New("run", "phonon eigenvector rotation checks")

	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("info").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	maxVolume = app.Flag("maxvol", "maximum grid tetrahedron volume, as a fraction of the irreducible polyhedron").Default("0.1").Float64()
	sortModes = app.Flag("sort", "sort modes on neighbouring grid vertices").Bool()
	parallel  = app.Flag("parallel", "evaluate modes concurrently").Bool()
	rtol      = app.Flag("rtol", "relative tolerance").Default("1e-5").Float64()
	atol      = app.Flag("atol", "absolute tolerance").Default("1e-8").Float64()
	cachePath = app.Flag("cache", "sqlite cache of grid vertex modes").String()

	checkCmd      = app.Command("check", "check one grid vertex and print the report as JSON")
	checkCompound = checkCmd.Flag("compound", "reference compound").Default("NaCl").String()
	checkVertex   = checkCmd.Flag("vertex", "grid vertex index").Default("4").Int()
	checkExact    = checkCmd.Flag("exact", "evaluate the symmetry batch by direct diagonalization").Bool()

	sweepCmd        = app.Command("sweep", "check many compounds and vertices, skipping those already checkpointed")
	sweepCompounds  = sweepCmd.Flag("compound", "reference compounds, all by default").Strings()
	sweepVertices   = sweepCmd.Flag("vertices", "number of interior vertices to check per compound").Default("8").Int()
	sweepCheckpoint = sweepCmd.Flag("checkpoint", "bolt checkpoint database").Default(filepath.Join("runs", "phonorot", "checkpoint.db")).String()

	exportCmd      = app.Command("export", "write the exact and interpolated modes of a symmetry batch as CSV")
	exportCompound = exportCmd.Flag("compound", "reference compound").Default("NaCl").String()
	exportVertex   = exportCmd.Flag("vertex", "grid vertex index").Default("4").Int()
	exportDir      = exportCmd.Flag("dir", "output directory").Default(filepath.Join("runs", "phonorot", "export")).String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logging.SetFormatter(formatter)
	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, module := range []string{"run", "phonorot", "interp", "bz", "exactdiag", "crystal", "reference", "store"} {
		logging.SetLevel(level, module)
	}

	switch cmd {
	case checkCmd.FullCommand():
		err = check()
	case sweepCmd.FullCommand():
		err = sweep()
	case exportCmd.FullCommand():
		err = export()
	}
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func config(compound string, vertex int) phonorot.Config {
	cfg := phonorot.NewConfig()
	cfg.Compound = compound
	cfg.MaxVolume = *maxVolume
	cfg.VertexIndex = vertex
	cfg.Sort = *sortModes
	cfg.Parallel = *parallel
	cfg.RTol, cfg.ATol = *rtol, *atol
	return cfg
}

// interpolator builds the grid of a compound, reusing cached vertex modes when a cache is configured.
func interpolator(cfg phonorot.Config) (*interp.Interpolator, func() error, error) {
	compound, err := reference.Load(cfg.Compound)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	model, err := compound.Model()
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	opts := interp.Options{MaxVolume: cfg.MaxVolume, Sort: cfg.Sort, Parallel: cfg.Parallel}
	closer := func() error { return nil }
	if *cachePath != "" {
		cache, err := store.Open(*cachePath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "")
		}
		opts.Cache, opts.CacheKey = cache, fmt.Sprintf("%s/%g", compound.Name, cfg.MaxVolume)
		closer = cache.Close
	}
	ip, err := interp.New(model, opts)
	if err != nil {
		if err1 := closer(); err1 != nil {
			log.Errorf("%+v", errors.Wrap(err1, ""))
		}
		return nil, nil, errors.Wrap(err, "")
	}
	return ip, closer, nil
}

// closeInto calls c and stores its error in err unless err is already set.
func closeInto(err *error, c func() error) {
	if err1 := c(); err1 != nil && *err == nil {
		*err = errors.Wrap(err1, "")
	}
}

func check() (err error) {
	cfg := config(*checkCompound, *checkVertex)
	cfg.Interpolate = !*checkExact
	ip, closer, err := interpolator(cfg)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer closeInto(&err, closer)

	report, checkErr := phonorot.CheckInterpolator(ip, cfg)
	if report == nil {
		return errors.Wrap(checkErr, "")
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "")
	}
	fmt.Printf("%s\n", b)
	return checkErr
}

func sweep() (err error) {
	if err := os.MkdirAll(filepath.Dir(*sweepCheckpoint), os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	cp, err := store.OpenCheckpoint(*sweepCheckpoint)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer closeInto(&err, cp.Close)

	compounds := *sweepCompounds
	if len(compounds) == 0 {
		compounds = reference.Names()
	}
	reports := make([]phonorot.Report, 0)
	for _, name := range compounds {
		rs, err := sweepCompound(cp, name)
		if err != nil {
			return errors.Wrap(err, name)
		}
		reports = append(reports, rs...)
	}

	fmt.Printf("compound,vertex,q0,q1,q2,passed,min_gap,symmetry_dev,reference_dev,eigenvector_dev\n")
	for _, r := range reports {
		q := r.QIrreducible
		fmt.Printf("%s,%d,%f,%f,%f,%t,%g,%g,%g,%g\n", r.Config.Compound, r.Config.VertexIndex, q[0], q[1], q[2], r.Passed, r.MinGap, r.SymmetryDeviation, r.ReferenceDeviation, r.EigenvectorDeviation)
	}
	return nil
}

func sweepCompound(cp *store.Checkpoint, name string) (_ []phonorot.Report, err error) {
	reports := make([]phonorot.Report, 0, *sweepVertices)
	var ip *interp.Interpolator
	for v := range *sweepVertices {
		cfg := config(name, v)
		var r phonorot.Report
		err = cp.Load(cfg.Key(), &r)
		if err == nil {
			reports = append(reports, r)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, errors.Wrap(err, "")
		}

		if ip == nil {
			var closer func() error
			ip, closer, err = interpolator(cfg)
			if err != nil {
				return nil, errors.Wrap(err, "")
			}
			defer closeInto(&err, closer)
		}
		if v >= ip.Grid().Interior() {
			log.Noticef("%s has only %d interior vertices", name, ip.Grid().Interior())
			break
		}

		report, err := phonorot.CheckInterpolator(ip, cfg)
		if report == nil {
			return nil, errors.Wrap(err, "")
		}
		if err := cp.Save(cfg.Key(), report); err != nil {
			return nil, errors.Wrap(err, "")
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func export() (err error) {
	cfg := config(*exportCompound, *exportVertex)
	ip, closer, err := interpolator(cfg)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer closeInto(&err, closer)
	report, _ := phonorot.CheckInterpolator(ip, cfg)
	if report == nil {
		return errors.Errorf("vertex %d of %d", cfg.VertexIndex, len(ip.Grid().RLU()))
	}

	if err := os.MkdirAll(*exportDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	exact, err := ip.QpointPhononModes(report.Q, false)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := writeModes(filepath.Join(*exportDir, fnameExact), exact); err != nil {
		return errors.Wrap(err, "")
	}
	interpolated, err := ip.QpointPhononModes(report.Q, true)
	if err != nil {
		return errors.Wrap(err, "")
	}
	interpolated.Eigenvectors, err = ip.Crystal().BasisToOrthogonalEigenvectors(interpolated.Eigenvectors)
	if err != nil {
		return errors.Wrap(err, "")
	}
	interpolated.Basis = exactdiag.Cartesian
	if err := writeModes(filepath.Join(*exportDir, fnameInterpolated), interpolated); err != nil {
		return errors.Wrap(err, "")
	}

	model, ok := ip.Solver().(*exactdiag.Model)
	if ok {
		dir := filepath.Join(*exportDir, dirDynamical)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Wrap(err, "")
		}
		d := model.DynamicalMatrix(report.QIrreducible)
		if err := d.WriteCOO(dir); err != nil {
			return errors.Wrap(err, "")
		}
		if err := verifyDynamical(dir, d); err != nil {
			return errors.Wrap(err, "")
		}
	}

	// Read back to make sure the files are complete.
	for _, fname := range []string{fnameExact, fnameInterpolated} {
		modes, err := readModes(filepath.Join(*exportDir, fname))
		if err != nil {
			return errors.Wrap(err, fname)
		}
		log.Infof("%s: %d points, %d modes", fname, len(modes.Q), len(modes.Frequencies[0]))
	}
	return nil
}

// verifyDynamical reads the matrix written to dir and compares it with d.
func verifyDynamical(dir string, d *mat.COO) error {
	read, err := mat.ReadCOO(dir)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if !read.Equal(d) {
		return errors.Errorf("%s: %dx%d matrix differs from the %dx%d one written", dir, read.Rows(), read.Cols(), d.Rows(), d.Cols())
	}
	return nil
}

// writeModes writes one row per point, mode and atom:
// q0, q1, q2, mode, frequency, atom, ex, ey, ez.
func writeModes(fpath string, modes *exactdiag.Modes) error {
	f, err := os.Create(fpath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	w := csv.NewWriter(f)

	if err1 := w.Write([]string{"q0", "q1", "q2", "mode", "frequency", "atom", "ex", "ey", "ez"}); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	for i, q := range modes.Q {
		for m, freq := range modes.Frequencies[i] {
			for k, v := range modes.Eigenvectors[i][m] {
				row := []string{
					strconv.FormatFloat(q[0], 'g', -1, 64),
					strconv.FormatFloat(q[1], 'g', -1, 64),
					strconv.FormatFloat(q[2], 'g', -1, 64),
					strconv.Itoa(m),
					strconv.FormatFloat(freq, 'g', -1, 64),
					strconv.Itoa(k),
					strconv.FormatComplex(v[0], 'g', -1, 128),
					strconv.FormatComplex(v[1], 'g', -1, 128),
					strconv.FormatComplex(v[2], 'g', -1, 128),
				}
				if err1 := w.Write(row); err1 != nil && err == nil {
					err = errors.Wrap(err1, "")
				}
			}
		}
	}

	w.Flush()
	if err1 := w.Error(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	if err1 := f.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

func readModes(fpath string) (*exactdiag.Modes, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer f.Close()
	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	modes := &exactdiag.Modes{Basis: exactdiag.Cartesian}
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "")
		}

		var q [3]float64
		for j := range 3 {
			if q[j], err = strconv.ParseFloat(record[j], 64); err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("line %d", line))
			}
		}
		m, err := strconv.Atoi(record[3])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", line))
		}
		freq, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", line))
		}
		k, err := strconv.Atoi(record[5])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", line))
		}
		var v [3]complex128
		for j := range 3 {
			if v[j], err = strconv.ParseComplex(record[6+j], 128); err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("line %d", line))
			}
		}

		if m == 0 && k == 0 {
			modes.Q = append(modes.Q, q)
			modes.Frequencies = append(modes.Frequencies, nil)
			modes.Eigenvectors = append(modes.Eigenvectors, nil)
		}
		i := len(modes.Q) - 1
		if i < 0 {
			return nil, errors.Errorf("line %d: mode %d atom %d before the first point", line, m, k)
		}
		if k == 0 {
			modes.Frequencies[i] = append(modes.Frequencies[i], freq)
			modes.Eigenvectors[i] = append(modes.Eigenvectors[i], nil)
		}
		if m != len(modes.Eigenvectors[i])-1 || k != len(modes.Eigenvectors[i][m]) {
			return nil, errors.Errorf("line %d: mode %d atom %d out of order", line, m, k)
		}
		modes.Eigenvectors[i][m] = append(modes.Eigenvectors[i][m], v)
	}
	return modes, nil
}
