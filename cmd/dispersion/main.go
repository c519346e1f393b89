package main

import (
	"fmt"
	"image/color"
	"os"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fumin/phonorot/crystal"
	"github.com/fumin/phonorot/exactdiag"
	"github.com/fumin/phonorot/interp"
	"github.com/fumin/phonorot/reference"
)

var log = logging.MustGetLogger("dispersion")
var formatter = logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)

var (
	app = kingpin.New("dispersion", "plot phonon dispersion from the interpolation grid and from direct diagonalization")

	compound  = app.Flag("compound", "reference compound").Default("NaCl").String()
	maxVolume = app.Flag("maxvol", "maximum grid tetrahedron volume, as a fraction of the irreducible polyhedron").Default("0.01").Float64()
	sortModes = app.Flag("sort", "sort modes on neighbouring grid vertices").Bool()
	points    = app.Flag("points", "points per path segment").Default("40").Int()
	out       = app.Flag("out", "output image").Default("dispersion.png").String()
	logLevel  = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("info").
		Enum("critical", "error", "warning", "notice", "info", "debug")
)

type point struct {
	label string
	q     [3]float64
}

// fccPath is Γ-X-W-K-Γ-L in the primitive reciprocal basis of the face centred cubic lattice.
var fccPath = []point{
	{"Γ", [3]float64{0, 0, 0}},
	{"X", [3]float64{0.5, 0, 0.5}},
	{"W", [3]float64{0.5, 0.25, 0.75}},
	{"K", [3]float64{0.375, 0.375, 0.75}},
	{"Γ", [3]float64{0, 0, 0}},
	{"L", [3]float64{0.5, 0.5, 0.5}},
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logging.SetFormatter(formatter)
	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, module := range []string{"dispersion", "interp", "bz", "exactdiag", "crystal", "reference"} {
		logging.SetLevel(level, module)
	}

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	c, err := reference.Load(*compound)
	if err != nil {
		return errors.Wrap(err, "")
	}
	model, err := c.Model()
	if err != nil {
		return errors.Wrap(err, "")
	}
	ip, err := interp.New(model, interp.Options{MaxVolume: *maxVolume, Sort: *sortModes, Parallel: true})
	if err != nil {
		return errors.Wrap(err, "")
	}

	qs, xs, ticks := path(c.Crystal, fccPath, *points)
	exact, err := ip.QpointPhononModes(qs, false)
	if err != nil {
		return errors.Wrap(err, "")
	}
	interpolated, err := ip.QpointPhononModes(qs, true)
	if err != nil {
		return errors.Wrap(err, "")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s, max volume %g", c.Name, *maxVolume)
	p.X.Label.Text = "wavevector"
	p.Y.Label.Text = "energy (meV)"
	p.X.Tick.Marker = plot.ConstantTicks(ticks)
	p.Add(plotter.NewGrid())

	black := color.RGBA{A: 255}
	red := color.RGBA{R: 220, A: 255}
	if err := addBranches(p, xs, exact, "direct", black, nil); err != nil {
		return errors.Wrap(err, "")
	}
	dashes := []vg.Length{vg.Points(4), vg.Points(2)}
	if err := addBranches(p, xs, interpolated, "interpolated", red, dashes); err != nil {
		return errors.Wrap(err, "")
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, *out); err != nil {
		return errors.Wrap(err, "")
	}
	log.Infof("wrote %s", *out)
	return nil
}

// path samples straight segments between consecutive points, returning the
// wavevectors, their cumulative distance in inverse Angstrom and the tick marks.
func path(c *crystal.Crystal, pts []point, n int) ([][3]float64, []float64, []plot.Tick) {
	qs := make([][3]float64, 0)
	xs := make([]float64, 0)
	ticks := []plot.Tick{{Value: 0, Label: pts[0].label}}
	var x float64
	for s := 1; s < len(pts); s++ {
		a, b := pts[s-1].q, pts[s].q
		ka, kb := c.RLUToCartesian(a), c.RLUToCartesian(b)
		length := floats.Distance(kb[:], ka[:], 2)
		start := 1
		if s == 1 {
			start = 0
		}
		for i := start; i <= n; i++ {
			t := float64(i) / float64(n)
			qs = append(qs, [3]float64{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1]), a[2] + t*(b[2]-a[2])})
			xs = append(xs, x+t*length)
		}
		x += length
		ticks = append(ticks, plot.Tick{Value: x, Label: pts[s].label})
	}
	return qs, xs, ticks
}

func addBranches(p *plot.Plot, xs []float64, modes *exactdiag.Modes, name string, c color.Color, dashes []vg.Length) error {
	nmodes := len(modes.Frequencies[0])
	for m := range nmodes {
		pts := make(plotter.XYs, len(xs))
		for i, x := range xs {
			pts[i].X = x
			pts[i].Y = modes.Frequencies[i][m]
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("%s mode %d", name, m))
		}
		l.LineStyle.Color = c
		l.LineStyle.Dashes = dashes
		p.Add(l)
		if m == 0 {
			p.Legend.Add(name, l)
		}
	}
	return nil
}
