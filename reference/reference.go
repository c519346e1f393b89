// Package reference provides the crystal structures and force constants of
// the reference compounds used to validate phonon interpolation.
package reference

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/fumin/phonorot/crystal"
	"github.com/fumin/phonorot/exactdiag"
)

var log = logging.MustGetLogger("reference")

var (
	ErrUnknownCompound = errors.New("unknown compound")
)

//go:embed data/compounds.json
var compoundsJSON []byte

type atomJSON struct {
	Species  string     `json:"species"`
	Position [3]float64 `json:"position"`
	Mass     float64    `json:"mass"`
}

type shellJSON struct {
	Pair         [2]string `json:"pair"`
	Distance     float64   `json:"distance"`
	Longitudinal float64   `json:"longitudinal"`
	Transverse   float64   `json:"transverse"`
}

type compoundJSON struct {
	Description string        `json:"description"`
	Lattice     [3][3]float64 `json:"lattice"`
	Atoms       []atomJSON    `json:"atoms"`
	Shells      []shellJSON   `json:"shells"`
}

// Compound is a reference crystal together with its force constant model.
type Compound struct {
	Name        string
	Description string
	Crystal     *crystal.Crystal
	Shells      []exactdiag.Shell
}

// Model builds the direct diagonalization model of the compound.
func (c *Compound) Model() (*exactdiag.Model, error) {
	m, err := exactdiag.NewModel(c.Crystal, c.Shells, exactdiag.DefaultDistanceTolerance)
	if err != nil {
		return nil, errors.Wrap(err, c.Name)
	}
	if r := m.AcousticSum(); r > exactdiag.AcousticSumTolerance {
		return nil, errors.Wrap(exactdiag.ErrAcousticSum, fmt.Sprintf("%s: %g", c.Name, r))
	}
	return m, nil
}

func parse() (map[string]compoundJSON, error) {
	compounds := make(map[string]compoundJSON)
	if err := json.Unmarshal(compoundsJSON, &compounds); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return compounds, nil
}

// Names lists the available compounds in alphabetical order.
func Names() []string {
	compounds, err := parse()
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	names := make([]string, 0, len(compounds))
	for name := range compounds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Load returns the compound with the given name, compared case-insensitively.
func Load(name string) (*Compound, error) {
	compounds, err := parse()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	var cj compoundJSON
	var found bool
	for n, c := range compounds {
		if strings.EqualFold(n, name) {
			name, cj, found = n, c, true
			break
		}
	}
	if !found {
		return nil, errors.Wrap(ErrUnknownCompound, fmt.Sprintf("%q, known %v", name, Names()))
	}

	atoms := make([]crystal.Atom, 0, len(cj.Atoms))
	for _, a := range cj.Atoms {
		atoms = append(atoms, crystal.Atom{Species: a.Species, Position: a.Position, Mass: a.Mass})
	}
	c, err := crystal.New(cj.Lattice, atoms)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}

	shells := make([]exactdiag.Shell, 0, len(cj.Shells))
	for _, s := range cj.Shells {
		shells = append(shells, exactdiag.Shell{Pair: s.Pair, Distance: s.Distance, Longitudinal: s.Longitudinal, Transverse: s.Transverse})
	}
	log.Debugf("loaded %s: %s", name, cj.Description)
	return &Compound{Name: name, Description: cj.Description, Crystal: c, Shells: shells}, nil
}

func MustLoad(name string) *Compound {
	c, err := Load(name)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return c
}
