// Package waveform builds the table of phase currents for one electrical
// cycle of a two-phase bipolar stepper.
//
// One electrical cycle is four full steps. Position p in [0, 1) walks
// through it: p = 0, 1/4, 1/2, 3/4 are the full-step states
// (A+, B+, A-, B-).
package waveform

import (
	"errors"
	"fmt"
	"math"

	"github.com/cjeanneret/microstep/internal/logic/angle"
)

// ErrInvalidMicrosteps is returned for a microstep count that is not a
// positive power of two.
var ErrInvalidMicrosteps = errors.New("microsteps must be a positive power of two")

// Currents is a pair of phase current ratios, each in [-1, 1].
type Currents struct {
	A float64
	B float64
}

// cardinal holds the exact full-step states, indexed by quarter.
var cardinal = [4]Currents{
	{A: 1, B: 0},
	{A: 0, B: 1},
	{A: -1, B: 0},
	{A: 0, B: -1},
}

// Table is an immutable sequence of 4*Microsteps() current pairs.
type Table struct {
	microsteps int
	strategy   Strategy
	entries    []Currents
}

// Build computes the table for the given number of microsteps per full
// step. Entries on full-step boundaries are exact and never come from
// the strategy.
func Build(microsteps int, s Strategy) (*Table, error) {
	if !angle.IsPowerOfTwo(microsteps) {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidMicrosteps, microsteps)
	}
	if s == nil {
		s = Geometric{}
	}

	stages := 4 * microsteps
	entries := make([]Currents, stages)
	for n := 0; n < stages; n++ {
		if n%microsteps == 0 {
			entries[n] = cardinal[n/microsteps]
			continue
		}
		entries[n] = s.Currents(float64(n) / float64(stages))
	}

	return &Table{
		microsteps: microsteps,
		strategy:   s,
		entries:    entries,
	}, nil
}

// Len returns the number of entries (4 * Microsteps()).
func (t *Table) Len() int { return len(t.entries) }

// Microsteps returns the resolution the table was built with.
func (t *Table) Microsteps() int { return t.microsteps }

// Strategy returns the strategy used for non-cardinal entries.
func (t *Table) Strategy() Strategy { return t.strategy }

// At returns the entry at index i modulo Len(). Negative indices wrap.
func (t *Table) At(i int) Currents {
	n := len(t.entries)
	return t.entries[((i%n)+n)%n]
}

// Strategy computes phase currents for a position in the electrical cycle.
type Strategy interface {
	Currents(p float64) Currents
	Name() string
}

// StrategyFunc adapts a plain function to the Strategy interface.
type StrategyFunc func(p float64) Currents

func (f StrategyFunc) Currents(p float64) Currents { return f(p) }

func (f StrategyFunc) Name() string { return "custom" }

// Sinusoidal drives IA = cos(2πp), IB = sin(2πp).
// Only exact at full- and half-step positions when poles are 45° apart.
type Sinusoidal struct{}

func (Sinusoidal) Currents(p float64) Currents {
	theta := 2 * math.Pi * p
	return Currents{A: math.Cos(theta), B: math.Sin(theta)}
}

func (Sinusoidal) Name() string { return "sinusoidal" }

// Geometric decomposes the desired unit field onto the two stator pole
// axes bracketing it. The axes are 45° apart, and adjacent poles of a
// phase alternate polarity, hence the sign table per quarter.
type Geometric struct{}

func (Geometric) Currents(p float64) Currents {
	scaled := p * 4
	quarter := int(math.Floor(scaled))
	theta := (scaled - float64(quarter)) * math.Pi / 4

	ccw := math.Cos(theta) - math.Sin(theta)
	cw := math.Sqrt2 * math.Sin(theta)

	switch ((quarter % 4) + 4) % 4 {
	case 0:
		return Currents{A: ccw, B: cw}
	case 1:
		return Currents{A: -cw, B: ccw}
	case 2:
		return Currents{A: -ccw, B: -cw}
	default:
		return Currents{A: cw, B: -ccw}
	}
}

func (Geometric) Name() string { return "geometric" }

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "geometric":
		return Geometric{}, nil
	case "sinusoidal":
		return Sinusoidal{}, nil
	default:
		return nil, fmt.Errorf("unknown current strategy %q (want geometric or sinusoidal)", name)
	}
}
