// Package motion drives a two-phase stepper through the waveform table
// while tracking the rotor position in fixed point.
//
// It is the layer between the command surfaces (CLI, web, programs) and
// the H-bridge. Every public operation validates its arguments before
// touching the hardware.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cjeanneret/microstep/internal/debug"
	"github.com/cjeanneret/microstep/internal/hw/hbridge"
	"github.com/cjeanneret/microstep/internal/logic/angle"
	"github.com/cjeanneret/microstep/internal/logic/waveform"
)

// DefaultMinSettlingDelay is the minimum hold time per microstep and
// after each positioning.
const DefaultMinSettlingDelay = 10 * time.Millisecond

var (
	ErrInvalidMicrosteps = errors.New("invalid microsteps")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotAligned        = errors.New("rotor not aligned on a sector boundary")
	ErrWrongSector       = errors.New("rotor not in the target sector")
)

// Direction selects the rotation sense.
type Direction int

const (
	Clockwise Direction = iota
	CounterClockwise
	// Closest picks the shorter way; ties go clockwise.
	Closest
)

func (d Direction) String() string {
	switch d {
	case Clockwise:
		return "cw"
	case CounterClockwise:
		return "ccw"
	case Closest:
		return "closest"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) valid() bool {
	return d >= Clockwise && d <= Closest
}

// ParseDirection accepts cw, ccw and closest (case-insensitive), plus the
// long forms clockwise and counterclockwise.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cw", "clockwise":
		return Clockwise, nil
	case "ccw", "counterclockwise", "counter-clockwise":
		return CounterClockwise, nil
	case "closest", "":
		return Closest, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidArgument, s)
}

// ResolveDirection parses explicit, falling back to def when explicit is
// empty. A spin has no shorter way, so a Closest inherited from def turns
// clockwise; an explicit closest is left for the spin to reject.
func ResolveDirection(explicit, def string, spin bool) (Direction, error) {
	if strings.TrimSpace(explicit) != "" {
		return ParseDirection(explicit)
	}
	d, err := ParseDirection(def)
	if err != nil {
		return 0, err
	}
	if spin && d == Closest {
		return Clockwise, nil
	}
	return d, nil
}

// Actuator applies a signed current ratio to one phase.
// *hbridge.Bridge implements it.
type Actuator interface {
	EnergizePhase(phase hbridge.Phase, ratio float64) error
}

// Clock abstracts waiting so tests can run without real delays.
type Clock interface {
	Sleep(d time.Duration)
}

// SystemClock sleeps for real.
type SystemClock struct{}

func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config holds the controller parameters.
type Config struct {
	// MaxMicrosteps is the waveform table resolution (power of two).
	MaxMicrosteps int
	// Strategy computes the non-cardinal table entries. Nil means geometric.
	Strategy waveform.Strategy
	// MinSettlingDelay bounds every per-microstep wait from below.
	MinSettlingDelay time.Duration
	// Observer, if set, is called with the new position after every
	// position change. It runs on the moving goroutine and must not block.
	Observer func(angle.RotorAngle)
}

// alignCurrents holds the phase pair for each aligned position label.
var alignCurrents = [4]waveform.Currents{
	{A: 1, B: 0},
	{A: 0, B: 1},
	{A: -1, B: 0},
	{A: 0, B: -1},
}

// Controller owns the rotor position and the waveform table.
// It is not safe for concurrent use: callers serialize moves.
type Controller struct {
	act   Actuator
	clock Clock
	cfg   Config
	table *waveform.Table
	rotor angle.RotorAngle
}

// NewController builds the table and holds the rotor at the reference
// position (A=+1, B=0), which it records as sector 1, tick 0.
func NewController(act Actuator, clk Clock, cfg Config) (*Controller, error) {
	if act == nil {
		return nil, fmt.Errorf("%w: nil actuator", ErrInvalidArgument)
	}
	if clk == nil {
		clk = SystemClock{}
	}
	if !angle.IsPowerOfTwo(cfg.MaxMicrosteps) || cfg.MaxMicrosteps > angle.SectorTicks {
		return nil, fmt.Errorf("%w: max microsteps must be a power of two in [1, %d], got %d",
			ErrInvalidMicrosteps, angle.SectorTicks, cfg.MaxMicrosteps)
	}
	if cfg.MinSettlingDelay < 0 {
		return nil, fmt.Errorf("%w: negative settling delay %s", ErrInvalidArgument, cfg.MinSettlingDelay)
	}

	table, err := waveform.Build(cfg.MaxMicrosteps, cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("build waveform: %w", err)
	}
	cfg.Strategy = table.Strategy()

	c := &Controller{
		act:   act,
		clock: clk,
		cfg:   cfg,
		table: table,
	}
	if err := c.energize(alignCurrents[0]); err != nil {
		return nil, fmt.Errorf("hold reference position: %w", err)
	}
	c.commit(angle.Zero())

	debug.Info("controller ready: %d microsteps, %s strategy, settling %s",
		cfg.MaxMicrosteps, table.Strategy().Name(), cfg.MinSettlingDelay)
	return c, nil
}

// Angle returns the current rotor position.
func (c *Controller) Angle() angle.RotorAngle { return c.rotor }

// IsAligned reports whether the rotor sits on a sector boundary.
func (c *Controller) IsAligned() bool { return c.rotor.IsAligned() }

// AlignedPosition returns the aligned-position label (1-4) when the rotor
// is aligned.
func (c *Controller) AlignedPosition() (int, bool) {
	if !c.rotor.IsAligned() {
		return 0, false
	}
	return c.rotor.Quarter(), true
}

// Table returns the waveform table in use.
func (c *Controller) Table() *waveform.Table { return c.table }

// AlignRotor snaps the rotor onto a sector boundary. With Closest the
// half of the sector decides: the first half goes counter-clockwise.
// An aligned rotor is left untouched.
func (c *Controller) AlignRotor(dir Direction) error {
	if !dir.valid() {
		return fmt.Errorf("%w: direction %d", ErrInvalidArgument, int(dir))
	}
	if c.rotor.IsAligned() {
		return nil
	}

	clockwise := dir == Clockwise || (dir == Closest && c.rotor.Half() == 2)
	next := c.rotor
	next.RotateToSectorBoundary(clockwise)

	debug.Verbose("align %s: %s -> sector %d (position %d)", dir, c.rotor, next.Sector(), next.Quarter())
	if err := c.energize(alignCurrents[next.Quarter()-1]); err != nil {
		return fmt.Errorf("align: %w", err)
	}
	c.commit(next)
	c.settle()
	return nil
}

// SpinRotor aligns the rotor, then turns it by a number of revolutions
// (rounded to whole sectors) at the given speed. +Inf spins until ctx
// is done. dir must be Clockwise or CounterClockwise.
func (c *Controller) SpinRotor(ctx context.Context, revolutions, rpm float64, dir Direction, microsteps int) error {
	if err := c.checkMicrosteps(microsteps); err != nil {
		return err
	}
	if math.IsNaN(revolutions) || revolutions < 0 {
		return fmt.Errorf("%w: revolutions must be >= 0, got %g", ErrInvalidArgument, revolutions)
	}
	if math.IsNaN(rpm) || math.IsInf(rpm, 0) || rpm <= 0 {
		return fmt.Errorf("%w: rpm must be > 0, got %g", ErrInvalidArgument, rpm)
	}
	if dir != Clockwise && dir != CounterClockwise {
		return fmt.Errorf("%w: spin needs cw or ccw, got %s", ErrInvalidArgument, dir)
	}

	forever := math.IsInf(revolutions, 1)
	var sectors int64
	if !forever {
		s := math.Round(revolutions * angle.SectorCount)
		if s >= 1<<53 {
			return fmt.Errorf("%w: too many revolutions %g", ErrInvalidArgument, revolutions)
		}
		sectors = int64(s)
	}
	period := time.Duration(math.Round(60 / (angle.SectorCount * rpm) * float64(time.Second)))

	if forever {
		debug.Move("spin", debug.Fmt("forever %s at %g rpm, %d microsteps", dir, rpm, microsteps))
	} else {
		debug.Move("spin", debug.Fmt("%g rev (%d sectors) %s at %g rpm, %d microsteps",
			revolutions, sectors, dir, rpm, microsteps))
	}

	if err := c.AlignRotor(dir); err != nil {
		return err
	}
	return c.rotateSectors(ctx, sectors, forever, dir == Clockwise, period, microsteps)
}

// SeekAngle moves the rotor to an absolute angle in degrees. Any finite
// value is accepted and normalized. Whole sectors are crossed at the
// settling speed, then the in-sector position is set directly.
func (c *Controller) SeekAngle(ctx context.Context, degrees float64, dir Direction, microsteps int) error {
	if err := c.checkMicrosteps(microsteps); err != nil {
		return err
	}
	if !dir.valid() {
		return fmt.Errorf("%w: direction %d", ErrInvalidArgument, int(dir))
	}
	target, err := angle.FromDegrees(degrees)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	debug.Move("seek", debug.Fmt("%g° -> %s, %s, %d microsteps", degrees, target, dir, microsteps))

	if target.Equal(c.rotor) {
		return nil
	}

	if target.Sector() != c.rotor.Sector() {
		if dir == Closest {
			dir = CounterClockwise
			if c.rotor.ClockwiseTicksTo(target) <= target.ClockwiseTicksTo(c.rotor) {
				dir = Clockwise
			}
		}
		if err := c.AlignRotor(dir); err != nil {
			return err
		}

		clockwise := dir == Clockwise
		from, to := c.rotor.Sector(), target.Sector()
		n := mod(to-from, angle.SectorCount)
		if !clockwise {
			n = mod(from-to, angle.SectorCount)
		}
		period := c.cfg.MinSettlingDelay * time.Duration(microsteps)
		if err := c.rotateSectors(ctx, int64(n), false, clockwise, period, microsteps); err != nil {
			return err
		}
	}

	if err := c.rotateInSector(target); err != nil {
		return err
	}
	c.settle()
	return nil
}

// rotateSectors turns the aligned rotor by count whole sectors, or
// forever. ctx is checked before each sector.
func (c *Controller) rotateSectors(ctx context.Context, count int64, forever, clockwise bool, period time.Duration, microsteps int) error {
	if !c.rotor.IsAligned() {
		return ErrNotAligned
	}
	for i := int64(0); forever || i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.rotateSector(clockwise, period, microsteps); err != nil {
			return err
		}
	}
	return nil
}

// rotateSector walks one sector through the table, from the current
// aligned position, in microsteps equal strides.
func (c *Controller) rotateSector(clockwise bool, period time.Duration, microsteps int) error {
	if !c.rotor.IsAligned() {
		return ErrNotAligned
	}
	if err := c.checkMicrosteps(microsteps); err != nil {
		return err
	}

	offset := (c.rotor.Quarter() - 1) * c.cfg.MaxMicrosteps
	stride := c.cfg.MaxMicrosteps / microsteps
	if !clockwise {
		stride = -stride
	}
	wait := c.microstepDelay(period, microsteps)

	for i := 1; i <= microsteps; i++ {
		if err := c.energize(c.table.At(offset + i*stride)); err != nil {
			return fmt.Errorf("sector %d: %w", c.rotor.Sector(), err)
		}
		c.clock.Sleep(wait)
	}

	next := c.rotor
	next.MoveOneSector(clockwise)
	debug.Sector(c.rotor.Sector(), next.Sector())
	c.commit(next)
	return nil
}

// rotateInSector sets the electrical angle for an in-sector position.
// The rotor must already be in target's sector.
func (c *Controller) rotateInSector(target angle.RotorAngle) error {
	if target.Sector() != c.rotor.Sector() {
		return fmt.Errorf("%w: at sector %d, target sector %d", ErrWrongSector, c.rotor.Sector(), target.Sector())
	}
	if target.Ticks() == c.rotor.Ticks() {
		return nil
	}

	theta := float64(c.rotor.Quarter()-1)*math.Pi/2 +
		float64(target.Ticks())*math.Pi/(2*angle.SectorTicks)
	if err := c.energize(waveform.Currents{A: math.Cos(theta), B: math.Sin(theta)}); err != nil {
		return fmt.Errorf("in-sector: %w", err)
	}
	c.commit(target)
	return nil
}

func (c *Controller) energize(cur waveform.Currents) error {
	if err := c.act.EnergizePhase(hbridge.PhaseA, cur.A); err != nil {
		return err
	}
	return c.act.EnergizePhase(hbridge.PhaseB, cur.B)
}

func (c *Controller) commit(a angle.RotorAngle) {
	c.rotor = a
	if c.cfg.Observer != nil {
		c.cfg.Observer(a)
	}
}

func (c *Controller) settle() {
	if c.cfg.MinSettlingDelay > 0 {
		c.clock.Sleep(c.cfg.MinSettlingDelay)
	}
}

func (c *Controller) microstepDelay(period time.Duration, microsteps int) time.Duration {
	d := period / time.Duration(microsteps)
	if d < c.cfg.MinSettlingDelay {
		return c.cfg.MinSettlingDelay
	}
	return d
}

func (c *Controller) checkMicrosteps(n int) error {
	if !angle.IsPowerOfTwo(n) || n > c.cfg.MaxMicrosteps {
		return fmt.Errorf("%w: need a power of two in [1, %d], got %d", ErrInvalidMicrosteps, c.cfg.MaxMicrosteps, n)
	}
	return nil
}

func mod(a, n int) int {
	return (a%n + n) % n
}
