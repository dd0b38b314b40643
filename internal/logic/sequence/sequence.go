// Package sequence runs motion programs: ordered lists of align, spin,
// seek and pause steps, optionally repeated.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/microstep/internal/debug"
	"github.com/cjeanneret/microstep/internal/logic/motion"
)

// ErrInvalidProgram is returned by Validate and Run for malformed programs.
var ErrInvalidProgram = errors.New("invalid program")

// Op is a step operation.
type Op string

const (
	OpAlign Op = "align"
	OpSpin  Op = "spin"
	OpSeek  Op = "seek"
	OpPause Op = "pause"
)

// Mover is the motion surface a program drives. *motion.Controller
// implements it.
type Mover interface {
	AlignRotor(dir motion.Direction) error
	SpinRotor(ctx context.Context, revolutions, rpm float64, dir motion.Direction, microsteps int) error
	SeekAngle(ctx context.Context, degrees float64, dir motion.Direction, microsteps int) error
}

// Step is one program instruction. Only the fields its Op uses matter.
type Step struct {
	Op          Op
	Revolutions float64 // spin; +Inf spins until cancelled
	RPM         float64 // spin
	Degrees     float64 // seek
	Direction   motion.Direction
	Microsteps  int           // spin, seek
	Pause       time.Duration // wait after the step, or the pause length
}

func (s Step) String() string {
	switch s.Op {
	case OpAlign:
		return fmt.Sprintf("align %s", s.Direction)
	case OpSpin:
		revs := fmt.Sprintf("%g rev", s.Revolutions)
		if math.IsInf(s.Revolutions, 1) {
			revs = "continuous"
		}
		return fmt.Sprintf("spin %s %s at %g rpm, %d microsteps", revs, s.Direction, s.RPM, s.Microsteps)
	case OpSeek:
		return fmt.Sprintf("seek %g° %s, %d microsteps", s.Degrees, s.Direction, s.Microsteps)
	case OpPause:
		return fmt.Sprintf("pause %s", s.Pause)
	}
	return fmt.Sprintf("unknown op %q", string(s.Op))
}

// Program is a list of steps run Repeat times. Repeat 0 loops until the
// context is cancelled.
type Program struct {
	Repeat int
	Steps  []Step
}

// Validate checks what can be checked without a controller. Microstep
// limits are left to the controller.
func (p Program) Validate() error {
	if p.Repeat < 0 {
		return fmt.Errorf("%w: repeat must be >= 0, got %d", ErrInvalidProgram, p.Repeat)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidProgram)
	}
	for i, s := range p.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidProgram, i+1, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	if s.Pause < 0 {
		return fmt.Errorf("negative pause %s", s.Pause)
	}
	switch s.Op {
	case OpAlign:
		return nil
	case OpSpin:
		if math.IsNaN(s.Revolutions) || s.Revolutions < 0 {
			return fmt.Errorf("revolutions must be >= 0, got %g", s.Revolutions)
		}
		if !(s.RPM > 0) || math.IsInf(s.RPM, 1) {
			return fmt.Errorf("rpm must be > 0, got %g", s.RPM)
		}
		if s.Direction == motion.Closest {
			return errors.New("spin needs cw or ccw")
		}
		return checkMicrosteps(s.Microsteps)
	case OpSeek:
		if math.IsNaN(s.Degrees) || math.IsInf(s.Degrees, 0) {
			return fmt.Errorf("degrees must be finite, got %g", s.Degrees)
		}
		return checkMicrosteps(s.Microsteps)
	case OpPause:
		if s.Pause == 0 {
			return errors.New("pause needs a duration")
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", string(s.Op))
}

func checkMicrosteps(n int) error {
	if n <= 0 {
		return fmt.Errorf("microsteps must be > 0, got %d", n)
	}
	return nil
}

// Sequence executes programs against a Mover.
type Sequence struct {
	mover Mover
	wait  func(ctx context.Context, d time.Duration) error
}

func NewSequence(m Mover) *Sequence {
	return &Sequence{
		mover: m,
		wait:  sleepContext,
	}
}

// Run validates and executes the program. The context is checked before
// every step and interrupts pauses.
func (s *Sequence) Run(ctx context.Context, p Program) error {
	if err := p.Validate(); err != nil {
		return err
	}

	for pass := 1; p.Repeat == 0 || pass <= p.Repeat; pass++ {
		if p.Repeat == 0 {
			debug.Section(fmt.Sprintf("Pass %d", pass))
		} else {
			debug.Section(fmt.Sprintf("Pass %d/%d", pass, p.Repeat))
		}

		for i, step := range p.Steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			debug.Step(i+1, step.String())
			if err := s.RunStep(ctx, step); err != nil {
				return fmt.Errorf("pass %d step %d (%s): %w", pass, i+1, step.Op, err)
			}
		}
	}

	debug.Info("program complete: %d pass(es), %d steps each", p.Repeat, len(p.Steps))
	return nil
}

// RunStep executes a single step, then its trailing pause.
func (s *Sequence) RunStep(ctx context.Context, step Step) error {
	var err error
	switch step.Op {
	case OpAlign:
		err = s.mover.AlignRotor(step.Direction)
	case OpSpin:
		err = s.mover.SpinRotor(ctx, step.Revolutions, step.RPM, step.Direction, step.Microsteps)
	case OpSeek:
		err = s.mover.SeekAngle(ctx, step.Degrees, step.Direction, step.Microsteps)
	case OpPause:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidProgram, string(step.Op))
	}
	if err != nil {
		return err
	}
	if step.Pause > 0 {
		return s.wait(ctx, step.Pause)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
