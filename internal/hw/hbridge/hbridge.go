// Package hbridge turns signed phase current ratios into direction pin
// levels and PWM duty on a dual H-bridge.
package hbridge

import (
	"fmt"
	"math"

	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/microstep/internal/debug"
	"github.com/cjeanneret/microstep/internal/hw/gpio"
)

// Phase identifies one of the two motor windings.
type Phase int

const (
	PhaseA Phase = iota
	PhaseB
)

func (p Phase) String() string {
	switch p {
	case PhaseA:
		return "A"
	case PhaseB:
		return "B"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// DefaultPWMFrequency is used when Config.PWMFrequency is zero.
const DefaultPWMFrequency = 25 * physic.KiloHertz

// Config holds the pin assignment of a dual H-bridge (TB6612FNG style):
// two direction inputs and one PWM input per phase (BCM numbering).
type Config struct {
	AIn1, AIn2, PWMA int
	BIn1, BIn2, PWMB int
	PWMFrequency     physic.Frequency
}

type channel struct {
	in1, in2, pwm int
}

// Bridge drives the two phases of a bipolar stepper through an H-bridge.
// The sign of the current ratio selects the bridge direction, its
// magnitude the PWM duty.
type Bridge struct {
	gpio     gpio.Driver
	cfg      Config
	channels [2]channel
}

// NewBridge configures the bridge pins. Both phases start de-energized.
func NewBridge(g gpio.Driver, cfg Config) (*Bridge, error) {
	if cfg.PWMFrequency <= 0 {
		cfg.PWMFrequency = DefaultPWMFrequency
	}

	b := &Bridge{
		gpio: g,
		cfg:  cfg,
		channels: [2]channel{
			PhaseA: {in1: cfg.AIn1, in2: cfg.AIn2, pwm: cfg.PWMA},
			PhaseB: {in1: cfg.BIn1, in2: cfg.BIn2, pwm: cfg.PWMB},
		},
	}

	for _, ch := range b.channels {
		if err := g.SetupPin(ch.in1, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", ch.in1, err)
		}
		if err := g.SetupPin(ch.in2, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", ch.in2, err)
		}
		if err := g.SetupPWM(ch.pwm, cfg.PWMFrequency); err != nil {
			return nil, fmt.Errorf("setup pwm pin %d: %w", ch.pwm, err)
		}
	}

	debug.Verbose("H-bridge ready: A(in1=%d in2=%d pwm=%d) B(in1=%d in2=%d pwm=%d) at %s",
		cfg.AIn1, cfg.AIn2, cfg.PWMA, cfg.BIn1, cfg.BIn2, cfg.PWMB, cfg.PWMFrequency)
	return b, nil
}

// EnergizePhase sets the current through a phase as a ratio of the
// maximum, in [-1, 1].
func (b *Bridge) EnergizePhase(phase Phase, ratio float64) error {
	if phase != PhaseA && phase != PhaseB {
		return fmt.Errorf("unknown phase %d", int(phase))
	}
	if math.IsNaN(ratio) || math.Abs(ratio) > 1 {
		return fmt.Errorf("phase %s: current ratio must be in [-1, 1], got %g", phase, ratio)
	}

	debug.Phase(phase.String(), ratio)

	ch := b.channels[phase]
	forward := ratio >= 0
	if err := b.gpio.WritePin(ch.in1, level(forward)); err != nil {
		return err
	}
	if err := b.gpio.WritePin(ch.in2, level(!forward)); err != nil {
		return err
	}
	return b.gpio.WriteDuty(ch.pwm, Duty(ratio))
}

// Release removes current from both phases. The rotor loses holding
// torque and may freewheel.
func (b *Bridge) Release() error {
	for _, ch := range b.channels {
		if err := b.gpio.WriteDuty(ch.pwm, 0); err != nil {
			return err
		}
	}
	debug.Verbose("H-bridge released")
	return nil
}

// Duty converts a current ratio to a 16-bit PWM duty.
func Duty(ratio float64) uint16 {
	return uint16(math.Round(math.Abs(ratio) * gpio.DutyMax))
}

func level(high bool) gpio.Level {
	if high {
		return gpio.High
	}
	return gpio.Low
}
