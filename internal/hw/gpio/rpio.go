package gpio

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/microstep/internal/debug"
)

// The BCM283x PWM clock is derived from a 19.2MHz oscillator and go-rpio
// accepts clock frequencies up to 9.6MHz. The PWM output frequency is the
// clock divided by the cycle length, so high PWM frequencies get a
// shorter cycle (coarser duty resolution).
const (
	maxPWMClockHz = 9_600_000
	minPWMClockHz = 4_688
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins   map[int]rpio.Pin
	cycles map[int]uint32 // PWM cycle length per pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins:   make(map[int]rpio.Pin),
		cycles: make(map[int]uint32),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
		p.Low()
	default:
		return fmt.Errorf("gpio: SetupPin mode %s (use SetupPWM)", mode)
	}
	r.pins[pin] = p
	delete(r.cycles, pin)
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		// first write configures the pin
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}
	if _, pwm := r.cycles[pin]; pwm {
		return fmt.Errorf("gpio: pin %d is in PWM mode", pin)
	}

	state := rpio.Low
	if level == High {
		state = rpio.High
	}
	p.Write(state)
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}
	return p.Read() == rpio.High, nil
}

func (r *RPiDriver) SetupPWM(pin int, freq physic.Frequency) error {
	debug.GPIO("SetupPWM", pin, freq)
	if err := checkPin(pin); err != nil {
		return err
	}

	hz := int64(freq / physic.Hertz)
	if hz <= 0 {
		return fmt.Errorf("pwm frequency must be at least 1Hz, got %s", freq)
	}
	cycle, clock := pwmCycle(hz)
	if clock < minPWMClockHz || clock > maxPWMClockHz {
		return fmt.Errorf("pwm frequency %s out of range for the BCM PWM clock", freq)
	}

	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(int(clock))
	p.DutyCycle(0, cycle)

	r.pins[pin] = p
	r.cycles[pin] = cycle
	debug.Verbose("PWM pin %d: clock=%dHz cycle=%d", pin, clock, cycle)
	return nil
}

func (r *RPiDriver) WriteDuty(pin int, duty uint16) error {
	debug.GPIO("WriteDuty", pin, duty)

	cycle, ok := r.cycles[pin]
	if !ok {
		return fmt.Errorf("pin %d is not configured for PWM", pin)
	}
	scaled := (uint64(duty)*uint64(cycle) + DutyMax/2) / DutyMax
	r.pins[pin].DutyCycle(uint32(scaled), cycle)
	return nil
}

// pwmCycle picks the longest cycle (at most DutyMax) the clock allows for
// the requested output frequency and returns it with the matching clock.
func pwmCycle(hz int64) (cycle uint32, clock int64) {
	c := int64(maxPWMClockHz) / hz
	if c > DutyMax {
		c = DutyMax
	}
	if c < 2 {
		c = 2
	}
	return uint32(c), hz * c
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// cut the bridge current before the pins float
	for pin, cycle := range r.cycles {
		r.pins[pin].DutyCycle(0, cycle)
	}
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
