// Package gpio abstracts the Raspberry Pi pins driving the H-bridge:
// plain digital outputs for the direction inputs and hardware PWM for
// the enable inputs.
package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/microstep/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// PinMode indicates how a pin is used.
type PinMode int

const (
	Input PinMode = iota
	Output
	PWM
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case PWM:
		return "pwm"
	}
	return fmt.Sprintf("PinMode(%d)", int(m))
}

// DutyMax is the full-scale value of a PWM duty cycle (16-bit resolution).
const DutyMax = 0xFFFF

// MaxPin is the highest BCM pin exposed on the 40-pin header.
const MaxPin = 27

// Driver controls the pins. RPiDriver talks to the hardware; MockDriver
// keeps the state in memory for development on a PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetupPWM switches pin to hardware PWM at the given frequency.
	SetupPWM(pin int, freq physic.Frequency) error
	// WriteDuty sets the duty cycle of a PWM pin, 0..DutyMax.
	WriteDuty(pin int, duty uint16) error
	Close() error
}

// NewDriver returns a MockDriver when mock is true, the go-rpio driver
// otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

func checkPin(pin int) error {
	if pin < 0 || pin > MaxPin {
		return fmt.Errorf("gpio: pin %d out of range [0, %d]", pin, MaxPin)
	}
	return nil
}

// MockDriver records pin modes, output levels and duty cycles. Writes to
// pins that were not set up in the matching mode fail, like a
// misconfigured board would misbehave.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	duties map[int]uint16
	freqs  map[int]physic.Frequency
	closed bool
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
		duties: make(map[int]uint16),
		freqs:  make(map[int]physic.Frequency),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}
	if mode != Input && mode != Output {
		return fmt.Errorf("gpio: SetupPin mode %s (use SetupPWM)", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = mode
	m.levels[pin] = Low
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode, ok := m.modes[pin]; !ok || mode != Output {
		return fmt.Errorf("gpio: pin %d is not an output", pin)
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modes[pin]; !ok {
		return Low, fmt.Errorf("gpio: pin %d not set up", pin)
	}
	return m.levels[pin], nil
}

func (m *MockDriver) SetupPWM(pin int, freq physic.Frequency) error {
	debug.GPIO("SetupPWM", pin, freq)
	if err := checkPin(pin); err != nil {
		return err
	}
	if freq < physic.Hertz {
		return fmt.Errorf("gpio: pwm frequency must be at least 1Hz, got %s", freq)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = PWM
	m.freqs[pin] = freq
	m.duties[pin] = 0
	return nil
}

func (m *MockDriver) WriteDuty(pin int, duty uint16) error {
	debug.GPIO("WriteDuty", pin, duty)
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode, ok := m.modes[pin]; !ok || mode != PWM {
		return fmt.Errorf("gpio: pin %d is not configured for PWM", pin)
	}
	m.duties[pin] = duty
	return nil
}

// Close zeroes every duty cycle.
func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	for pin := range m.duties {
		m.duties[pin] = 0
	}
	m.closed = true
	return nil
}

// Duty returns the last duty written to pin.
func (m *MockDriver) Duty(pin int) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duties[pin]
}

// Frequency returns the PWM frequency pin was set up with.
func (m *MockDriver) Frequency(pin int) physic.Frequency {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freqs[pin]
}

// Mode reports how pin was set up.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

// Closed reports whether Close was called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
