package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/microstep/internal/hw/hbridge"
	"github.com/cjeanneret/microstep/internal/logic/angle"
	"github.com/cjeanneret/microstep/internal/logic/motion"
	"github.com/cjeanneret/microstep/internal/logic/sequence"
	"github.com/cjeanneret/microstep/internal/logic/waveform"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ConfigDir is the only directory configuration files are read from.
const ConfigDir = "configs"

// BridgeConfig holds the H-bridge wiring (BCM numbering).
type BridgeConfig struct {
	AIn1         int    `yaml:"ain1"`
	AIn2         int    `yaml:"ain2"`
	PWMA         int    `yaml:"pwma"`
	BIn1         int    `yaml:"bin1"`
	BIn2         int    `yaml:"bin2"`
	PWMB         int    `yaml:"pwmb"`
	PWMFrequency string `yaml:"pwm_frequency"` // e.g. "25kHz"
}

// MotorConfig describes the waveform and timing of the motor.
type MotorConfig struct {
	MaxMicrosteps      int    `yaml:"max_microsteps"`        // table resolution, power of two
	MinSettlingDelayMs *int   `yaml:"min_settling_delay_ms"` // floor for every microstep wait; 0 disables it
	Strategy           string `yaml:"strategy"`              // geometric | sinusoidal
}

// DefaultsConfig contains the values used when a command leaves them out.
type DefaultsConfig struct {
	RPM        float64 `yaml:"rpm"`
	Microsteps int     `yaml:"microsteps"`
	Direction  string  `yaml:"direction"`   // cw | ccw | closest
	DebugLevel int     `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool    `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// StepConfig is one program step as written in YAML.
type StepConfig struct {
	Op          string  `yaml:"op"` // align | spin | seek | pause
	Revolutions float64 `yaml:"revolutions"`
	Continuous  bool    `yaml:"continuous"` // spin until interrupted
	RPM         float64 `yaml:"rpm"`
	Degrees     float64 `yaml:"degrees"`
	Direction   string  `yaml:"direction"`
	Microsteps  int     `yaml:"microsteps"`
	PauseMs     int     `yaml:"pause_ms"`
}

// ProgramConfig is the motion program run when no command is given.
type ProgramConfig struct {
	Repeat int          `yaml:"repeat"` // 0 = forever
	Steps  []StepConfig `yaml:"steps"`
}

// Config aggregates all application configuration.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Motor    MotorConfig    `yaml:"motor"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Program  *ProgramConfig `yaml:"program,omitempty"` // optional

	pwmFrequency physic.Frequency
}

// ValidateConfigPath accepts only *.yaml files directly inside a
// configs/ directory, after cleaning the path.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != ConfigDir {
		return fmt.Errorf("config path %q must be inside a %s/ directory", path, ConfigDir)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate fills defaults, then checks every section.
func (c *Config) validate() error {
	// Bridge
	pins := map[string]int{
		"ain1": c.Bridge.AIn1, "ain2": c.Bridge.AIn2, "pwma": c.Bridge.PWMA,
		"bin1": c.Bridge.BIn1, "bin2": c.Bridge.BIn2, "pwmb": c.Bridge.PWMB,
	}
	seen := make(map[int]string, len(pins))
	for name, pin := range pins {
		if pin <= 0 || pin > 27 {
			return fmt.Errorf("bridge.%s must be a BCM pin in [1, 27], got %d", name, pin)
		}
		if other, dup := seen[pin]; dup {
			return fmt.Errorf("bridge.%s and bridge.%s share pin %d", name, other, pin)
		}
		seen[pin] = name
	}
	if c.Bridge.PWMFrequency == "" {
		c.pwmFrequency = hbridge.DefaultPWMFrequency
		c.Bridge.PWMFrequency = c.pwmFrequency.String()
	} else {
		var f physic.Frequency
		if err := f.Set(c.Bridge.PWMFrequency); err != nil {
			return fmt.Errorf("bridge.pwm_frequency: %w", err)
		}
		if f <= 0 {
			return fmt.Errorf("bridge.pwm_frequency must be > 0, got %s", f)
		}
		c.pwmFrequency = f
	}

	// Motor
	if c.Motor.MaxMicrosteps == 0 {
		c.Motor.MaxMicrosteps = 16
	}
	if !angle.IsPowerOfTwo(c.Motor.MaxMicrosteps) || c.Motor.MaxMicrosteps > angle.SectorTicks {
		return fmt.Errorf("motor.max_microsteps must be a power of two in [1, %d], got %d",
			angle.SectorTicks, c.Motor.MaxMicrosteps)
	}
	if c.Motor.MinSettlingDelayMs == nil {
		ms := int(motion.DefaultMinSettlingDelay / time.Millisecond)
		c.Motor.MinSettlingDelayMs = &ms
	}
	if *c.Motor.MinSettlingDelayMs < 0 {
		return fmt.Errorf("motor.min_settling_delay_ms must be >= 0, got %d", *c.Motor.MinSettlingDelayMs)
	}
	if c.Motor.Strategy == "" {
		c.Motor.Strategy = "geometric"
	}
	if _, err := waveform.StrategyByName(c.Motor.Strategy); err != nil {
		return fmt.Errorf("motor.strategy: %w", err)
	}

	// Defaults
	if c.Defaults.RPM == 0 {
		c.Defaults.RPM = 30
	}
	if c.Defaults.RPM < 0 || math.IsInf(c.Defaults.RPM, 0) || math.IsNaN(c.Defaults.RPM) {
		return fmt.Errorf("defaults.rpm must be > 0, got %g", c.Defaults.RPM)
	}
	if c.Defaults.Microsteps == 0 {
		c.Defaults.Microsteps = c.Motor.MaxMicrosteps
	}
	if err := c.checkMicrosteps("defaults.microsteps", c.Defaults.Microsteps); err != nil {
		return err
	}
	if c.Defaults.Direction == "" {
		c.Defaults.Direction = motion.Closest.String()
	}
	if _, err := motion.ParseDirection(c.Defaults.Direction); err != nil {
		return fmt.Errorf("defaults.direction: %w", err)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	// Program
	if c.Program != nil {
		if _, err := c.BuildProgram(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) checkMicrosteps(field string, n int) error {
	if !angle.IsPowerOfTwo(n) || n > c.Motor.MaxMicrosteps {
		return fmt.Errorf("%s must be a power of two <= motor.max_microsteps (%d), got %d",
			field, c.Motor.MaxMicrosteps, n)
	}
	return nil
}

// HBridge returns the H-bridge wiring for hbridge.NewBridge.
func (c *Config) HBridge() hbridge.Config {
	return hbridge.Config{
		AIn1: c.Bridge.AIn1, AIn2: c.Bridge.AIn2, PWMA: c.Bridge.PWMA,
		BIn1: c.Bridge.BIn1, BIn2: c.Bridge.BIn2, PWMB: c.Bridge.PWMB,
		PWMFrequency: c.PWMFrequency(),
	}
}

// PWMFrequency returns the parsed bridge PWM frequency.
func (c *Config) PWMFrequency() physic.Frequency {
	if c.pwmFrequency == 0 {
		return hbridge.DefaultPWMFrequency
	}
	return c.pwmFrequency
}

// MinSettlingDelay returns the minimum wait per microstep.
// Unset means motion.DefaultMinSettlingDelay.
func (c *Config) MinSettlingDelay() time.Duration {
	if c.Motor.MinSettlingDelayMs == nil {
		return motion.DefaultMinSettlingDelay
	}
	return time.Duration(*c.Motor.MinSettlingDelayMs) * time.Millisecond
}

// Strategy returns the configured waveform strategy.
func (c *Config) Strategy() waveform.Strategy {
	s, err := waveform.StrategyByName(c.Motor.Strategy)
	if err != nil {
		return waveform.Geometric{}
	}
	return s
}

// Direction returns the default direction.
func (c *Config) Direction() motion.Direction {
	d, err := motion.ParseDirection(c.Defaults.Direction)
	if err != nil {
		return motion.Closest
	}
	return d
}

// MotionConfig returns the controller parameters. The observer is left
// for the caller to set.
func (c *Config) MotionConfig() motion.Config {
	return motion.Config{
		MaxMicrosteps:    c.Motor.MaxMicrosteps,
		Strategy:         c.Strategy(),
		MinSettlingDelay: c.MinSettlingDelay(),
	}
}

// PauseFor returns the wait after a step. A pause step without pause_ms
// waits one second.
func (c *Config) PauseFor(step StepConfig) time.Duration {
	if step.PauseMs <= 0 && strings.EqualFold(step.Op, string(sequence.OpPause)) {
		return time.Second
	}
	if step.PauseMs <= 0 {
		return 0
	}
	return time.Duration(step.PauseMs) * time.Millisecond
}

// BuildProgram resolves the program section against the defaults.
// A missing program section yields an error.
func (c *Config) BuildProgram() (sequence.Program, error) {
	if c.Program == nil {
		return sequence.Program{}, errors.New("no program configured")
	}

	p := sequence.Program{Repeat: c.Program.Repeat}
	for i, sc := range c.Program.Steps {
		field := fmt.Sprintf("program.steps[%d]", i)

		op := sequence.Op(strings.ToLower(sc.Op))
		dir, err := motion.ResolveDirection(sc.Direction, c.Defaults.Direction, op == sequence.OpSpin)
		if err != nil {
			return sequence.Program{}, fmt.Errorf("%s.direction: %w", field, err)
		}
		micro := sc.Microsteps
		if micro == 0 {
			micro = c.Defaults.Microsteps
		}
		rpm := sc.RPM
		if rpm == 0 {
			rpm = c.Defaults.RPM
		}

		step := sequence.Step{
			Op:          op,
			Revolutions: sc.Revolutions,
			RPM:         rpm,
			Degrees:     sc.Degrees,
			Direction:   dir,
			Microsteps:  micro,
			Pause:       c.PauseFor(sc),
		}
		if sc.Continuous {
			step.Revolutions = math.Inf(1)
		}
		if step.Op == sequence.OpSpin || step.Op == sequence.OpSeek {
			if err := c.checkMicrosteps(field+".microsteps", micro); err != nil {
				return sequence.Program{}, err
			}
		}
		p.Steps = append(p.Steps, step)
	}

	if err := p.Validate(); err != nil {
		return sequence.Program{}, fmt.Errorf("program: %w", err)
	}
	return p, nil
}
