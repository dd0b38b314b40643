package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/microstep/internal/config"
	"github.com/cjeanneret/microstep/internal/debug"
	"github.com/cjeanneret/microstep/internal/hw/gpio"
	"github.com/cjeanneret/microstep/internal/hw/hbridge"
	"github.com/cjeanneret/microstep/internal/logic/motion"
	"github.com/cjeanneret/microstep/internal/logic/sequence"
	"github.com/cjeanneret/microstep/internal/logic/waveform"
	"github.com/cjeanneret/microstep/internal/web"
)

// options holds the command flags.
type options struct {
	cfgPath    string
	web        webPortFlag
	align      string
	spin       floatFlag
	seek       floatFlag
	rpm        float64
	dir        string
	microsteps int
	strategy   string
	pwmFreq    physic.Frequency
	inspect    bool
}

func main() {
	opts := options{web: webPortFlag{defaultPort: 8080}}
	flag.StringVar(&opts.cfgPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.Var(&opts.web, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	flag.StringVar(&opts.align, "align", "", "align the rotor on a sector boundary: cw, ccw or closest")
	flag.Var(&opts.spin, "spin", "spin this many revolutions (inf spins until interrupted)")
	flag.Var(&opts.seek, "seek", "move to this absolute angle in degrees")
	flag.Float64Var(&opts.rpm, "rpm", 0, "spin speed (0 = config default)")
	flag.StringVar(&opts.dir, "dir", "", "direction for -spin/-seek: cw, ccw or closest")
	flag.IntVar(&opts.microsteps, "microsteps", 0, "microsteps per sector, power of two (0 = config default)")
	flag.StringVar(&opts.strategy, "strategy", "", "override waveform strategy: geometric or sinusoidal")
	flag.Var(&opts.pwmFreq, "pwm-freq", "override bridge PWM frequency, e.g. 20kHz")
	flag.BoolVar(&opts.inspect, "inspect", false, "print the waveform table and its field analysis, then exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("interrupted")
			return
		}
		log.Fatalf("microstep: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cfg, opts); err != nil {
		return err
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.PrintStruct("Motor config", cfg.Motor)

	if opts.inspect {
		table, err := waveform.Build(cfg.Motor.MaxMicrosteps, cfg.Strategy())
		if err != nil {
			return err
		}
		return writeInspection(os.Stdout, table)
	}

	step, haveStep, err := buildStep(cfg, opts)
	if err != nil {
		return err
	}
	if !haveStep && opts.web.port() == 0 && cfg.Program == nil {
		return errors.New("nothing to do: give -align, -spin, -seek, -web or a program section")
	}

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing H-bridge")
	hb := cfg.HBridge()
	if opts.pwmFreq > 0 {
		hb.PWMFrequency = opts.pwmFreq
	}
	debug.PrintStruct("Bridge config", hb)
	bridge, err := hbridge.NewBridge(gpioDriver, hb)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	defer func() {
		if err := bridge.Release(); err != nil {
			log.Printf("releasing bridge failed: %v", err)
		}
	}()

	debug.Step(3, "Initializing controller")
	var (
		ctrl *motion.Controller
		srv  *web.Server
	)
	mcfg := cfg.MotionConfig()

	if port := opts.web.port(); port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		formDefaults := web.FormConfig{
			RPM:           cfg.Defaults.RPM,
			Microsteps:    cfg.Defaults.Microsteps,
			MaxMicrosteps: cfg.Motor.MaxMicrosteps,
			Direction:     cfg.Defaults.Direction,
			Strategy:      cfg.Motor.Strategy,
		}
		runMove := func(ctx context.Context, step sequence.Step) error {
			return sequence.NewSequence(ctrl).RunStep(ctx, step)
		}
		srv, err = web.NewServer(fmt.Sprintf(":%d", port), broadcaster, runMove, formDefaults)
		if err != nil {
			return err
		}
		mcfg.Observer = srv.Handlers().UpdatePosition
	}

	ctrl, err = motion.NewController(bridge, motion.SystemClock{}, mcfg)
	if err != nil {
		return fmt.Errorf("init controller: %w", err)
	}
	seq := sequence.NewSequence(ctrl)

	switch {
	case srv != nil:
		return srv.Run(ctx)
	case haveStep:
		debug.Section("Running " + step.String())
		err = seq.RunStep(ctx, step)
	default:
		program, perr := cfg.BuildProgram()
		if perr != nil {
			return perr
		}
		debug.Section("Running program")
		err = seq.Run(ctx, program)
	}

	debug.Summary("Final position: " + ctrl.Angle().String())
	return err
}

// applyFlags overrides config values with the non-empty strategy flag.
func applyFlags(cfg *config.Config, opts options) error {
	if opts.strategy != "" {
		if _, err := waveform.StrategyByName(opts.strategy); err != nil {
			return err
		}
		cfg.Motor.Strategy = opts.strategy
	}
	return nil
}

// buildStep turns the command flags into a single step. It reports false
// when no command flag was given.
func buildStep(cfg *config.Config, opts options) (sequence.Step, bool, error) {
	n := 0
	if opts.align != "" {
		n++
	}
	if opts.spin.set {
		n++
	}
	if opts.seek.set {
		n++
	}
	if n == 0 {
		return sequence.Step{}, false, nil
	}
	if n > 1 {
		return sequence.Step{}, false, errors.New("-align, -spin and -seek are mutually exclusive")
	}

	dir, err := motion.ResolveDirection(opts.dir, cfg.Defaults.Direction, opts.spin.set)
	if err != nil {
		return sequence.Step{}, false, err
	}
	rpm := opts.rpm
	if rpm == 0 {
		rpm = cfg.Defaults.RPM
	}
	micro := opts.microsteps
	if micro == 0 {
		micro = cfg.Defaults.Microsteps
	}

	var step sequence.Step
	switch {
	case opts.align != "":
		d, err := motion.ParseDirection(opts.align)
		if err != nil {
			return sequence.Step{}, false, err
		}
		step = sequence.Step{Op: sequence.OpAlign, Direction: d}
	case opts.spin.set:
		step = sequence.Step{Op: sequence.OpSpin, Revolutions: opts.spin.val, RPM: rpm, Direction: dir, Microsteps: micro}
	case opts.seek.set:
		step = sequence.Step{Op: sequence.OpSeek, Degrees: opts.seek.val, Direction: dir, Microsteps: micro}
	}

	if err := (sequence.Program{Repeat: 1, Steps: []sequence.Step{step}}).Validate(); err != nil {
		return sequence.Step{}, false, err
	}
	return step, true, nil
}

// writeInspection prints every table entry with its field analysis.
func writeInspection(w io.Writer, t *waveform.Table) error {
	samples := waveform.Analyze(t)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "index\tIA\tIB\tmagnitude\tnominal°\teffective°\terror°\t\n")
	for _, s := range samples {
		fmt.Fprintf(tw, "%d\t%+.5f\t%+.5f\t%.5f\t%.3f\t%.3f\t%+.4f\t\n",
			s.Index, s.Currents.A, s.Currents.B, s.Magnitude, s.NominalDeg, s.EffectiveDeg, s.ErrorDeg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	maxAngle, maxMag := waveform.MaxError(samples)
	_, err := fmt.Fprintf(w, "\n%s, %d microsteps: max angle error %.4f°, max magnitude error %.5f\n",
		t.Strategy().Name(), t.Microsteps(), maxAngle, maxMag)
	return err
}

// floatFlag is a float flag that remembers whether it was set.
// It accepts inf.
type floatFlag struct {
	val float64
	set bool
}

func (f *floatFlag) String() string {
	if !f.set {
		return ""
	}
	return strconv.FormatFloat(f.val, 'g', -1, 64)
}

func (f *floatFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if math.IsNaN(v) {
		return errors.New("NaN is not allowed")
	}
	f.val = v
	f.set = true
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
