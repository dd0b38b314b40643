package motion

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/cjeanneret/microstep/internal/hw/hbridge"
	"github.com/cjeanneret/microstep/internal/logic/angle"
	"github.com/cjeanneret/microstep/internal/logic/waveform"
)

type phaseCall struct {
	phase hbridge.Phase
	ratio float64
}

// recordingActuator records phase commands.
type recordingActuator struct {
	calls []phaseCall
	err   error
}

func (r *recordingActuator) EnergizePhase(phase hbridge.Phase, ratio float64) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, phaseCall{phase, ratio})
	return nil
}

// pairs folds consecutive (A, B) calls into current pairs.
func (r *recordingActuator) pairs(t *testing.T) []waveform.Currents {
	t.Helper()
	if len(r.calls)%2 != 0 {
		t.Fatalf("odd number of phase calls: %d", len(r.calls))
	}
	out := make([]waveform.Currents, 0, len(r.calls)/2)
	for i := 0; i < len(r.calls); i += 2 {
		if r.calls[i].phase != hbridge.PhaseA || r.calls[i+1].phase != hbridge.PhaseB {
			t.Fatalf("calls %d/%d are %s/%s, want A/B", i, i+1, r.calls[i].phase, r.calls[i+1].phase)
		}
		out = append(out, waveform.Currents{A: r.calls[i].ratio, B: r.calls[i+1].ratio})
	}
	return out
}

type fakeClock struct {
	sleeps []time.Duration
}

func (f *fakeClock) Sleep(d time.Duration) { f.sleeps = append(f.sleeps, d) }

func (f *fakeClock) total() time.Duration {
	var sum time.Duration
	for _, d := range f.sleeps {
		sum += d
	}
	return sum
}

func newTestController(t *testing.T, mutate ...func(*Config)) (*Controller, *recordingActuator, *fakeClock) {
	t.Helper()
	act := &recordingActuator{}
	clk := &fakeClock{}
	cfg := Config{
		MaxMicrosteps:    16,
		MinSettlingDelay: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewController(act, clk, cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	act.calls = nil
	clk.sleeps = nil
	return c, act, clk
}

func checkAt(t *testing.T, c *Controller, sector, ticks int) {
	t.Helper()
	if a := c.Angle(); a.Sector() != sector || a.Ticks() != ticks {
		t.Errorf("angle = %s, want sector=%d ticks=%d", a, sector, ticks)
	}
}

func checkErrIs(t *testing.T, err, target error, what string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("%s: err = %v, want %v", what, err, target)
	}
}

func checkNoCalls(t *testing.T, act *recordingActuator) {
	t.Helper()
	if len(act.calls) != 0 {
		t.Errorf("expected no phase calls, got %v", act.calls)
	}
}

func TestNewController_HoldsReference(t *testing.T) {
	act := &recordingActuator{}
	c, err := NewController(act, &fakeClock{}, Config{MaxMicrosteps: 16})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if want := []phaseCall{{hbridge.PhaseA, 1}, {hbridge.PhaseB, 0}}; !slices.Equal(act.calls, want) {
		t.Errorf("init calls = %v, want %v", act.calls, want)
	}
	if !c.Angle().Equal(angle.Zero()) {
		t.Errorf("angle = %s, want zero", c.Angle())
	}
	if pos, ok := c.AlignedPosition(); !ok || pos != 1 {
		t.Errorf("AlignedPosition() = %d, %v; want 1, true", pos, ok)
	}
	if name := c.Table().Strategy().Name(); name != "geometric" {
		t.Errorf("strategy = %q, want geometric", name)
	}
}

func TestNewController_RejectsBadConfig(t *testing.T) {
	_, err := NewController(nil, nil, Config{MaxMicrosteps: 16})
	checkErrIs(t, err, ErrInvalidArgument, "nil actuator")

	for _, n := range []int{0, 3, 12, angle.SectorTicks * 2} {
		act := &recordingActuator{}
		_, err := NewController(act, nil, Config{MaxMicrosteps: n})
		checkErrIs(t, err, ErrInvalidMicrosteps, "max microsteps")
		checkNoCalls(t, act)
	}

	_, err = NewController(&recordingActuator{}, nil, Config{MaxMicrosteps: 4, MinSettlingDelay: -time.Second})
	checkErrIs(t, err, ErrInvalidArgument, "negative settling")
}

func TestNewController_ActuatorFailure(t *testing.T) {
	if _, err := NewController(&recordingActuator{err: errors.New("bus down")}, nil, Config{MaxMicrosteps: 4}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestAlignRotor_AlreadyAlignedIsNoop(t *testing.T) {
	c, act, clk := newTestController(t)

	for _, dir := range []Direction{Clockwise, CounterClockwise, Closest} {
		if err := c.AlignRotor(dir); err != nil {
			t.Fatalf("AlignRotor(%s): %v", dir, err)
		}
	}
	checkNoCalls(t, act)
	if len(clk.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", clk.sleeps)
	}
}

func TestAlignRotor_ClosestUsesHalf(t *testing.T) {
	cases := []struct {
		name      string
		degrees   float64
		sector    int
		alignment waveform.Currents
	}{
		{"first_half_goes_ccw", 0.45, 1, waveform.Currents{A: 1, B: 0}},
		{"second_half_goes_cw", 0.9, 2, waveform.Currents{A: 0, B: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, act, clk := newTestController(t)
			if err := c.SeekAngle(context.Background(), tc.degrees, Closest, 1); err != nil {
				t.Fatalf("SeekAngle: %v", err)
			}
			if c.IsAligned() {
				t.Fatal("rotor should be mid-sector")
			}
			act.calls = nil
			clk.sleeps = nil

			if err := c.AlignRotor(Closest); err != nil {
				t.Fatalf("AlignRotor: %v", err)
			}
			checkAt(t, c, tc.sector, 0)
			if got := act.pairs(t); !slices.Equal(got, []waveform.Currents{tc.alignment}) {
				t.Errorf("pairs = %v, want [%v]", got, tc.alignment)
			}
			if !slices.Equal(clk.sleeps, []time.Duration{10 * time.Millisecond}) {
				t.Errorf("sleeps = %v, want one settle", clk.sleeps)
			}
		})
	}
}

func TestAlignRotor_ExplicitDirection(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.SeekAngle(context.Background(), 360-0.45, Closest, 1); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	if c.Angle().Sector() != 200 {
		t.Fatalf("sector = %d, want 200", c.Angle().Sector())
	}

	if err := c.AlignRotor(Clockwise); err != nil {
		t.Fatalf("AlignRotor: %v", err)
	}
	checkAt(t, c, 1, 0)
	if pos, ok := c.AlignedPosition(); !ok || pos != 1 {
		t.Errorf("AlignedPosition() = %d, %v; want 1, true", pos, ok)
	}
}

func TestAlignRotor_RejectsUnknownDirection(t *testing.T) {
	c, act, _ := newTestController(t)
	checkErrIs(t, c.AlignRotor(Direction(9)), ErrInvalidArgument, "direction 9")
	checkNoCalls(t, act)
}

func TestSeekAngle_45DegreesFullSteps(t *testing.T) {
	c, act, clk := newTestController(t)

	if err := c.SeekAngle(context.Background(), 45, Closest, 1); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	checkAt(t, c, 26, 0)

	pairs := act.pairs(t)
	if len(pairs) != 25 {
		t.Fatalf("got %d pairs, want 25", len(pairs))
	}
	// clockwise full steps walk B+, A-, B-, A+ ...
	want := []waveform.Currents{{A: 0, B: 1}, {A: -1, B: 0}, {A: 0, B: -1}, {A: 1, B: 0}}
	for i, p := range pairs {
		if p != want[i%4] {
			t.Errorf("step %d: %v, want %v", i, p, want[i%4])
		}
	}
	// 25 sector waits at the settling speed, then one settle
	if len(clk.sleeps) != 26 || clk.total() != 26*10*time.Millisecond {
		t.Errorf("sleeps = %d totalling %s, want 26 totalling 260ms", len(clk.sleeps), clk.total())
	}
}

func TestSeekAngle_CounterClockwiseWraps(t *testing.T) {
	c, act, _ := newTestController(t)

	if err := c.SeekAngle(context.Background(), -1.8, CounterClockwise, 1); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	checkAt(t, c, 200, 0)
	if got := act.pairs(t); !slices.Equal(got, []waveform.Currents{{A: 0, B: -1}}) {
		t.Errorf("pairs = %v, want [{0 -1}]", got)
	}
}

func TestSeekAngle_ClosestTieGoesClockwise(t *testing.T) {
	var seen []int
	c, _, _ := newTestController(t, func(cfg *Config) {
		cfg.Observer = func(a angle.RotorAngle) { seen = append(seen, a.Sector()) }
	})
	seen = nil

	if err := c.SeekAngle(context.Background(), 180, Closest, 1); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	checkAt(t, c, 101, 0)
	if len(seen) != 100 || seen[0] != 2 {
		t.Errorf("observed %d sectors starting at %v, want 100 starting at 2", len(seen), seen[:min(1, len(seen))])
	}
}

func TestSeekAngle_ClosestPrefersShorterWay(t *testing.T) {
	var seen []int
	c, _, _ := newTestController(t, func(cfg *Config) {
		cfg.Observer = func(a angle.RotorAngle) { seen = append(seen, a.Sector()) }
	})
	seen = nil

	if err := c.SeekAngle(context.Background(), 350, Closest, 2); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	if len(seen) == 0 || seen[0] != 200 {
		t.Fatalf("first sector = %v, want 200 (counter-clockwise)", seen)
	}
	if want := int(math.Round(10/angle.SectorSize)) + 1; len(seen) != want {
		t.Errorf("observed %d positions, want %d", len(seen), want)
	}
}

func TestSeekAngle_SameAngleIsNoop(t *testing.T) {
	c, act, clk := newTestController(t)
	if err := c.SeekAngle(context.Background(), 720, Clockwise, 16); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	checkNoCalls(t, act)
	if len(clk.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", clk.sleeps)
	}
}

func TestSeekAngle_InSector(t *testing.T) {
	c, act, _ := newTestController(t)

	if err := c.SeekAngle(context.Background(), 0.9, Clockwise, 16); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}
	checkAt(t, c, 1, angle.SectorTicks/2)

	pairs := act.pairs(t)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if math.Abs(pairs[0].A-math.Cos(math.Pi/4)) > 1e-12 || math.Abs(pairs[0].B-math.Sin(math.Pi/4)) > 1e-12 {
		t.Errorf("in-sector currents = %v, want cos/sin of 45°", pairs[0])
	}
}

func TestSeekAngle_FromMidSector(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	if err := c.SeekAngle(ctx, 0.45, Closest, 4); err != nil {
		t.Fatalf("first SeekAngle: %v", err)
	}
	target, err := angle.FromDegrees(3.6 + 0.45)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SeekAngle(ctx, 3.6+0.45, Closest, 4); err != nil {
		t.Fatalf("second SeekAngle: %v", err)
	}
	if !c.Angle().Equal(target) {
		t.Errorf("angle = %s, want %s", c.Angle(), target)
	}
}

func TestSeekAngle_RejectsBadArguments(t *testing.T) {
	c, act, _ := newTestController(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		degrees float64
		dir     Direction
		micro   int
		want    error
	}{
		{"nan", math.NaN(), Closest, 1, ErrInvalidArgument},
		{"inf", math.Inf(1), Closest, 1, ErrInvalidArgument},
		{"bad_direction", 10, Direction(-1), 1, ErrInvalidArgument},
		{"micro_not_pow2", 10, Closest, 3, ErrInvalidMicrosteps},
		{"micro_above_max", 10, Closest, 32, ErrInvalidMicrosteps},
	}
	for _, tc := range cases {
		checkErrIs(t, c.SeekAngle(ctx, tc.degrees, tc.dir, tc.micro), tc.want, tc.name)
	}
	checkNoCalls(t, act)
}

func TestSpinRotor_StrideThroughTable(t *testing.T) {
	c, act, _ := newTestController(t)

	if err := c.SpinRotor(context.Background(), 1.0/200, 30, Clockwise, 4); err != nil {
		t.Fatalf("SpinRotor: %v", err)
	}

	table := c.Table()
	want := []waveform.Currents{table.At(4), table.At(8), table.At(12), table.At(16)}
	if got := act.pairs(t); !slices.Equal(got, want) {
		t.Errorf("pairs = %v, want %v", got, want)
	}
	checkAt(t, c, 2, 0)
}

func TestSpinRotor_CounterClockwiseStride(t *testing.T) {
	c, act, _ := newTestController(t)

	if err := c.SpinRotor(context.Background(), 2.0/200, 30, CounterClockwise, 2); err != nil {
		t.Fatalf("SpinRotor: %v", err)
	}

	table := c.Table()
	want := []waveform.Currents{table.At(-8), table.At(-16), table.At(-24), table.At(-32)}
	if got := act.pairs(t); !slices.Equal(got, want) {
		t.Errorf("pairs = %v, want %v", got, want)
	}
	checkAt(t, c, 199, 0)
}

func TestSpinRotor_FullRevolution(t *testing.T) {
	c, act, _ := newTestController(t, func(cfg *Config) { cfg.MinSettlingDelay = 0 })

	if err := c.SpinRotor(context.Background(), 1, 600, Clockwise, 16); err != nil {
		t.Fatalf("SpinRotor: %v", err)
	}
	if !c.Angle().Equal(angle.Zero()) {
		t.Errorf("angle = %s, want back at zero", c.Angle())
	}
	if len(act.calls) != 2*200*16 {
		t.Errorf("phase calls = %d, want %d", len(act.calls), 2*200*16)
	}
}

func TestSpinRotor_Timing(t *testing.T) {
	c, _, clk := newTestController(t, func(cfg *Config) { cfg.MinSettlingDelay = time.Millisecond })

	// 60 rpm: 5ms per sector, 4 microsteps of 1.25ms
	if err := c.SpinRotor(context.Background(), 1.0/200, 60, Clockwise, 4); err != nil {
		t.Fatalf("SpinRotor: %v", err)
	}
	want := []time.Duration{1250 * time.Microsecond, 1250 * time.Microsecond, 1250 * time.Microsecond, 1250 * time.Microsecond}
	if !slices.Equal(clk.sleeps, want) {
		t.Errorf("sleeps = %v, want %v", clk.sleeps, want)
	}
}

func TestSpinRotor_SettlingFloor(t *testing.T) {
	c, _, clk := newTestController(t)

	if err := c.SpinRotor(context.Background(), 1.0/200, 60, Clockwise, 16); err != nil {
		t.Fatalf("SpinRotor: %v", err)
	}
	if len(clk.sleeps) != 16 {
		t.Fatalf("got %d sleeps, want 16", len(clk.sleeps))
	}
	for i, d := range clk.sleeps {
		if d != 10*time.Millisecond {
			t.Errorf("sleep %d = %s, want the 10ms floor", i, d)
		}
	}
}

func TestSpinRotor_ZeroRevolutionsStillAligns(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.SeekAngle(context.Background(), 1.5, Closest, 1); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}

	if err := c.SpinRotor(context.Background(), 0, 30, CounterClockwise, 1); err != nil {
		t.Fatalf("SpinRotor: %v", err)
	}
	checkAt(t, c, 1, 0)
}

func TestSpinRotor_ForeverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	moves := 0
	c, _, _ := newTestController(t, func(cfg *Config) {
		cfg.Observer = func(angle.RotorAngle) {
			moves++
			if moves == 10 {
				cancel()
			}
		}
	})
	moves = 0

	err := c.SpinRotor(ctx, math.Inf(1), 120, Clockwise, 1)
	checkErrIs(t, err, context.Canceled, "cancelled spin")
	checkAt(t, c, 11, 0)
}

func TestSpinRotor_RejectsBadArguments(t *testing.T) {
	c, act, _ := newTestController(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		revs, rpm  float64
		dir        Direction
		microsteps int
		want       error
	}{
		{"negative_revs", -1, 30, Clockwise, 1, ErrInvalidArgument},
		{"nan_revs", math.NaN(), 30, Clockwise, 1, ErrInvalidArgument},
		{"zero_rpm", 1, 0, Clockwise, 1, ErrInvalidArgument},
		{"inf_rpm", 1, math.Inf(1), Clockwise, 1, ErrInvalidArgument},
		{"closest", 1, 30, Closest, 1, ErrInvalidArgument},
		{"zero_microsteps", 1, 30, Clockwise, 0, ErrInvalidMicrosteps},
		{"microsteps_not_pow2", 1, 30, Clockwise, 6, ErrInvalidMicrosteps},
	}
	for _, tc := range cases {
		checkErrIs(t, c.SpinRotor(ctx, tc.revs, tc.rpm, tc.dir, tc.microsteps), tc.want, tc.name)
	}
	checkNoCalls(t, act)
}

func TestSpinRotor_PropagatesActuatorError(t *testing.T) {
	c, act, _ := newTestController(t)
	act.err = errors.New("bridge fault")

	checkErrIs(t, c.SpinRotor(context.Background(), 1, 30, Clockwise, 1), act.err, "actuator failure")
	checkAt(t, c, 1, 0)
}

func TestRotateSector_RequiresAlignment(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.SeekAngle(context.Background(), 0.5, Closest, 1); err != nil {
		t.Fatalf("SeekAngle: %v", err)
	}

	checkErrIs(t, c.rotateSector(true, time.Millisecond, 1), ErrNotAligned, "rotateSector")
	checkErrIs(t, c.rotateSectors(context.Background(), 1, false, true, time.Millisecond, 1), ErrNotAligned, "rotateSectors")
}

func TestRotateInSector_RequiresSameSector(t *testing.T) {
	c, act, _ := newTestController(t)
	target, err := angle.New(3, 100)
	if err != nil {
		t.Fatal(err)
	}

	checkErrIs(t, c.rotateInSector(target), ErrWrongSector, "other sector")
	checkNoCalls(t, act)
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"cw": Clockwise, "CW": Clockwise, "clockwise": Clockwise,
		"ccw": CounterClockwise, "counterclockwise": CounterClockwise,
		"closest": Closest, "": Closest,
	}
	for in, want := range cases {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %s, %v; want %s", in, got, err, want)
		}
	}

	_, err := ParseDirection("up")
	checkErrIs(t, err, ErrInvalidArgument, "up")
	if CounterClockwise.String() != "ccw" {
		t.Errorf("String() = %q, want ccw", CounterClockwise.String())
	}
}

func TestResolveDirection(t *testing.T) {
	cases := []struct {
		name          string
		explicit, def string
		spin          bool
		want          Direction
	}{
		{"explicit_wins", "ccw", "cw", false, CounterClockwise},
		{"default_used", "", "ccw", false, CounterClockwise},
		{"seek_keeps_closest", "", "closest", false, Closest},
		{"spin_closest_default_is_cw", "", "closest", true, Clockwise},
		{"spin_explicit_closest_kept", "closest", "cw", true, Closest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveDirection(tc.explicit, tc.def, tc.spin)
			if err != nil || got != tc.want {
				t.Errorf("ResolveDirection(%q, %q, %v) = %s, %v; want %s", tc.explicit, tc.def, tc.spin, got, err, tc.want)
			}
		})
	}

	_, err := ResolveDirection("", "sideways", false)
	checkErrIs(t, err, ErrInvalidArgument, "bad default")
}
