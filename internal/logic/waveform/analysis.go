package waveform

import "math"

// Field returns the stator field vector produced by the currents c at
// cycle position p, in a frame where pole A1 lies on the x axis and the
// eight poles follow every 45°.
//
// A full electrical cycle turns the field by 180°, so the nominal field
// angle at p is p*180°. The field at p is the sum of the contributions of
// the two poles bracketing that angle; pole j belongs to phase A when j is
// even and to phase B when j is odd, and each phase's poles alternate
// polarity (+, -, +, -).
func Field(p float64, c Currents) (x, y float64) {
	k := int(math.Floor(p * 4))
	for _, j := range [2]int{k, k + 1} {
		current := c.A
		if j%2 != 0 {
			current = c.B
		}
		if ((j%4)+4)%4 >= 2 {
			current = -current
		}
		dir := float64(j) * math.Pi / 4
		x += current * math.Cos(dir)
		y += current * math.Sin(dir)
	}
	return x, y
}

// Sample describes the field produced by one table entry.
type Sample struct {
	Index        int
	Position     float64 // cycle position in [0, 1)
	Currents     Currents
	Magnitude    float64 // field strength, 1 is nominal
	NominalDeg   float64 // where the field should point
	EffectiveDeg float64 // where it actually points
	ErrorDeg     float64 // EffectiveDeg - NominalDeg, in (-180, 180]
}

// Analyze computes the field of every entry of t.
func Analyze(t *Table) []Sample {
	samples := make([]Sample, t.Len())
	for i := range samples {
		p := float64(i) / float64(t.Len())
		c := t.At(i)
		x, y := Field(p, c)

		nominal := p * 180
		effective := math.Atan2(y, x) * 180 / math.Pi
		if effective < 0 {
			effective += 360
		}
		diff := math.Mod(effective-nominal, 360)
		switch {
		case diff > 180:
			diff -= 360
		case diff <= -180:
			diff += 360
		}

		samples[i] = Sample{
			Index:        i,
			Position:     p,
			Currents:     c,
			Magnitude:    math.Hypot(x, y),
			NominalDeg:   nominal,
			EffectiveDeg: effective,
			ErrorDeg:     diff,
		}
	}
	return samples
}

// MaxError returns the largest absolute angular error and the largest
// deviation of the magnitude from 1 over all samples.
func MaxError(samples []Sample) (angleDeg, magnitude float64) {
	for _, s := range samples {
		angleDeg = math.Max(angleDeg, math.Abs(s.ErrorDeg))
		magnitude = math.Max(magnitude, math.Abs(s.Magnitude-1))
	}
	return angleDeg, magnitude
}
