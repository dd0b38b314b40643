// Package angle tracks the rotor position with fixed-point integer
// arithmetic so that unbounded rotation never accumulates floating-point
// drift.
//
// A revolution is split into SectorCount sectors (one full step each),
// numbered 1..SectorCount clockwise from the vertical. Each sector is
// split into SectorTicks ticks.
package angle

import (
	"errors"
	"fmt"
	"math"
)

const (
	// SectorCount is the number of full steps per revolution (1.8° motors).
	SectorCount = 200
	// SectorTicks is the sub-step resolution. Must be a power of two so
	// that any power-of-two microstep count divides it.
	SectorTicks = 1 << 16
	// TotalTicks is the number of ticks in a full revolution.
	TotalTicks = SectorCount * SectorTicks
	// SectorSize is the size of a sector in degrees.
	SectorSize = 360.0 / SectorCount
)

// ErrOutOfRange is returned when a sector or tick value is outside its
// valid range, or when a degree value is not a finite number.
var ErrOutOfRange = errors.New("angle out of range")

// RotorAngle is a rotor position as (sector, ticks).
// The zero value is not valid; use Zero, New or FromDegrees.
type RotorAngle struct {
	sector int // [1, SectorCount]
	ticks  int // [0, SectorTicks)
}

// New returns the angle (sector, ticks). Values are validated, never clamped.
func New(sector, ticks int) (RotorAngle, error) {
	if sector < 1 || sector > SectorCount {
		return RotorAngle{}, fmt.Errorf("%w: sector must be in [1, %d], got %d", ErrOutOfRange, SectorCount, sector)
	}
	if ticks < 0 || ticks >= SectorTicks {
		return RotorAngle{}, fmt.Errorf("%w: ticks must be in [0, %d), got %d", ErrOutOfRange, SectorTicks, ticks)
	}
	return RotorAngle{sector: sector, ticks: ticks}, nil
}

// Zero returns the reference position: sector 1, tick 0.
func Zero() RotorAngle {
	return RotorAngle{sector: 1, ticks: 0}
}

// FromDegrees quantizes an angle in degrees (clockwise from the vertical)
// to the nearest tick. Any finite value is accepted and normalized modulo 360.
func FromDegrees(deg float64) (RotorAngle, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return RotorAngle{}, fmt.Errorf("%w: degrees must be finite, got %g", ErrOutOfRange, deg)
	}

	norm := math.Mod(deg, 360)
	if norm < 0 {
		norm += 360
	}

	total := int64(math.Round(norm * TotalTicks / 360))
	if total >= TotalTicks {
		total = 0
	}

	return RotorAngle{
		sector: int(total/SectorTicks) + 1,
		ticks:  int(total % SectorTicks),
	}, nil
}

// Sector returns the sector number in [1, SectorCount].
func (a RotorAngle) Sector() int { return a.sector }

// Ticks returns the position inside the sector in [0, SectorTicks).
func (a RotorAngle) Ticks() int { return a.ticks }

// Degrees returns the angle in [0, 360).
// Display only: never feed the result back into angle arithmetic.
func (a RotorAngle) Degrees() float64 {
	return float64(a.sector-1)*SectorSize + a.SectorDegrees()
}

// SectorDegrees returns the in-sector offset in degrees. Display only.
func (a RotorAngle) SectorDegrees() float64 {
	return float64(a.ticks) * SectorSize / SectorTicks
}

// Half reports which half of its sector the rotor lies in: 1 for the
// counter-clockwise half, 2 for the clockwise half.
func (a RotorAngle) Half() int {
	if a.ticks < SectorTicks/2 {
		return 1
	}
	return 2
}

// IsAligned reports whether the rotor sits exactly on a sector boundary.
func (a RotorAngle) IsAligned() bool {
	return a.ticks == 0
}

// Quarter returns the aligned-position label (1-4) of the sector's
// counter-clockwise boundary. The electrical cycle repeats every 4 sectors.
func (a RotorAngle) Quarter() int {
	return (a.sector-1)%4 + 1
}

// MoveOneSector moves one sector in the given direction, wrapping
// 200 -> 1 clockwise and 1 -> 200 counter-clockwise. Ticks are untouched.
func (a *RotorAngle) MoveOneSector(clockwise bool) {
	a.sector = nextSector(a.sector, clockwise)
}

// RotateToSectorBoundary snaps to the nearest boundary in the given
// direction. No-op when already aligned.
func (a *RotorAngle) RotateToSectorBoundary(clockwise bool) {
	if a.ticks == 0 {
		return
	}
	if clockwise {
		a.sector = nextSector(a.sector, true)
	}
	a.ticks = 0
}

// Offset returns the absolute tick index in [0, TotalTicks).
func (a RotorAngle) Offset() int64 {
	return int64(a.sector-1)*SectorTicks + int64(a.ticks)
}

// ClockwiseTicksTo returns how many ticks a clockwise rotation from a to b
// covers, in [0, TotalTicks).
func (a RotorAngle) ClockwiseTicksTo(b RotorAngle) int64 {
	return ((b.Offset()-a.Offset())%TotalTicks + TotalTicks) % TotalTicks
}

// Equal reports whether both angles have the same sector and ticks.
func (a RotorAngle) Equal(b RotorAngle) bool {
	return a.sector == b.sector && a.ticks == b.ticks
}

func (a RotorAngle) String() string {
	return fmt.Sprintf("sector=%d ticks=%05d (%.6f°)", a.sector, a.ticks, a.Degrees())
}

func nextSector(sector int, clockwise bool) int {
	if clockwise {
		return sector%SectorCount + 1
	}
	return (sector+SectorCount-2)%SectorCount + 1
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
