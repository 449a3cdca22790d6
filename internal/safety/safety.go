// Package safety evaluates hysteretic alert flags from sensor readings,
// each with distinct set/clear thresholds so a reading hovering near one
// boundary doesn't chatter between states.
package safety

import (
	"math"

	"github.com/Moomers/penguins/internal/config"
)

// Alerts holds the current value of every hysteretic flag (spec.md §4.4):
// driver and battery each get a warn/estop pair, sonar and encoder are
// each a single flag combining both sides.
type Alerts struct {
	DriverOvertempWarn  bool
	DriverOvertempEstop bool
	BatteryWarn         bool
	BatteryEstop        bool
	SonarWarn           bool
	EncoderWarn         bool
}

// ShouldEstop reports whether any estop-level alert is currently set.
func (a Alerts) ShouldEstop() bool {
	return a.DriverOvertempEstop || a.BatteryEstop
}

// Readings bundles the sensor values a single Check pass needs. A nil
// field means that sensor produced no new reading this pass (not yet
// read, or link unhealthy); per spec.md §4.4 a missing reading is "no
// new information" and the flags it feeds keep their prior value rather
// than being treated as zero or as an error.
type Readings struct {
	DriverTemperatureC *float64
	BatteryMilliVolts  *float64
	SonarLeftInches    *float64
	SonarRightInches   *float64
	EncoderLeftRPM     *float64
	EncoderRightRPM    *float64
}

// Checker evaluates Alerts from the latest sensor readings, remembering
// the previous result so each flag only flips at its own threshold (set
// at the warn/estop boundary, cleared only once back past the safe
// boundary) rather than chattering around a single value.
type Checker struct {
	cfg   config.SafetyConfig
	prior Alerts
}

// New builds a Checker with all flags initially clear.
func New(cfg config.SafetyConfig) *Checker {
	return &Checker{cfg: cfg}
}

// Check evaluates one pass of readings against the configured thresholds
// and returns the updated Alerts, which also becomes the new prior state.
// Flags fed by a missing reading are carried over unchanged.
func (c *Checker) Check(r Readings) Alerts {
	a := c.prior

	if r.DriverTemperatureC != nil {
		t := *r.DriverTemperatureC
		a.DriverOvertempWarn = hysteresis(c.prior.DriverOvertempWarn, t, c.cfg.DriverWarnTemperature, c.cfg.DriverSafeTemperature)
		// Both warn and estop clear against the same safe floor — crossing
		// back below warn is not enough to release an active estop.
		a.DriverOvertempEstop = hysteresis(c.prior.DriverOvertempEstop, t, c.cfg.DriverEstopTemperature, c.cfg.DriverSafeTemperature)
	}

	if r.BatteryMilliVolts != nil {
		v := *r.BatteryMilliVolts
		a.BatteryWarn = hysteresisBelow(c.prior.BatteryWarn, v, c.cfg.BatteryWarnVoltage, c.cfg.BatterySafeVoltage)
		a.BatteryEstop = hysteresisBelow(c.prior.BatteryEstop, v, c.cfg.BatteryEstopVoltage, c.cfg.BatterySafeVoltage)
	}

	if r.SonarLeftInches != nil && r.SonarRightInches != nil {
		a.SonarWarn = sonarHysteresis(c.prior.SonarWarn, *r.SonarLeftInches, *r.SonarRightInches,
			float64(c.cfg.SonarWarnDistance), float64(c.cfg.SonarSafeDistance))
	}

	if r.EncoderLeftRPM != nil && r.EncoderRightRPM != nil {
		delta := math.Abs(*r.EncoderLeftRPM - *r.EncoderRightRPM)
		a.EncoderWarn = hysteresis(c.prior.EncoderWarn, delta, c.cfg.EncoderWarnDelta, c.cfg.EncoderSafeDelta)
	}

	c.prior = a
	return a
}

// hysteresis implements a "high trips, low clears" flag: once set, it
// stays set until the value drops back to or below clearAt; while clear,
// it only sets once the value reaches or exceeds setAt.
func hysteresis(wasSet bool, value, setAt, clearAt float64) bool {
	if wasSet {
		return value > clearAt
	}
	return value >= setAt
}

// hysteresisBelow is the mirror of hysteresis for alerts that trip when
// a value falls below a floor (voltage): once set, it stays set until
// the value rises back to or above clearAt; while clear, it only sets
// once the value drops to or below setAt.
func hysteresisBelow(wasSet bool, value, setAt, clearAt float64) bool {
	if wasSet {
		return value < clearAt
	}
	return value <= setAt
}

// sonarHysteresis combines both sonar channels into the single sonar_warn
// flag: it sets once the farther reading (the max of the two, since sonar
// reports distance) closes to warnAt or less, i.e. both channels are
// within warn distance, and only clears once the nearer reading (the min
// of the two) opens back out to safeAt or more.
func sonarHysteresis(wasSet bool, left, right, warnAt, safeAt float64) bool {
	if wasSet {
		return math.Min(left, right) < safeAt
	}
	return math.Max(left, right) <= warnAt
}
