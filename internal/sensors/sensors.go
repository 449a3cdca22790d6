// Package sensors provides typed, smoothed accessors over raw link
// readings: voltage, temperature, sonar distance, and encoder RPM.
package sensors

import (
	"time"

	"github.com/Moomers/penguins/internal/config"
	"github.com/Moomers/penguins/internal/link"
)

// Source is the minimal surface sensors need from the link layer.
type Source interface {
	Reading(name string) (link.Reading, bool)
}

// Status is the named, unit-tagged value a sensor reports for the
// client-facing status command (original_source/server/server.py's
// per-sensor {name, value, units} list).
type Status struct {
	Value float64
	Units string
}

// Sensor is the common interface implemented by all sensor types.
type Sensor interface {
	Name() string
	Read() (Status, bool)
}

// runningMean keeps the last N raw samples and reports their mean,
// matching the smoothing the original's VoltageSensor/TemperatureSensor
// imply via repeated polling at high frequency.
type runningMean struct {
	samples []float64
	size    int
	next    int
	filled  bool
}

func newRunningMean(size int) *runningMean {
	if size < 1 {
		size = 1
	}
	return &runningMean{samples: make([]float64, size), size: size}
}

func (m *runningMean) add(v float64) float64 {
	m.samples[m.next] = v
	m.next = (m.next + 1) % m.size
	if m.next == 0 {
		m.filled = true
	}
	n := m.size
	if !m.filled {
		n = m.next
		if n == 0 {
			n = 1
		}
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += m.samples[i]
	}
	return sum / float64(n)
}

// VoltageSensor converts a raw ADC reading to millivolts via the
// resistor-divider ratio (R1+R2)/R2, smoothed over a running mean.
type VoltageSensor struct {
	name    string
	rawKey  string
	src     Source
	ratio   float64
	mean    *runningMean
}

// NewVoltageSensor builds a VoltageSensor reading raw key rawKey from src.
func NewVoltageSensor(name, rawKey string, src Source, cfg config.SensorConfig) *VoltageSensor {
	return &VoltageSensor{
		name:   name,
		rawKey: rawKey,
		src:    src,
		ratio:  (cfg.BatteryR1 + cfg.BatteryR2) / cfg.BatteryR2,
		mean:   newRunningMean(cfg.RunningMeanSamples),
	}
}

func (s *VoltageSensor) Name() string { return s.name }

// Read returns the smoothed millivolt value: ratio * raw * 5000 / 1023.
func (s *VoltageSensor) Read() (Status, bool) {
	r, ok := s.src.Reading(s.rawKey)
	if !ok {
		return Status{}, false
	}
	mv := s.ratio * r.Value * 5000 / 1023
	return Status{Value: s.mean.add(mv), Units: "mV"}, true
}

// ScalingFunc converts a millivolt reading into a physical temperature.
// Defaults to the TMP36 transfer function (mV-500)/10.
type ScalingFunc func(mv float64) float64

func tmp36(mv float64) float64 { return (mv - 500) / 10 }

// TemperatureSensor converts a raw ADC reading to millivolts, then to
// degrees Celsius via a pluggable scaling function, smoothed over a
// running mean.
type TemperatureSensor struct {
	name   string
	rawKey string
	src    Source
	scale  ScalingFunc
	mean   *runningMean
}

// NewTemperatureSensor builds a TemperatureSensor using the TMP36 scaling
// function by default.
func NewTemperatureSensor(name, rawKey string, src Source, cfg config.SensorConfig) *TemperatureSensor {
	return &TemperatureSensor{
		name:   name,
		rawKey: rawKey,
		src:    src,
		scale:  tmp36,
		mean:   newRunningMean(cfg.RunningMeanSamples),
	}
}

// WithScalingFunc overrides the default TMP36 transfer function.
func (s *TemperatureSensor) WithScalingFunc(f ScalingFunc) *TemperatureSensor {
	s.scale = f
	return s
}

func (s *TemperatureSensor) Name() string { return s.name }

func (s *TemperatureSensor) Read() (Status, bool) {
	r, ok := s.src.Reading(s.rawKey)
	if !ok {
		return Status{}, false
	}
	mv := r.Value * (5000.0 / 1023.0)
	c := s.scale(mv)
	return Status{Value: s.mean.add(c), Units: "C"}, true
}

// Sonar reports a raw distance reading directly in inches, unsmoothed
// (matching the original's int(raw) passthrough).
type Sonar struct {
	name   string
	rawKey string
	src    Source
}

// NewSonar builds a Sonar reading raw key rawKey from src.
func NewSonar(name, rawKey string, src Source) *Sonar {
	return &Sonar{name: name, rawKey: rawKey, src: src}
}

func (s *Sonar) Name() string { return s.name }

func (s *Sonar) Read() (Status, bool) {
	r, ok := s.src.Reading(s.rawKey)
	if !ok {
		return Status{}, false
	}
	return Status{Value: float64(int(r.Value)), Units: `"`}, true
}

// encoderSample is one raw pulse-count sample within the trailing window.
type encoderSample struct {
	at    time.Time
	count float64
}

// Encoder computes RPM from the rate of change of a monotonically
// non-decreasing pulse counter over a trailing time window. Assumes the
// wire counter never wraps (see DESIGN.md Open Question 1); a sample
// lower than the last stored one is treated as a wire glitch and dropped.
type Encoder struct {
	name    string
	rawKey  string
	src     Source
	magnets int
	window  time.Duration

	readings []encoderSample
}

// NewEncoder builds an Encoder reading raw key rawKey from src.
func NewEncoder(name, rawKey string, src Source, cfg config.SensorConfig) *Encoder {
	return &Encoder{
		name:    name,
		rawKey:  rawKey,
		src:     src,
		magnets: cfg.EncoderMagnets,
		window:  cfg.EncoderWindow,
	}
}

func (e *Encoder) Name() string { return e.name }

// Read appends the latest raw count (if its timestamp is newer than the
// last stored sample's and its count is not lower), prunes samples older
// than window, and returns RPM computed
// from the oldest and newest samples remaining: rpm =
// ((last.count-first.count)/magnets) * (60/(last.ts-first.ts)).
func (e *Encoder) Read() (Status, bool) {
	r, ok := e.src.Reading(e.rawKey)
	if !ok {
		return Status{}, false
	}

	if len(e.readings) == 0 {
		e.readings = append(e.readings, encoderSample{at: r.Timestamp, count: r.Value})
	} else if last := e.readings[len(e.readings)-1]; r.Timestamp.After(last.at) && r.Value >= last.count {
		e.readings = append(e.readings, encoderSample{at: r.Timestamp, count: r.Value})
	}
	// A count lower than the last stored one is a wire glitch or counter
	// reset and is dropped, as is a repeat of an already-stored timestamp.

	cutoff := r.Timestamp.Add(-e.window)
	pruned := e.readings[:0]
	for _, s := range e.readings {
		if s.at.After(cutoff) {
			pruned = append(pruned, s)
		}
	}
	e.readings = pruned

	if len(e.readings) < 2 {
		return Status{Value: 0, Units: "RPM"}, true
	}

	first := e.readings[0]
	last := e.readings[len(e.readings)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return Status{Value: 0, Units: "RPM"}, true
	}
	pulses := last.count - first.count
	rpm := (pulses / float64(e.magnets)) * (60 / dt)
	return Status{Value: rpm, Units: "RPM"}, true
}
