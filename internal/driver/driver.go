// Package driver implements the differential-drive speed controller:
// target/last speed tracking, acceleration and braking limits, and wire
// command emission, carried over field-for-field from the Sabertooth
// motor controller driver this spec was distilled from.
package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Moomers/penguins/internal/config"
)

// ErrParameter is returned when a requested speed/brake value violates
// the configured limits.
var ErrParameter = errors.New("driver: parameter out of range")

// ErrStopped is returned by SetSpeed when the driver is emergency-stopped.
var ErrStopped = errors.New("driver: stopped")

// Motor selects which side(s) a SetSpeed call targets.
type Motor int

const (
	Both Motor = iota
	Left
	Right
)

// Sender is the minimal link surface Driver needs to emit wire commands.
type Sender interface {
	Send(cmd string) error
}

// Status reports the full field set the original sabertooth driver
// exposed: target/last speeds per side, last update time, braking speed.
type Status struct {
	TargetLeft, TargetRight   float64
	LastLeft, LastRight       float64
	LastSpeedUpdate           time.Time
	BrakingSpeed              float64
	Stopped                   bool
}

// Driver is the differential-drive speed state machine.
type Driver struct {
	cfg  config.DriverConfig
	link Sender

	mu sync.Mutex

	targetLeft, targetRight float64
	lastLeft, lastRight     float64
	brakingSpeed            float64
	lastUpdate              time.Time
	stopped                 bool
}

// New constructs a Driver bound to link for wire command emission.
func New(cfg config.DriverConfig, link Sender) *Driver {
	return &Driver{cfg: cfg, link: link}
}

func validateParameter(name string, value, min, max float64) error {
	if value < min || value > max {
		return fmt.Errorf("%w: %s=%v out of [%v,%v]", ErrParameter, name, value, min, max)
	}
	return nil
}

// Go clears the emergency stop flag, sends the "G" wire command, and
// resets both targets to zero.
func (d *Driver) Go() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
	if err := d.link.Send("G"); err != nil {
		return err
	}
	d.targetLeft, d.targetRight = 0, 0
	return nil
}

// Stop sends the "X" (full stop) wire command and zeroes both targets
// and the braking speed.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if err := d.link.Send("X"); err != nil {
		return err
	}
	d.targetLeft, d.targetRight = 0, 0
	d.brakingSpeed = 0
	return nil
}

// Brake sets both targets to zero and arms a braking speed cap, which
// Tick uses in place of the acceleration limit while decelerating.
func (d *Driver) Brake(speed float64) error {
	if err := validateParameter("brake", speed, 0, d.cfg.MaxBraking); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetLeft, d.targetRight = 0, 0
	d.brakingSpeed = speed
	return nil
}

// SetSpeed validates and installs new target speeds for the given
// motor(s), rejecting the request if the driver is emergency-stopped.
// speed and turn bias follow the original: |speed| <= max_speed and
// |left-right| <= max_turn_speed.
func (d *Driver) SetSpeed(speed float64, motor Motor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}

	newLeft, newRight := d.targetLeft, d.targetRight
	switch motor {
	case Both:
		newLeft, newRight = speed, speed
	case Left:
		newLeft = speed
	case Right:
		newRight = speed
	}

	if err := validateParameter("speed", speed, -d.cfg.MaxSpeed, d.cfg.MaxSpeed); err != nil {
		return err
	}
	if diff := newLeft - newRight; diff > d.cfg.MaxTurnSpeed || diff < -d.cfg.MaxTurnSpeed {
		return fmt.Errorf("%w: turn bias %v exceeds max_turn_speed %v", ErrParameter, diff, d.cfg.MaxTurnSpeed)
	}

	d.brakingSpeed = 0
	d.targetLeft, d.targetRight = newLeft, newRight
	return nil
}

// Tick advances last speeds toward targets by at most one acceleration
// or braking step, applies per-side trim and the overall speed_adjust,
// snaps to zero when the trimmed output would fall below min_speed, and
// emits the wire command "V<right>,<left>" — the original's field order,
// kept as a documented hardware quirk.
//
// Rate-limited to min_update_interval; calling Tick more often than that
// is a no-op.
func (d *Driver) Tick() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if !d.lastUpdate.IsZero() && now.Sub(d.lastUpdate).Seconds() < d.cfg.MinUpdateInterval {
		return nil
	}
	if d.targetLeft == d.lastLeft && d.targetRight == d.lastRight {
		return nil
	}

	targets := [2]float64{d.targetLeft, d.targetRight}
	lasts := [2]float64{d.lastLeft, d.lastRight}
	adjusts := [2]float64{d.cfg.LeftSpeedAdjust, d.cfg.RightSpeedAdjust}
	var toSend [2]float64 // [0]=left, [1]=right

	for i := 0; i < 2; i++ {
		target, last := targets[i], lasts[i]

		maxDiff := d.cfg.MaxAcceleration
		if d.brakingSpeed > 0 && absF(target) < absF(last) {
			maxDiff = d.brakingSpeed
		}

		diff := target - last
		if diff > maxDiff {
			diff = maxDiff
		} else if diff < -maxDiff {
			diff = -maxDiff
		}

		lasts[i] = last + diff
		toSend[i] = lasts[i] * adjusts[i] * d.cfg.SpeedAdjust
	}

	for i := 0; i < 2; i++ {
		if absF(toSend[i]) < d.cfg.MinSpeed {
			lasts[i] = targets[i]
			toSend[i] = 0
		}
	}

	d.lastLeft, d.lastRight = lasts[0], lasts[1]

	d.lastUpdate = now
	cmd := fmt.Sprintf("V%d,%d", convertSpeed(toSend[1]), convertSpeed(toSend[0]))
	return d.link.Send(cmd)
}

// convertSpeed maps a percent speed in [-100,100] to the Sabertooth's
// signed 63-unit range.
func convertSpeed(percent float64) int {
	return int(percent * 63 / 100)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Status returns the current driver state, matching the field set the
// original sabertooth driver's "status" property exposed.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		TargetLeft:      d.targetLeft,
		TargetRight:     d.targetRight,
		LastLeft:        d.lastLeft,
		LastRight:       d.lastRight,
		LastSpeedUpdate: d.lastUpdate,
		BrakingSpeed:    d.brakingSpeed,
		Stopped:         d.stopped,
	}
}
