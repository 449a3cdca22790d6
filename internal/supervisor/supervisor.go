// Package supervisor runs the periodic control loop: sensor reads,
// safety checks, link-health-triggered resets, client/control timeouts,
// watchdog file touch, and driver ticking.
package supervisor

import (
	"context"
	"log"
	"os"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/Moomers/penguins/internal/config"
	"github.com/Moomers/penguins/internal/driver"
	"github.com/Moomers/penguins/internal/safety"
)

// Link is the subset of link.Link the supervisor needs.
type Link interface {
	IsHealthy() bool
	Reset() error
}

// Driver is the subset of driver.Driver the supervisor drives each tick.
type Driver interface {
	Tick() error
	Brake(speed float64) error
	Stop() error
	Status() driver.Status
}

// SensorReader produces a safety.Readings snapshot for one tick.
type SensorReader interface {
	ReadAll() safety.Readings
}

// ActivityTracker reports wall-clock ages the supervisor uses for the
// client/control timeout policy (spec.md §4.5 steps 4-5).
type ActivityTracker interface {
	LastClientRequestAge() time.Duration
	LastControlCommandAge() time.Duration
}

// Supervisor ties Link, Driver, SensorReader, safety.Checker, and an
// ActivityTracker together into a single periodic loop.
type Supervisor struct {
	cfg     config.MonitorConfig
	link    Link
	driver  Driver
	sensors SensorReader
	checker *safety.Checker
	tracker ActivityTracker

	resetLimiter *rate.Limiter

	lastAlerts safety.Alerts
	lastTouch  time.Time
}

// New constructs a Supervisor. resetLimiter throttles Link.Reset() calls
// to at most one per TimeBetweenResetAttempts.
func New(cfg config.MonitorConfig, link Link, drv Driver, sensors SensorReader, checker *safety.Checker, tracker ActivityTracker) *Supervisor {
	every := cfg.TimeBetweenResetAttempts
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	return &Supervisor{
		cfg:          cfg,
		link:         link,
		driver:       drv,
		sensors:      sensors,
		checker:      checker,
		tracker:      tracker,
		resetLimiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Run blocks, ticking at cfg.LoopMinInterval until ctx is cancelled.
// Matches the teacher's pollLoop shape: a ticker plus a select on
// ctx.Done() for graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.LoopMinInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Tick errors are logged only when they change, not every iteration.
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] stopping")
			return
		case <-ticker.C:
			msg := ""
			if err := s.tick(); err != nil {
				msg = err.Error()
			}
			if msg != lastErr {
				if msg != "" {
					log.Printf("[supervisor] tick error: %s", msg)
				} else {
					log.Printf("[supervisor] tick errors cleared")
				}
				lastErr = msg
			}
		}
	}
}

// tick runs one iteration of the loop, in spec.md §4.5's order: sensor
// read, safety check, link-health reset (rate-limited), client/control
// timeout enforcement, watchdog touch, driver tick. Per-step errors are
// aggregated with multierr rather than aborting the remaining steps,
// since each step is independent and the original never let one check's
// failure skip the rest.
func (s *Supervisor) tick() error {
	var errs error

	readings := s.sensors.ReadAll()
	alerts := s.checker.Check(readings)
	s.logAlertTransitions(alerts)

	if !s.link.IsHealthy() {
		if s.resetLimiter.Allow() {
			if err := s.link.Reset(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	if alerts.ShouldEstop() {
		if err := s.driver.Stop(); err != nil {
			errs = multierr.Append(errs, err)
		}
	} else if s.cfg.ClientTimeout > 0 && s.tracker.LastClientRequestAge() >= s.cfg.ClientTimeout {
		// A client that's gone silent (dropped connection, crashed) never
		// tells us to stop, so the supervisor does it (spec.md §4.5 step 4,
		// §8 scenario 5).
		if err := s.driver.Stop(); err != nil {
			errs = multierr.Append(errs, err)
		}
	} else if age := s.tracker.LastControlCommandAge(); age >= s.cfg.ControlTimeoutStop {
		if err := s.driver.Stop(); err != nil {
			errs = multierr.Append(errs, err)
		}
	} else if age >= s.cfg.ControlTimeoutBrake {
		if err := s.driver.Brake(s.cfg.TimeoutBrakeSpeed); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if err := s.touchWatchdogFile(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if err := s.driver.Tick(); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}

// touchWatchdogFile updates the mtime of cfg.FileTouchPath at most once
// per FileTouchInterval, so an external watchdog process (not part of
// this repo — see original_source/supervisor/watchdog.py) can detect a
// hung control loop.
func (s *Supervisor) touchWatchdogFile() error {
	if s.cfg.FileTouchPath == "" {
		return nil
	}
	now := time.Now()
	if !s.lastTouch.IsZero() && now.Sub(s.lastTouch) < s.cfg.FileTouchInterval {
		return nil
	}
	s.lastTouch = now
	f, err := os.OpenFile(s.cfg.FileTouchPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return os.Chtimes(s.cfg.FileTouchPath, now, now)
}

// logAlertTransitions logs only the flags that flipped since the last
// tick, following the teacher's "only log the flip" convention.
func (s *Supervisor) logAlertTransitions(a safety.Alerts) {
	if a != s.lastAlerts {
		log.Printf("[supervisor] alerts: %+v", a)
		s.lastAlerts = a
	}
}
