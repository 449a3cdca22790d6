// Package robot composes Link, Driver, and Sensors behind a single
// exclusive-control surface for the network layer: a
// non-blocking control_lock guarding command dispatch, and a
// longer-lived controller_lease token identifying which client is
// currently authorized to drive.
package robot

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Moomers/penguins/internal/driver"
	"github.com/Moomers/penguins/internal/link"
	"github.com/Moomers/penguins/internal/safety"
	"github.com/Moomers/penguins/internal/sensors"
)

// ErrBusy is returned when a command cannot acquire the non-blocking
// control lock because another command is already in flight.
var ErrBusy = errors.New("robot: busy")

// ErrUnauthorized is returned when a command is issued without holding
// the current controller lease.
var ErrUnauthorized = errors.New("robot: unauthorized")

// Link is the subset of link.Link the Robot needs directly (beyond what
// it hands to Driver/Sensors/Supervisor).
type Link interface {
	State() *link.State
	IsHealthy() bool
	Reset() error
}

// Status aggregates every subsystem's status for the client-facing
// status command (original_source/server/server.py's status dispatch).
type Status struct {
	Driver  driver.Status
	Link    link.State
	Sensors map[string]sensors.Status
	ClientAge float64 // seconds since the last client request, per monitor.py's "client_age"
}

// Robot holds Link, Driver, and named Sensors behind an exclusive control
// surface. It does not hold the safety.Checker or the Supervisor: those
// are built separately and use the Robot as their SensorReader and
// ActivityTracker.
type Robot struct {
	link    Link
	drv     *driver.Driver
	sensorList map[string]sensors.Sensor

	controlLock sync.Mutex // non-blocking: always used via TryLock

	leaseMu    sync.Mutex
	leaseToken string

	lastClientRequest  time.Time
	lastControlCommand time.Time
}

// New constructs a Robot over an already-wired Link, Driver, and named
// sensor map (name -> Sensor, per original_source/server/server.py's
// sensor_list).
func New(l Link, drv *driver.Driver, sensorList map[string]sensors.Sensor) *Robot {
	return &Robot{link: l, drv: drv, sensorList: sensorList}
}

// BecomeController mints a new controller lease, displacing any
// previous holder, and returns its token. Grounded on
// original_source/client/client.py's become_controller() / "control" RPC;
// the lease itself is this spec's own addition over the original, which
// had no exclusivity at all.
func (r *Robot) BecomeController() string {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	r.leaseToken = uuid.NewString()
	return r.leaseToken
}

// checkLease returns ErrUnauthorized if token does not match the current
// lease holder (or no lease has ever been issued).
func (r *Robot) checkLease(token string) error {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.leaseToken == "" || token != r.leaseToken {
		return ErrUnauthorized
	}
	return nil
}

// ReleaseController clears the current lease if held by token, e.g. on
// client disconnect.
func (r *Robot) ReleaseController(token string) {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.leaseToken == token {
		r.leaseToken = ""
	}
}

// withControlLock runs fn only if the non-blocking control lock can be
// acquired immediately, returning ErrBusy otherwise. This guards against
// overlapping command dispatch without ever blocking a caller, matching
// spec.md §5's control_lock semantics (distinct from the longer-lived
// controller_lease).
func (r *Robot) withControlLock(fn func() error) error {
	if !r.controlLock.TryLock() {
		return ErrBusy
	}
	defer r.controlLock.Unlock()
	return fn()
}

// Go dispatches Driver.Go() under the control lock, authorized by token.
func (r *Robot) Go(token string) error {
	if err := r.checkLease(token); err != nil {
		return err
	}
	r.lastControlCommand = time.Now()
	return r.withControlLock(r.drv.Go)
}

// Stop dispatches Driver.Stop() under the control lock. Unlike Go/Brake/
// SetSpeed, Stop requires no lease: any client, or the supervisor on
// disconnect/timeout, may always stop the robot.
func (r *Robot) Stop() error {
	r.lastControlCommand = time.Now()
	return r.withControlLock(r.drv.Stop)
}

// Brake dispatches Driver.Brake(speed) under the control lock.
func (r *Robot) Brake(token string, speed float64) error {
	if err := r.checkLease(token); err != nil {
		return err
	}
	r.lastControlCommand = time.Now()
	return r.withControlLock(func() error { return r.drv.Brake(speed) })
}

// SetSpeed dispatches Driver.SetSpeed(speed, motor) under the control
// lock.
func (r *Robot) SetSpeed(token string, speed float64, motor driver.Motor) error {
	if err := r.checkLease(token); err != nil {
		return err
	}
	r.lastControlCommand = time.Now()
	return r.withControlLock(func() error { return r.drv.SetSpeed(speed, motor) })
}

// Reset tears down and reopens the link connection.
func (r *Robot) Reset() error {
	return r.withControlLock(r.link.Reset)
}

// NoteClientRequest records that a client issued any request, for the
// status command's client_age field and the supervisor's client-timeout
// policy.
func (r *Robot) NoteClientRequest() {
	r.lastClientRequest = time.Now()
}

// LastClientRequestAge implements supervisor.ActivityTracker.
func (r *Robot) LastClientRequestAge() time.Duration {
	if r.lastClientRequest.IsZero() {
		return 0
	}
	return time.Since(r.lastClientRequest)
}

// LastControlCommandAge implements supervisor.ActivityTracker.
func (r *Robot) LastControlCommandAge() time.Duration {
	if r.lastControlCommand.IsZero() {
		return 0
	}
	return time.Since(r.lastControlCommand)
}

// Canonical sensor names, carried over from
// original_source/server/server.py's sensor_list construction.
const (
	SensorBatteryVoltage   = "Battery voltage"
	SensorDriverTemperature = "Driver temperature"
	SensorLeftSonar        = "Left sonar"
	SensorRightSonar       = "Right sonar"
	SensorLeftEncoder      = "Left encoder"
	SensorRightEncoder     = "Right encoder"
)

// ReadAll implements supervisor.SensorReader: it re-reads the named
// sensors the safety.Checker needs for one tick. A sensor that hasn't
// produced a reading yet comes back nil, which Checker.Check treats as
// "no new information" and leaves the flags it feeds at their prior
// value (spec.md §4.4) rather than forcing them to a false-safe zero.
func (r *Robot) ReadAll() safety.Readings {
	val := func(name string) *float64 {
		if s, ok := r.sensorList[name]; ok {
			if v, ok := s.Read(); ok {
				f := v.Value
				return &f
			}
		}
		return nil
	}
	return safety.Readings{
		DriverTemperatureC: val(SensorDriverTemperature),
		BatteryMilliVolts:  val(SensorBatteryVoltage),
		SonarLeftInches:    val(SensorLeftSonar),
		SonarRightInches:   val(SensorRightSonar),
		EncoderLeftRPM:     val(SensorLeftEncoder),
		EncoderRightRPM:    val(SensorRightEncoder),
	}
}

// Status aggregates driver, link, and per-sensor status into a single
// snapshot, matching original_source/server/server.py's status dispatch
// (walks the name -> Sensor map, re-reading each at status time).
func (r *Robot) Status() Status {
	st := Status{
		Driver:    r.drv.Status(),
		Sensors:   make(map[string]sensors.Status, len(r.sensorList)),
		ClientAge: r.LastClientRequestAge().Seconds(),
	}
	if s := r.link.State(); s != nil {
		st.Link = *s
	}
	for name, sensor := range r.sensorList {
		if v, ok := sensor.Read(); ok {
			st.Sensors[name] = v
		}
	}
	return st
}
