package robot

import (
	"errors"
	"testing"

	"github.com/Moomers/penguins/internal/config"
	"github.com/Moomers/penguins/internal/driver"
	"github.com/Moomers/penguins/internal/link"
)

type fakeLink struct {
	healthy    bool
	resetCalls int
	state      link.State
}

func (f *fakeLink) State() *link.State { return &f.state }
func (f *fakeLink) IsHealthy() bool    { return f.healthy }
func (f *fakeLink) Reset() error {
	f.resetCalls++
	return nil
}
func (f *fakeLink) Send(cmd string) error { return nil }

func testDriverConfig() config.DriverConfig {
	return config.DriverConfig{
		MinSpeed: 5, MaxSpeed: 95, MaxTurnSpeed: 50,
		MaxAcceleration: 3, MaxBraking: 20,
		SpeedAdjust: 1, LeftSpeedAdjust: 1, RightSpeedAdjust: 1,
	}
}

func TestCommandsRequireLeaseExceptStop(t *testing.T) {
	fl := &fakeLink{healthy: true}
	drv := driver.New(testDriverConfig(), fl)
	r := New(fl, drv, nil)

	if err := r.Go("bogus-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without a lease, got %v", err)
	}

	token := r.BecomeController()
	if err := r.Go(token); err != nil {
		t.Fatalf("Go with valid lease: %v", err)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop should never require a lease: %v", err)
	}
}

func TestBecomeControllerDisplacesPriorLease(t *testing.T) {
	fl := &fakeLink{healthy: true}
	drv := driver.New(testDriverConfig(), fl)
	r := New(fl, drv, nil)

	first := r.BecomeController()
	second := r.BecomeController()

	if err := r.Go(first); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("expected the first lease to be displaced by the second")
	}
	if err := r.Go(second); err != nil {
		t.Fatalf("Go with current lease: %v", err)
	}
}

func TestReleaseControllerOnlyClearsMatchingToken(t *testing.T) {
	fl := &fakeLink{healthy: true}
	drv := driver.New(testDriverConfig(), fl)
	r := New(fl, drv, nil)

	token := r.BecomeController()
	r.ReleaseController("some-other-token")
	if err := r.Go(token); err != nil {
		t.Fatalf("lease should still be valid: %v", err)
	}

	r.ReleaseController(token)
	if err := r.Go(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("expected lease to be cleared")
	}
}

func TestResetDelegatesToLink(t *testing.T) {
	fl := &fakeLink{healthy: true}
	drv := driver.New(testDriverConfig(), fl)
	r := New(fl, drv, nil)

	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if fl.resetCalls != 1 {
		t.Fatalf("expected link.Reset to be called once, got %d", fl.resetCalls)
	}
}
