package safety

import (
	"testing"

	"github.com/Moomers/penguins/internal/config"
)

func testConfig() config.SafetyConfig {
	return config.SafetyConfig{
		DriverSafeTemperature:  30,
		DriverWarnTemperature:  40,
		DriverEstopTemperature: 70,
		BatterySafeVoltage:     22000,
		BatteryWarnVoltage:     20000,
		BatteryEstopVoltage:    15000,
		SonarWarnDistance:      40,
		SonarSafeDistance:      60,
		EncoderSafeDelta:       100,
		EncoderWarnDelta:       200,
	}
}

func f(v float64) *float64 { return &v }

func TestDriverTemperatureHysteresis(t *testing.T) {
	c := New(testConfig())

	a := c.Check(Readings{DriverTemperatureC: f(20)})
	if a.DriverOvertempWarn {
		t.Fatal("expected no warn below threshold")
	}

	a = c.Check(Readings{DriverTemperatureC: f(45)})
	if !a.DriverOvertempWarn {
		t.Fatal("expected warn once temperature crosses warn threshold")
	}

	// dropping back below warn but still above safe should NOT clear
	a = c.Check(Readings{DriverTemperatureC: f(35)})
	if !a.DriverOvertempWarn {
		t.Fatal("expected warn to stay latched until below safe threshold")
	}

	a = c.Check(Readings{DriverTemperatureC: f(25)})
	if a.DriverOvertempWarn {
		t.Fatal("expected warn to clear once below safe threshold")
	}
}

// Spec §8 scenario 4: feed 65,68,70,40,30 with estop=70/safe=30 — flag
// sets at 70, stays set at 40 (above safe, at the warn threshold), clears at 30.
func TestDriverOvertempEstopClearsAtSafeNotWarn(t *testing.T) {
	c := New(testConfig())

	for _, temp := range []float64{65, 68} {
		a := c.Check(Readings{DriverTemperatureC: f(temp)})
		if a.DriverOvertempEstop {
			t.Fatalf("expected no estop at %v below estop threshold", temp)
		}
	}

	a := c.Check(Readings{DriverTemperatureC: f(70)})
	if !a.DriverOvertempEstop {
		t.Fatal("expected estop to set at estop threshold")
	}

	// 40 is only at the warn threshold and well below estop (70), but
	// still above the safe floor (30) — estop must stay set.
	a = c.Check(Readings{DriverTemperatureC: f(40)})
	if !a.DriverOvertempEstop {
		t.Fatal("expected estop to remain latched above the safe threshold")
	}

	a = c.Check(Readings{DriverTemperatureC: f(30)})
	if a.DriverOvertempEstop {
		t.Fatal("expected estop to clear once at/below the safe threshold")
	}
}

func TestBatteryVoltageHysteresisBelow(t *testing.T) {
	c := New(testConfig())

	a := c.Check(Readings{BatteryMilliVolts: f(23000)})
	if a.BatteryWarn {
		t.Fatal("expected no warn above safe voltage")
	}

	a = c.Check(Readings{BatteryMilliVolts: f(19000)})
	if !a.BatteryWarn {
		t.Fatal("expected warn once voltage drops below warn threshold")
	}

	a = c.Check(Readings{BatteryMilliVolts: f(21000)})
	if !a.BatteryWarn {
		t.Fatal("expected warn to stay latched below safe voltage")
	}

	a = c.Check(Readings{BatteryMilliVolts: f(23000)})
	if a.BatteryWarn {
		t.Fatal("expected warn to clear once above safe voltage")
	}
}

func TestBatteryEstopClearsAtSafeNotWarn(t *testing.T) {
	c := New(testConfig())

	a := c.Check(Readings{BatteryMilliVolts: f(14000)})
	if !a.BatteryEstop {
		t.Fatal("expected estop below estop voltage")
	}

	// 19000 is below warn (20000) but above estop (15000) and well below
	// safe (22000) — estop must stay latched.
	a = c.Check(Readings{BatteryMilliVolts: f(19000)})
	if !a.BatteryEstop {
		t.Fatal("expected estop to remain latched below the safe voltage")
	}

	a = c.Check(Readings{BatteryMilliVolts: f(22000)})
	if a.BatteryEstop {
		t.Fatal("expected estop to clear once at/above the safe voltage")
	}
}

func TestSonarWarnUsesNearestAndFarthestChannel(t *testing.T) {
	c := New(testConfig())

	// both sides clear (> warn distance)
	a := c.Check(Readings{SonarLeftInches: f(80), SonarRightInches: f(80)})
	if a.SonarWarn {
		t.Fatal("expected no warn with both sonars clear")
	}

	// both sides close to an obstacle: the warn check uses the max of the
	// two readings (the farther one), so both channels must be within
	// warn distance for the combined flag to set
	a = c.Check(Readings{SonarLeftInches: f(35), SonarRightInches: f(35)})
	if !a.SonarWarn {
		t.Fatal("expected warn once both channels are within warn distance")
	}

	// one side drifts back out past safe, the other stays close: warn
	// must stay latched since the minimum channel hasn't reached safe
	a = c.Check(Readings{SonarLeftInches: f(65), SonarRightInches: f(35)})
	if !a.SonarWarn {
		t.Fatal("expected warn to remain latched while the nearer channel is still inside safe distance")
	}

	// both channels now past safe distance
	a = c.Check(Readings{SonarLeftInches: f(65), SonarRightInches: f(65)})
	if a.SonarWarn {
		t.Fatal("expected warn to clear once both channels are past the safe distance")
	}
}

func TestEncoderWarnUsesAbsoluteRpmDelta(t *testing.T) {
	c := New(testConfig())

	a := c.Check(Readings{EncoderLeftRPM: f(100), EncoderRightRPM: f(120)})
	if a.EncoderWarn {
		t.Fatal("expected no warn with a small rpm delta")
	}

	a = c.Check(Readings{EncoderLeftRPM: f(100), EncoderRightRPM: f(320)})
	if !a.EncoderWarn {
		t.Fatal("expected warn once |left-right| rpm delta reaches the warn threshold")
	}

	a = c.Check(Readings{EncoderLeftRPM: f(100), EncoderRightRPM: f(250)})
	if !a.EncoderWarn {
		t.Fatal("expected warn to stay latched above the safe delta")
	}

	a = c.Check(Readings{EncoderLeftRPM: f(100), EncoderRightRPM: f(190)})
	if a.EncoderWarn {
		t.Fatal("expected warn to clear once delta drops to/below the safe delta")
	}
}

func TestMissingReadingKeepsPriorFlagValue(t *testing.T) {
	c := New(testConfig())

	a := c.Check(Readings{DriverTemperatureC: f(75)})
	if !a.DriverOvertempEstop {
		t.Fatal("expected estop set")
	}

	// a pass with no driver-temperature reading at all must not clear
	// (or otherwise touch) the flag it feeds.
	a = c.Check(Readings{BatteryMilliVolts: f(23000)})
	if !a.DriverOvertempEstop {
		t.Fatal("expected estop to be unaffected by a pass missing that sensor")
	}
}

func TestShouldEstop(t *testing.T) {
	c := New(testConfig())
	a := c.Check(Readings{DriverTemperatureC: f(75)})
	if !a.ShouldEstop() {
		t.Fatal("expected estop when driver temperature exceeds estop threshold")
	}
}
