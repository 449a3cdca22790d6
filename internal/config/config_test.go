package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasSaneTunables(t *testing.T) {
	c := Default()
	if c.Driver.MaxSpeed <= c.Driver.MinSpeed {
		t.Fatalf("expected MaxSpeed > MinSpeed, got %+v", c.Driver)
	}
	if c.Safety.DriverEstopTemperature <= c.Safety.DriverWarnTemperature {
		t.Fatalf("expected estop temperature above warn temperature")
	}
	if c.Safety.BatteryEstopVoltage >= c.Safety.BatteryWarnVoltage {
		t.Fatalf("expected estop voltage below warn voltage")
	}
}

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if c.Driver.MaxSpeed != Default().Driver.MaxSpeed {
		t.Fatalf("expected default MaxSpeed when config file is absent")
	}
}

func TestLoadParsesYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("driver:\n  max_speed: 42\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := Load(path)
	if c.Driver.MaxSpeed != 42 {
		t.Fatalf("expected overridden MaxSpeed=42, got %v", c.Driver.MaxSpeed)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("link:\n  port: /dev/ttyACM0\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("LINK_PORT", "/dev/ttyUSB9")
	c := Load(path)
	if c.Link.Port != "/dev/ttyUSB9" {
		t.Fatalf("expected env override, got %q", c.Link.Port)
	}
}
