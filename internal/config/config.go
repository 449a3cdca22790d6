// Package config holds the tunable parameters for the penguin control
// server, loaded from a YAML file and overridden by environment variables.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LinkConfig configures the serial dialog with the microcontroller.
type LinkConfig struct {
	Port               string        `yaml:"port" json:"port"`
	BaudRate           int           `yaml:"baud_rate" json:"baudRate"`
	IOTimeout          time.Duration `yaml:"io_timeout" json:"ioTimeout"`
	HealthTimeout      time.Duration `yaml:"health_timeout" json:"healthTimeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" json:"heartbeatInterval"`
	WriteLockTimeout   time.Duration `yaml:"write_lock_timeout" json:"writeLockTimeout"`
	HeartbeatLockWait  time.Duration `yaml:"heartbeat_lock_wait" json:"heartbeatLockWait"`
}

// DriverConfig configures the speed controller (spec.md §3, §4.3).
type DriverConfig struct {
	MinSpeed          float64 `yaml:"min_speed" json:"minSpeed"`
	MaxSpeed          float64 `yaml:"max_speed" json:"maxSpeed"`
	MaxTurnSpeed      float64 `yaml:"max_turn_speed" json:"maxTurnSpeed"`
	MaxAcceleration   float64 `yaml:"max_acceleration" json:"maxAcceleration"`
	MaxBraking        float64 `yaml:"max_braking" json:"maxBraking"`
	SpeedAdjust       float64 `yaml:"speed_adjust" json:"speedAdjust"`
	LeftSpeedAdjust   float64 `yaml:"left_speed_adjust" json:"leftSpeedAdjust"`
	RightSpeedAdjust  float64 `yaml:"right_speed_adjust" json:"rightSpeedAdjust"`
	MinUpdateInterval float64 `yaml:"min_update_interval" json:"minUpdateInterval"` // seconds
}

// SafetyConfig configures the hysteretic alert thresholds (spec.md §4.4).
type SafetyConfig struct {
	DriverSafeTemperature  float64 `yaml:"driver_safe_temperature" json:"driverSafeTemperature"`
	DriverWarnTemperature  float64 `yaml:"driver_warn_temperature" json:"driverWarnTemperature"`
	DriverEstopTemperature float64 `yaml:"driver_estop_temperature" json:"driverEstopTemperature"`

	BatterySafeVoltage  float64 `yaml:"battery_safe_voltage" json:"batterySafeVoltage"`
	BatteryWarnVoltage  float64 `yaml:"battery_warn_voltage" json:"batteryWarnVoltage"`
	BatteryEstopVoltage float64 `yaml:"battery_estop_voltage" json:"batteryEstopVoltage"`

	SonarWarnDistance int `yaml:"sonar_warn_distance" json:"sonarWarnDistance"`
	SonarSafeDistance int `yaml:"sonar_safe_distance" json:"sonarSafeDistance"`

	EncoderSafeDelta float64 `yaml:"encoder_safe_delta" json:"encoderSafeDelta"`
	EncoderWarnDelta float64 `yaml:"encoder_warn_delta" json:"encoderWarnDelta"`
}

// MonitorConfig configures the Supervisor loop (spec.md §4.5).
type MonitorConfig struct {
	TimeBetweenResetAttempts time.Duration `yaml:"time_between_reset_attempts" json:"timeBetweenResetAttempts"`
	ClientTimeout            time.Duration `yaml:"client_timeout" json:"clientTimeout"`
	ControlTimeoutBrake      time.Duration `yaml:"control_timeout_brake" json:"controlTimeoutBrake"`
	ControlTimeoutStop       time.Duration `yaml:"control_timeout_stop" json:"controlTimeoutStop"`
	TimeoutBrakeSpeed        float64       `yaml:"timeout_brake_speed" json:"timeoutBrakeSpeed"`

	FileTouchPath     string        `yaml:"file_touch_path" json:"fileTouchPath"`
	FileTouchInterval time.Duration `yaml:"file_touch_interval" json:"fileTouchInterval"`

	LoopMinInterval time.Duration `yaml:"loop_min_interval" json:"loopMinInterval"`
}

// SensorConfig configures sensor physical conversion parameters.
type SensorConfig struct {
	BatteryR1          float64       `yaml:"battery_r1" json:"batteryR1"`
	BatteryR2          float64       `yaml:"battery_r2" json:"batteryR2"`
	RunningMeanSamples int           `yaml:"running_mean_samples" json:"runningMeanSamples"`
	EncoderMagnets     int           `yaml:"encoder_magnets" json:"encoderMagnets"`
	EncoderWindow      time.Duration `yaml:"encoder_window" json:"encoderWindow"`
}

// ServerConfig configures the client-facing TCP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// LoggingConfig configures the rotating CSV status logger
// (internal/logger). Disabled by default.
type LoggingConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// TelemetryConfig optionally configures the MQTT status-publish sidecar
// (internal/telemetry). Disabled by default.
type TelemetryConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	BrokerURL    string        `yaml:"broker_url" json:"brokerUrl"`
	ClientID     string        `yaml:"client_id" json:"clientId"`
	Topic        string        `yaml:"topic" json:"topic"`
	PublishEvery time.Duration `yaml:"publish_every" json:"publishEvery"`
}

// Config holds all configuration for the control server.
type Config struct {
	Link      LinkConfig      `yaml:"link" json:"link"`
	Driver    DriverConfig    `yaml:"driver" json:"driver"`
	Safety    SafetyConfig    `yaml:"safety" json:"safety"`
	Monitor   MonitorConfig   `yaml:"monitor" json:"monitor"`
	Sensors   SensorConfig    `yaml:"sensors" json:"sensors"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	path string
}

// Default returns a Config with the values from original_source's
// parameters.py (driver, monitor) carried forward, translated to
// millivolt-consistent battery/temperature thresholds (see DESIGN.md
// Open Question 2).
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Port:              "/dev/ttyACM0",
			BaudRate:          9600,
			IOTimeout:         5 * time.Second,
			HealthTimeout:     2 * time.Second,
			HeartbeatInterval: 100 * time.Millisecond,
			WriteLockTimeout:  2 * time.Second,
			HeartbeatLockWait: 5 * time.Second,
		},
		Driver: DriverConfig{
			MinSpeed:          5,
			MaxSpeed:          95,
			MaxTurnSpeed:      50,
			MaxAcceleration:   3,
			MaxBraking:        20,
			SpeedAdjust:       1,
			LeftSpeedAdjust:   1,
			RightSpeedAdjust:  0.95,
			MinUpdateInterval: 0.2,
		},
		Safety: SafetyConfig{
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
		},
		Monitor: MonitorConfig{
			TimeBetweenResetAttempts: 500 * time.Millisecond,
			ClientTimeout:            5 * time.Second,
			ControlTimeoutBrake:      3 * time.Second,
			ControlTimeoutStop:       8 * time.Second,
			TimeoutBrakeSpeed:        2,
			FileTouchPath:            "/tmp/server-monitor-alive",
			FileTouchInterval:        1 * time.Second,
			LoopMinInterval:          50 * time.Millisecond,
		},
		Sensors: SensorConfig{
			BatteryR1:          100000,
			BatteryR2:          10000,
			RunningMeanSamples: 20,
			EncoderMagnets:     2,
			EncoderWindow:      10 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr: ":9999",
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Path:       "/var/log/penguins",
			IntervalMs: 200,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			BrokerURL:    "tcp://127.0.0.1:1883",
			ClientID:     "penguin-control",
			Topic:        "penguins/status",
			PublishEvery: 2 * time.Second,
		},
	}
}

// Load reads config from a YAML file, applies a sibling .env file, then
// process environment overrides. Falls back to defaults if the file is
// absent or unparsable.
func Load(path string) *Config {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = Default()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads a small set of environment variables and
// overrides the corresponding config values. Supported: LINK_PORT,
// LINK_BAUD, LISTEN_ADDR, TELEMETRY_ENABLED, TELEMETRY_BROKER.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LINK_PORT"); v != "" {
		c.Link.Port = v
	}
	if v := os.Getenv("LINK_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TELEMETRY_BROKER"); v != "" {
		c.Telemetry.BrokerURL = v
	}
}

// Path returns the file path this config was (or would be) loaded from.
func (c *Config) Path() string {
	if c.path == "" {
		return "/etc/penguins/config.yaml"
	}
	return c.path
}
