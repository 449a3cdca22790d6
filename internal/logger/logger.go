// Package logger records timestamped robot status snapshots to rotating
// CSV files, adapted from the teacher's ECU/GPS CSV logger to the
// driver/link/sensor fields this spec's Robot.Status() aggregates.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Moomers/penguins/internal/robot"
)

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000 // rotate after 100k rows

var csvHeader = []string{
	"timestamp",
	"target_left", "target_right", "last_left", "last_right", "braking_speed", "stopped",
	"commands_sent", "commands_received", "bad_commands_received", "ms_since_command", "emergency_stop",
	"client_age_s",
	"battery_mv", "driver_temp_c", "left_sonar_in", "right_sonar_in", "left_encoder_rpm", "right_encoder_rpm",
}

// Logger records timestamped Robot.Status snapshots to CSV files with
// automatic rotation, at most once per configured interval.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/penguins"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 200 * time.Millisecond // default 5 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a Robot.Status snapshot if the minimum interval has
// elapsed since the last recorded row.
func (l *Logger) Record(st robot.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := l.buildRow(now, st)
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("penguin_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) buildRow(ts time.Time, st robot.Status) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)

	row[1] = fmt.Sprintf("%.1f", st.Driver.TargetLeft)
	row[2] = fmt.Sprintf("%.1f", st.Driver.TargetRight)
	row[3] = fmt.Sprintf("%.1f", st.Driver.LastLeft)
	row[4] = fmt.Sprintf("%.1f", st.Driver.LastRight)
	row[5] = fmt.Sprintf("%.1f", st.Driver.BrakingSpeed)
	row[6] = boolStr(st.Driver.Stopped)

	row[7] = fmt.Sprintf("%d", st.Link.CommandsSent)
	row[8] = fmt.Sprintf("%d", st.Link.CommandsReceived)
	row[9] = fmt.Sprintf("%d", st.Link.BadCommandsReceived)
	row[10] = fmt.Sprintf("%d", st.Link.MsSinceCommand)
	row[11] = boolStr(st.Link.EmergencyStop)

	row[12] = fmt.Sprintf("%.1f", st.ClientAge)

	row[13] = sensorValue(st, robot.SensorBatteryVoltage)
	row[14] = sensorValue(st, robot.SensorDriverTemperature)
	row[15] = sensorValue(st, robot.SensorLeftSonar)
	row[16] = sensorValue(st, robot.SensorRightSonar)
	row[17] = sensorValue(st, robot.SensorLeftEncoder)
	row[18] = sensorValue(st, robot.SensorRightEncoder)

	return row
}

func sensorValue(st robot.Status, name string) string {
	if s, ok := st.Sensors[name]; ok {
		return fmt.Sprintf("%.2f", s.Value)
	}
	return ""
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
