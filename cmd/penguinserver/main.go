// Command penguinserver runs the on-robot differential-drive control
// server: connects to the microcontroller over serial, runs the
// supervisor loop, and serves the client TCP protocol.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Moomers/penguins/internal/config"
	"github.com/Moomers/penguins/internal/driver"
	"github.com/Moomers/penguins/internal/link"
	"github.com/Moomers/penguins/internal/logger"
	"github.com/Moomers/penguins/internal/netserver"
	"github.com/Moomers/penguins/internal/robot"
	"github.com/Moomers/penguins/internal/safety"
	"github.com/Moomers/penguins/internal/sensors"
	"github.com/Moomers/penguins/internal/supervisor"
	"github.com/Moomers/penguins/internal/telemetry"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		host       = flag.String("host", "", "override listen host")
		port       = flag.Int("port", 0, "override listen port")
		arduino    = flag.String("arduino", "", "override serial device path")
		driverType = flag.String("driver", "sabertooth", "driver type: sabertooth|stub")
		demo       = flag.Bool("demo", false, "use an in-memory fake link instead of real hardware")
	)
	flag.Parse()

	cfg := config.Load(*configPath)
	if *host != "" || *port != 0 {
		if *port == 0 {
			*port = 9999
		}
		cfg.Server.ListenAddr = *host + ":" + strconv.Itoa(*port)
	}
	if *arduino != "" {
		cfg.Link.Port = *arduino
	}
	_ = driverType // sabertooth is the only driver implemented; reserved for future motor controllers

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[main] shutdown signal received")
		cancel()
	}()

	lnk, feeder := buildLink(cfg, *demo)
	_ = feeder

	if err := connectWithRetry(ctx, "link", lnk.Connect, 10); err != nil {
		log.Fatalf("[main] failed to connect link: %v", err)
	}

	drv := driver.New(cfg.Driver, lnk)
	sensorList := buildSensors(cfg, lnk)
	checker := safety.New(cfg.Safety)
	bot := robot.New(lnk, drv, sensorList)

	sup := supervisor.New(cfg.Monitor, lnk, drv, bot, checker, bot)
	go sup.Run(ctx)

	srv := netserver.New(cfg.Server.ListenAddr, bot, cancel)
	stopSrv := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopSrv)
	}()

	if cfg.Telemetry.Enabled {
		pub := telemetry.New(cfg.Telemetry, bot)
		if err := pub.Connect(); err != nil {
			log.Printf("[main] telemetry connect failed: %v", err)
		} else {
			go pub.Run(ctx)
		}
	}

	csvLog := logger.New(logger.Config{
		Enabled:    cfg.Logging.Enabled,
		Path:       cfg.Logging.Path,
		IntervalMs: cfg.Logging.IntervalMs,
	})
	defer csvLog.Close()
	if cfg.Logging.Enabled {
		go runStatusLogger(ctx, bot, csvLog, cfg.Logging.IntervalMs)
	}

	log.Printf("[main] serving on %s", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(stopSrv); err != nil {
		log.Printf("[main] server error: %v", err)
	}

	log.Printf("[main] shutdown: stopping driver")
	if err := drv.Stop(); err != nil {
		log.Printf("[main] error stopping driver: %v", err)
	}
	if err := lnk.Close(); err != nil {
		log.Printf("[main] error closing link: %v", err)
	}
}

// runStatusLogger periodically records the robot's status snapshot to
// the CSV logger until ctx is cancelled, mirroring the teacher's
// pollLoop broadcast ticker.
func runStatusLogger(ctx context.Context, bot *robot.Robot, csvLog *logger.Logger, intervalMs int) {
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			csvLog.Record(bot.Status())
		}
	}
}

func buildLink(cfg *config.Config, demo bool) (*link.Link, *link.FakeFeeder) {
	if demo {
		l, feeder := link.NewFake()
		return l, feeder
	}
	return link.New(cfg.Link), nil
}

func buildSensors(cfg *config.Config, src sensors.Source) map[string]sensors.Sensor {
	return map[string]sensors.Sensor{
		robot.SensorBatteryVoltage:    sensors.NewVoltageSensor(robot.SensorBatteryVoltage, "BV", src, cfg.Sensors),
		robot.SensorDriverTemperature: sensors.NewTemperatureSensor(robot.SensorDriverTemperature, "DT", src, cfg.Sensors),
		robot.SensorLeftSonar:         sensors.NewSonar(robot.SensorLeftSonar, "LS", src),
		robot.SensorRightSonar:        sensors.NewSonar(robot.SensorRightSonar, "RS", src),
		robot.SensorLeftEncoder:       sensors.NewEncoder(robot.SensorLeftEncoder, "LE", src, cfg.Sensors),
		robot.SensorRightEncoder:      sensors.NewEncoder(robot.SensorRightEncoder, "RE", src, cfg.Sensors),
	}
}

// connectWithRetry attempts connect with exponential backoff starting at
// 1s and capped at 60s, continuing indefinitely past maxAttempts —
// carried over nearly verbatim from the teacher's cmd/goefidash/main.go.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second
	attempt := 0
	for {
		attempt++
		err := connect()
		if err == nil {
			log.Printf("[main] %s connected after %d attempt(s)", name, attempt)
			return nil
		}
		log.Printf("[main] %s connect attempt %d failed: %v", name, attempt, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if attempt >= maxAttempts {
			log.Printf("[main] %s still not connected after %d attempts, continuing to retry", name, attempt)
		}
	}
}
