package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/qibla-dash/internal/compass"
	"github.com/shaunagostinho/qibla-dash/internal/gps"
	"github.com/shaunagostinho/qibla-dash/internal/magnetometer"
	"github.com/shaunagostinho/qibla-dash/internal/sensor"
	"github.com/shaunagostinho/qibla-dash/internal/server"
	"github.com/shaunagostinho/qibla-dash/internal/store"
	"github.com/shaunagostinho/qibla-dash/web"
)

func main() {
	app := &cli.App{
		Name:  "qibladash",
		Usage: "qibla compass dashboard for GPS compasses and magnetometers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "/etc/qibladash/config.yaml",
				Usage: "path to config file",
			},
			&cli.BoolFlag{
				Name:  "demo",
				Usage: "run with simulated GPS and magnetometer data",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override listen address (e.g. :8080)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log level (debug, info, warn, error)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// Bootstrap logger for config loading; replaced once the level is known.
	boot, err := newLogger("info")
	if err != nil {
		return err
	}
	cfg := server.LoadConfig(c.String("config"), boot.Named("config"))
	boot.Sync()

	if c.Bool("demo") {
		cfg.Location.Type = "demo"
		cfg.Magnetometer.Type = "demo"
	}
	if v := c.String("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	level := cfg.Logging.Level
	if v := c.String("log-level"); v != "" {
		level = v
	}

	log, err := newLogger(level)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Infof("qibladash starting")

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc, closeLoc := locationProvider(cfg, log.Named("gps"))
	defer closeLoc()
	mag := magnetometerProvider(cfg, log.Named("magnetometer"))

	// Serial devices are often plugged in after boot; log until they appear.
	go waitForDevice(ctx, log.Named("gps"), "location", cfg.Location.Type == "nmea", cfg.Location.PortPath, 10)
	go waitForDevice(ctx, log.Named("magnetometer"), "magnetometer", cfg.Magnetometer.Type == "serial", cfg.Magnetometer.PortPath, 10)

	flags, err := store.OpenFileStore(cfg.Store.Path, log.Named("store"))
	if err != nil {
		return errors.Wrap(err, "open flag store")
	}

	var (
		prompter    compass.Prompter
		webPrompter *server.WebPrompter
	)
	switch cfg.Compass.Prompt {
	case server.PromptAllow:
		prompter = compass.StaticPrompter{Choice: compass.ChoiceAllow}
	case server.PromptDeny:
		prompter = compass.StaticPrompter{Choice: compass.ChoiceNotNow}
	default:
		webPrompter = server.NewWebPrompter(cfg.PromptTimeout())
		prompter = webPrompter
	}

	engine := compass.New(cfg.EngineConfig(), compass.Deps{
		Location:     loc,
		Magnetometer: mag,
		Store:        flags,
		Prompter:     prompter,
	}, log.Named("compass"))
	defer engine.Cleanup()

	srv := server.New(cfg, engine, flags, webPrompter, web.FS, log.Named("server"))
	return srv.Run(ctx)
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.DisableStacktrace = true
	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return l.Sugar(), nil
}

func locationProvider(cfg *server.Config, log *zap.SugaredLogger) (gps.LocationProvider, func()) {
	switch cfg.Location.Type {
	case "nmea":
		n := gps.NewNMEA(cfg.NMEAConfig(), log)
		return n, func() {
			if err := n.Close(); err != nil {
				log.Warnf("close: %v", err)
			}
		}
	case "disabled":
		return gps.Unsupported{}, func() {}
	default:
		return gps.NewDemoProvider(cfg.ManualLocation()), func() {}
	}
}

func magnetometerProvider(cfg *server.Config, log *zap.SugaredLogger) magnetometer.Provider {
	switch cfg.Magnetometer.Type {
	case "serial":
		return magnetometer.NewSerial(cfg.SerialConfig(), log)
	case "disabled":
		return magnetometer.Unsupported{}
	default:
		return magnetometer.NewDemoProvider()
	}
}

// waitForDevice polls for a serial device with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs up to maxAttempts
// then keeps checking quietly at the max interval. Providers open the port
// themselves when the compass needs it; this only reports progress.
func waitForDevice(ctx context.Context, log *zap.SugaredLogger, name string, enabled bool, path string, maxAttempts int) {
	if !enabled {
		return
	}
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if sensor.PortPresent(sensor.SerialPorts, path) || sensor.DeviceAccess(path) != sensor.PermissionUndetermined {
			log.Infof("%s device %s present (attempt %d)", name, path, attempt+1)
			return
		}
		attempt++
		if attempt <= maxAttempts {
			log.Warnf("%s device %s not found, attempt %d/%d (retry in %v)", name, path, attempt, maxAttempts, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
