// knxcal fetches an iCal feed, evaluates time-offset triggers against
// matching events and writes values onto the KNX bus, with a persisted
// notification ledger preventing repeats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/ixs/knxcal/internal/config"
	"github.com/ixs/knxcal/internal/gateway"
	"github.com/ixs/knxcal/internal/ics"
	"github.com/ixs/knxcal/internal/knx"
	"github.com/ixs/knxcal/internal/ledger"
	"github.com/ixs/knxcal/internal/log"
)

const version = "1.0.0"

// Exit codes: configuration errors get a distinct indicator so the external
// scheduler can tell a broken config from a failed run.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type flagConfig struct {
	configPath  string
	writeConfig bool
	debug       bool
	noKNX       bool
	noState     bool
	logFile     string
	cronSpec    string
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	level := "info"
	if flags.debug {
		level = "debug"
	}
	if err := log.Setup(level, flags.logFile); err != nil {
		fmt.Fprintf(os.Stderr, "knxcal: %v\n", err)
		return exitRuntime
	}

	log.Info("KNX calendar gateway starting", "version", version)

	if flags.writeConfig {
		if err := config.Save(flags.configPath, config.DefaultConfig()); err != nil {
			log.Error("failed to write starter config", err, "config_path", flags.configPath)
			return exitRuntime
		}
		log.Info("starter config written", "config_path", flags.configPath)
		return exitOK
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		log.Error("failed to load config", err, "config_path", flags.configPath)
		return exitConfig
	}
	if err := conf.Validate(); err != nil {
		log.Error("invalid config", err, "config_path", flags.configPath)
		return exitConfig
	}
	if flags.cronSpec != "" {
		conf.Schedule = flags.cronSpec
	}

	var sink gateway.BusSink
	if flags.noKNX {
		sink = knx.Disabled{}
	} else {
		s, err := knx.Dial(conf.Connection)
		if err != nil {
			log.Error("failed to connect to KNX", err)
			return exitRuntime
		}
		defer s.Close()
		sink = s
	}

	led := ledger.Open(conf.StateFile, flags.noState)
	defer led.Close()

	gw, err := gateway.New(conf, ics.NewClient(conf.Calendar), sink, led, nil)
	if err != nil {
		log.Error("failed to initialize gateway", err)
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if conf.Schedule == "" {
		// One cycle per invocation; an external scheduler handles cadence
		// and guarantees non-overlapping runs.
		if err := gw.Run(ctx); err != nil {
			log.Error("cycle failed", err)
			return exitRuntime
		}
		return exitOK
	}

	return runScheduled(ctx, conf.Schedule, gw)
}

// runScheduled runs cycles on the configured cron schedule until a signal
// arrives. Cycle failures are logged and the schedule keeps going.
func runScheduled(ctx context.Context, spec string, gw *gateway.Gateway) int {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := gw.Run(ctx); err != nil {
			log.Error("cycle failed", err)
		}
	})
	if err != nil {
		log.Error("invalid cron schedule", err, "schedule", spec)
		return exitConfig
	}

	log.Info("running on schedule", "schedule", spec)
	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	log.Info("knxcal exiting")
	return exitOK
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "knxcal.yaml", "Path to config file")
	flag.BoolVar(&cfg.writeConfig, "write-config", false, "Write a starter config to the config path and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug output")
	flag.BoolVar(&cfg.noKNX, "no-knx", false, "Disable KNX bus access (dry run)")
	flag.BoolVar(&cfg.noState, "no-state", false, "Disable state keeping")
	flag.StringVar(&cfg.logFile, "log", "", "Log to file FILE in addition to the console")
	flag.StringVar(&cfg.cronSpec, "cron", "", "Cron schedule for repeated cycles (overrides config)")

	flag.Parse()

	return cfg
}
