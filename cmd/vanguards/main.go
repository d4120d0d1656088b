// Package main provides the vanguards supervisor executable.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/engine"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/metrics"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

const defaultConfigFile = "vanguards.conf"

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config",
		envOr("VANGUARDS_CONFIG", defaultConfigFile),
		"Location of config file with more advanced settings")
	stateFile := flag.String("state",
		envOr("VANGUARDS_STATE", ""),
		"File to store vanguard state")
	generateConfig := flag.String("generate_config", "",
		"Write config to a file after applying command args, then exit")
	controlIP := flag.String("control_ip", "",
		"The IP address of the Tor control port to connect to")
	controlPort := flag.Int("control_port", 0,
		"The Tor control port to connect to")
	controlSocket := flag.String("control_socket", "",
		"The Tor control socket path to connect to")
	controlPass := flag.String("control_pass", "",
		"The Tor control port password")
	retryLimit := flag.Int("retry_limit", -1,
		"Reconnect attempts after control connection loss (0 means exit)")
	disableVanguards := flag.Bool("disable_vanguards", false,
		"Disable layer2 and layer3 guard rotation")
	disableBandguards := flag.Bool("disable_bandguards", false,
		"Disable circuit side channel checks (may help performance)")
	disableRendguard := flag.Bool("disable_rendguard", false,
		"Disable rendezvous misuse checks (may help performance)")
	disableCloseCircuits := flag.Bool("disable_circuit_closing", false,
		"Count policy violations without closing circuits")
	enableCbtVerify := flag.Bool("enable_cbtverify", false,
		"Enable circuit build time monitoring")
	enablePathVerify := flag.Bool("enable_pathverify", false,
		"Enable circuit path layer verification")
	oneShot := flag.Bool("one_shot_vanguards", false,
		"Update tor's vanguard configuration once and exit")
	logLevel := flag.String("loglevel", "",
		"Log level (DEBUG, INFO, NOTICE, WARN, ERROR, NONE)")
	logFile := flag.String("logfile", "",
		"Log to a file instead of stdout")
	showVersion := flag.Bool("version", false,
		"Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vanguards version %s (built %s)\n", version, buildTime)
		return 0
	}

	cfg := config.DefaultConfig()

	// A default config file is optional; one named on the command line or
	// in the environment is not.
	if config.Exists(defaultConfigFile) {
		if err := config.Load(defaultConfigFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			return 1
		}
	}
	if *configFile != defaultConfigFile {
		if err := config.Load(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Specified config file %s can't be read: %v\n",
				*configFile, err)
			return 1
		}
	}

	// Command-line flags take precedence over config values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "control_ip":
			cfg.Global.ControlIP = *controlIP
		case "control_port":
			cfg.Global.ControlPort = *controlPort
		case "control_socket":
			cfg.Global.ControlSocket = *controlSocket
		case "control_pass":
			cfg.Global.ControlPass = *controlPass
		case "retry_limit":
			cfg.Global.RetryLimit = *retryLimit
		case "disable_vanguards":
			cfg.Global.EnableVanguards = !*disableVanguards
		case "disable_bandguards":
			cfg.Global.EnableBandguards = !*disableBandguards
		case "disable_rendguard":
			cfg.Global.EnableRendguard = !*disableRendguard
		case "disable_circuit_closing":
			cfg.Global.CloseCircuits = !*disableCloseCircuits
		case "enable_cbtverify":
			cfg.Global.EnableCbtVerify = *enableCbtVerify
		case "enable_pathverify":
			cfg.Global.EnablePathVerify = *enablePathVerify
		case "one_shot_vanguards":
			cfg.Global.OneShotVanguards = *oneShot
		case "loglevel":
			cfg.Global.LogLevel = *logLevel
		case "logfile":
			cfg.Global.LogFile = *logFile
		}
	})
	// The state flag (or VANGUARDS_STATE) wins over any config file value.
	if *stateFile != "" {
		cfg.Global.StateFile = *stateFile
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	level, err := logger.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	var out io.Writer = os.Stdout
	if cfg.Global.LogFile != "" {
		out, err = logger.OpenLogFile(cfg.Global.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	if *generateConfig != "" {
		if err := config.Save(*generateConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			return 1
		}
		fmt.Printf("Wrote config to %s\n", *generateConfig)
		return 0
	}

	log := logger.New(level, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	eng := engine.New(cfg, log, m, version)

	// Hot-reload the policy tunables when the config file changes, and on
	// SIGHUP pass the reload on to tor as well.
	reloadable := config.NewReloadableConfig(cfg, *configFile, log.Logger)
	go reloadable.StartWatcher(ctx, 30*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := reloadable.Reload(); err != nil {
					log.Warn("Config reload failed", "error", err)
				}
				eng.HUP()
			default:
				log.Notice("Shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	if err := eng.Run(ctx); err != nil {
		log.Error("Exiting", "error", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
