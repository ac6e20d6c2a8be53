package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/slskd/slskd-core/internal/config"
	"github.com/slskd/slskd-core/internal/core"
	"github.com/slskd/slskd-core/internal/logging"
	flag "github.com/spf13/pflag"
)

func usage() {
	fmt.Printf(`slskd-core - upload orchestration daemon for a Soulseek peer.

Usage: slskd-core [options]

Valid options:
`)
	flag.PrintDefaults()
}

// setupFlags parses the command line and returns the configuration with
// any overrides applied, mirroring the teacher's flags-override-file
// precedence.
func setupFlags() *config.Config {
	configPath := flag.StringP("config-file", "f", config.DefaultConfigPath(),
		"A YAML-formatted configuration file.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level/verbosity. Can be one of: fatal, error, warn, info, debug, trace")
	logOutput := flag.StringP("log-output", "o", "",
		"Set the output location for logs. Can be STDOUT, STDERR, or a file path.")
	globalSlots := flag.IntP("global-slots", "s", 0,
		"Override the configured ceiling on concurrently-used upload slots.")
	shareDir := flag.StringArrayP("share-dir", "d", nil,
		"A directory to share uploads from. May be given multiple times.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("slskd-core", version())
		os.Exit(0)
	}

	cfg := config.Load(*configPath)
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logOutput != "" {
		cfg.LogOutput = *logOutput
	}
	if *globalSlots > 0 {
		cfg.GlobalSlots = *globalSlots
	}
	if len(*shareDir) > 0 {
		cfg.ShareDirectories = *shareDir
	}
	return cfg
}

func version() string { return "0.1.0" }

// setupLogging configures the global logger's level and output per cfg,
// matching the teacher's setupLogging.
func setupLogging(cfg *config.Config) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetGlobalLevel(level)

	switch strings.ToUpper(cfg.LogOutput) {
	case "", "STDOUT":
		logging.SetDefault(logging.New(logging.NewConsoleWriter(os.Stdout)))
	case "STDERR":
		logging.SetDefault(logging.New(logging.NewConsoleWriter(os.Stderr)))
	default:
		file, err := os.OpenFile(cfg.LogOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logging.Error().Err(err).Str("path", cfg.LogOutput).Msg("Failed to open log file, falling back to stdout")
			logging.SetDefault(logging.New(logging.NewConsoleWriter(os.Stdout)))
			return
		}
		logging.SetDefault(logging.New(file))
	}
}

func main() {
	logging.SetDefault(logging.New(logging.NewConsoleWriter(os.Stderr)))

	cfg := setupFlags()
	setupLogging(cfg)

	if len(cfg.ShareDirectories) == 0 {
		logging.Warn().Msg("No share directories configured; every enqueue request will be rejected as not shared")
	}

	shares := newLocalShares(cfg.ShareDirectories)
	coreCtx, err := core.New(cfg, core.Collaborators{
		UserData: stubUserData{},
		Peers:    nil,
		Shares:   shares,
		Protocol: stubProtocol{},
		Bus:      nil,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize core")
	}

	logging.Info().
		Str("database", cfg.DatabasePath).
		Int("globalSlots", cfg.GlobalSlots).
		Msg("slskd-core started")

	if ok, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		logging.Debug().Err(notifyErr).Msg("systemd notify failed (not running under systemd?)")
	} else if ok {
		logging.Debug().Msg("Notified systemd of readiness")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logging.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")

	if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyStopping); notifyErr != nil {
		logging.Debug().Err(notifyErr).Msg("systemd stopping notification failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := coreCtx.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Shutdown did not complete cleanly")
		os.Exit(1)
	}
	logging.Info().Msg("slskd-core stopped")
}
