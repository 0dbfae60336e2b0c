// Command routerd runs a standalone go-i2p-router process: it loads or
// generates a local identity, opens the network database, binds the NTCP
// and SSU transports, and starts the tunnel/garlic/streaming machinery.
// Local clients (the HTTP/SOCKS proxies, I2PControl,
// address book) are out of this core's scope and are expected to run as
// separate processes speaking to a LocalDestination opened here.
// Usage:
//	routerd [flags]
// Flags are layered under environment-variable overrides, with
// SIGINT/SIGTERM-triggered graceful shutdown.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/config"
	"github.com/go-i2p/go-i2p-router/lib/router"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	BuildTime = "unknown"
	GitCommit = "unknown"
)

// flags holds the command-line and environment configuration routerd
// layers over the Config that config.Load returns.
type flags struct {
	dataDir   string
	host      string
	ntcpPort  int
	ssuPort   int
	floodfill bool
	debug     bool
}

func main() {
	f := parseFlags()

	log := logrus.New()
	log.SetOutput(os.Stdout)
	if f.debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	logrus.SetOutput(log.Out)
	logrus.SetLevel(log.GetLevel())
	logrus.SetFormatter(log.Formatter)

	log.WithFields(logrus.Fields{
		"version":   Version,
		"buildTime": BuildTime,
		"commit":    GitCommit,
	}).Info("starting go-i2p-router")

	cfg, err := config.Load(f.dataDir)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	applyFlagOverrides(cfg, f)

	ctx, err := router.New(cfg)
	if err != nil {
		abort(log, "bind_failed", "failed to initialize router context", err)
	}

	if err := ctx.Start(); err != nil {
		abort(log, "start_failed", "failed to start router", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("received shutdown signal")

	log.Info("shutting down...")
	if err := ctx.Stop(); err != nil {
		log.WithError(err).Warn("error during shutdown")
	}
	log.Info("go-i2p-router stopped")
}

// abort logs a startup failure with oops's stack-trace context and
// exits non-zero. oops is reserved for these daemon-abort paths rather
// than every error in the tree.
func abort(log *logrus.Logger, code, message string, err error) {
	wrapped := oops.In("routerd").Code(code).Wrapf(err, "%s", message)
	log.WithError(wrapped).Error(message)
	os.Exit(2)
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.dataDir, "datadir", ".", "router data directory (netDb/, router.keys, router.info)")
	flag.StringVar(&f.host, "host", "", "advertised host (overrides router.config)")
	flag.IntVar(&f.ntcpPort, "ntcp-port", 0, "NTCP listen/advertise port, 0 to use router.config")
	flag.IntVar(&f.ssuPort, "ssu-port", 0, "SSU listen/advertise port, 0 to use router.config")
	flag.BoolVar(&f.floodfill, "floodfill", false, "opt into the flood-fill store/lookup protocol")
	flag.BoolVar(&f.debug, "debug", false, "enable debug logging")

	showVersion := flag.Bool("version", false, "show version information")
	showHelp := flag.Bool("help", false, "show help message")

	flag.Parse()

	if *showVersion {
		fmt.Printf("routerd %s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("routerd - a standalone go-i2p-router process")
		fmt.Println()
		fmt.Println("Usage: routerd [flags]")
		fmt.Println()
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Environment variables:")
		fmt.Println("  ROUTERD_DATADIR    router data directory (overrides -datadir)")
		fmt.Println("  ROUTERD_HOST       advertised host (overrides -host)")
		fmt.Println("  ROUTERD_DEBUG      enable debug logging (overrides -debug)")
		os.Exit(0)
	}

	if v := os.Getenv("ROUTERD_DATADIR"); v != "" {
		f.dataDir = v
	}
	if v := os.Getenv("ROUTERD_HOST"); v != "" {
		f.host = v
	}
	if os.Getenv("ROUTERD_DEBUG") != "" {
		f.debug = true
	}

	return f
}

// applyFlagOverrides layers routerd's own flags/env on top of the
// router.config-derived defaults config.Load already applied.
func applyFlagOverrides(cfg *config.Config, f *flags) {
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.ntcpPort != 0 {
		cfg.NTCPPort = f.ntcpPort
	}
	if f.ssuPort != 0 {
		cfg.SSUPort = f.ssuPort
	}
	if f.floodfill {
		cfg.Floodfill = true
	}
}
