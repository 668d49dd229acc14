package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/spf13/viper"

	"github.com/jnorton/castbridge/internal/audiosink"
	"github.com/jnorton/castbridge/internal/broadcaster"
	"github.com/jnorton/castbridge/internal/config"
	"github.com/jnorton/castbridge/internal/discovery"
	"github.com/jnorton/castbridge/internal/logging"
	"github.com/jnorton/castbridge/internal/orchestrator"
	"github.com/jnorton/castbridge/internal/statuspage"
)

// applyColorMode wires the "color" config key into gookit/color's global
// render switch. "auto" leaves gookit's own tty detection in place.
func applyColorMode(mode string) {
	switch mode {
	case "always":
		color.Enable = true
	case "never":
		color.Enable = false
	}
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.Load(*configFilePath)
	applyColorMode(config.ColorMode())

	logFilePointer, err := logging.ConfigureDefaultLogger(viper.GetString("loglevel"), viper.GetString("logfile"), slog.HandlerOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "castbridge: configuring logger:", err)
		os.Exit(1)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	fatal := make(chan error, 1)
	reportFatal := func(err error) {
		slog.Error("fatal error", "err", err)
		select {
		case fatal <- err:
		default:
		}
	}

	sinkMgr, err := audiosink.NewWithPulseSocket(slog.Default().With("component", "audiosink"), config.PulseSocket())
	if err != nil {
		slog.Error("connecting to pulseaudio", "err", err)
		os.Exit(1)
	}
	if err := sinkMgr.Start(); err != nil {
		slog.Error("starting audiosink manager", "err", err)
		os.Exit(1)
	}

	bc := broadcaster.New(slog.Default().With("component", "broadcaster"))
	if err := bc.Start(config.BroadcasterBindAddress()); err != nil {
		slog.Error("starting broadcaster", "err", err)
		os.Exit(1)
	}

	orch := orchestrator.New(slog.Default().With("component", "orchestrator"), sinkMgr, bc, orchestrator.Config{
		ChromecastAppID:  config.ChromecastAppID(),
		ConnectTimeout:   config.ConnectTimeout(),
		ReconnectBackoff: config.ReconnectBackoff(),
		HeartbeatPeriod:  config.HeartbeatPeriod(),
		BroadcasterPort:  bc.Port(),
	})
	orch.SetErrorHandler(reportFatal)

	statuspage.Mount(bc.Mux(), slog.Default().With("component", "statuspage"), orch)

	disc := discovery.New(slog.Default().With("component", "discovery"))
	disc.SetUpdateHandler(orch.DiscoveryHandler())
	disc.SetErrorHandler(func(message string) { slog.Error("discovery error", "message", message) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := disc.Start(ctx); err != nil {
		slog.Error("starting discovery", "err", err)
		os.Exit(1)
	}

	color.Success.Println("castbridge is running — press Ctrl-C to stop")
	slog.Info("castbridge ready", "broadcasterPort", bc.Port(), "chromecastAppId", config.ChromecastAppID())

	var exitErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", ctx.Err())
	case exitErr = <-fatal:
	}

	// Reverse construction order: discovery, orchestrator, broadcaster,
	// audiosink — spec.md §5's "scoped acquisition" teardown discipline.
	disc.Stop()
	orch.Stop()
	bc.Stop()
	sinkMgr.Stop()

	if exitErr != nil {
		color.Error.Println("castbridge stopped after a fatal error:", exitErr)
		os.Exit(1)
	}
	os.Exit(0)
}
