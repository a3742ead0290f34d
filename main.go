// Package main provides the entry point for the liveagent session client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"github.com/quillon/liveagent/cmd"
	"github.com/quillon/liveagent/internal/agent"
	"github.com/quillon/liveagent/internal/app"
	"github.com/quillon/liveagent/internal/audio"
	"github.com/quillon/liveagent/internal/capture"
	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/infrastructure"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/internal/playback"
	"github.com/quillon/liveagent/internal/protocol"
	"github.com/quillon/liveagent/internal/tools"
	"github.com/quillon/liveagent/internal/transcribe"
	pkginfra "github.com/quillon/liveagent/pkg/infrastructure"
)

func main() {
	opts, err := cmd.ParseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch opts.Command {
	case cmd.CommandDevices:
		if err := cmd.PrintDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		return
	case cmd.CommandRun:
	default:
		// Help or completion output was already printed.
		return
	}

	// The flag rides the environment override the config loader already
	// applies, so precedence stays flag > environment > file.
	if opts.LogLevel != "" {
		os.Setenv("LIVEAGENT_LOG_LEVEL", opts.LogLevel)
	}

	// Create the application with all modules
	application := app.New(
		// Core modules
		config.Module,
		infrastructure.LoggerModule,
		observability.Module,

		// Media pipeline modules
		audio.Module,
		playback.Module,
		capture.Module,
		transcribe.Module,

		// Session modules
		protocol.Module,
		tools.Module,
		agent.Module,

		// Supply the config path
		fx.Supply(opts.ConfigPath),

		// Configure Fx to use our Zap logger for its own internal logging
		fx.WithLogger(pkginfra.NewFxLoggerAdapter),
	)

	// Set up a channel to listen for OS signals (like Ctrl+C)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the application in a goroutine
	go application.Run()

	// Block until a signal is received
	sig := <-sigCh
	fmt.Printf("Received signal: %s, initiating shutdown.\n", sig)

	// Give the application 30 seconds to shut down gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	// Gracefully stop the application
	err = application.Stop(shutdownCtx)
	cancel()

	if err != nil {
		fmt.Printf("Error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Application has shut down gracefully.")
}
