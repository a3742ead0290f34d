// Package app provides the main application structure and lifecycle management.
package app

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/agent"
	"github.com/quillon/liveagent/internal/protocol"
)

// Application represents the main application with its lifecycle.
type Application struct {
	app *fx.App
}

// New creates a new Application with the provided modules and options.
func New(modules ...fx.Option) *Application {
	// Combine all provided modules with lifecycle management
	options := append(modules, fx.Invoke(registerLifecycleHooks))

	app := fx.New(options...)

	return &Application{
		app: app,
	}
}

// Run starts the application and blocks until it's stopped.
func (a *Application) Run() {
	a.app.Run()
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	return a.app.Stop(ctx)
}

// registerLifecycleHooks ties the session to the Fx lifecycle: connect and
// initialize on start, tear everything down on stop.
func registerLifecycleHooks(lc fx.Lifecycle, orch *agent.Orchestrator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			orch.SetEvents(sessionEvents(logger))

			logger.Info("Starting application: opening session")

			if err := orch.Connect(ctx); err != nil {
				logger.Error("Failed to connect session", zap.Error(err))

				return err
			}

			if err := orch.Initialize(ctx); err != nil {
				logger.Error("Failed to initialize session", zap.Error(err))
				// Connect succeeded but device bring-up failed; unwind the
				// transport so OnStop has nothing half-open.
				if derr := orch.Disconnect(ctx); derr != nil {
					logger.Error("Rollback disconnect failed", zap.Error(derr))
				}

				return err
			}

			// A missing input device is not fatal: text input and playback
			// still work without a microphone.
			if err := orch.ToggleMicrophone(ctx); err != nil {
				logger.Warn("Microphone unavailable, continuing without audio input", zap.Error(err))
			}

			logger.Info("Application started successfully")

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping application: tearing down session")

			if err := orch.Disconnect(ctx); err != nil {
				logger.Error("Failed to tear down session", zap.Error(err))

				return err
			}

			logger.Info("Application stopped successfully")

			return nil
		},
	})
}

// sessionEvents routes orchestrator callbacks to the logger. The binary is
// headless; the log stream is its user surface.
func sessionEvents(logger *zap.Logger) agent.Events {
	return agent.Events{
		OnContent: func(parts []protocol.ContentPart) {
			var b strings.Builder
			for _, part := range parts {
				b.WriteString(part.Text)
			}
			if text := b.String(); text != "" {
				logger.Info("Agent text", zap.String("text", text))
			}
		},
		OnTranscript: func(source, text string, final bool) {
			logger.Info("Transcript",
				zap.String("source", source),
				zap.String("text", text),
				zap.Bool("final", final))
		},
		OnInterrupted: func() {
			logger.Info("Agent interrupted by caller speech")
		},
		OnTurnComplete: func() {
			logger.Debug("Agent turn complete")
		},
		OnToolResponded: func(responses []protocol.ToolResponse) {
			logger.Info("Tool responses delivered", zap.Int("count", len(responses)))
		},
		OnCaptureStopped: func(kind, reason string) {
			logger.Warn("Capture stopped",
				zap.String("kind", kind),
				zap.String("reason", reason))
		},
		OnSpeechActivity: func(active bool) {
			logger.Debug("Speech activity changed", zap.Bool("active", active))
		},
		OnError: func(err error) {
			logger.Error("Session error", zap.Error(err))
		},
	}
}
