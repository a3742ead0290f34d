package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

// Module provides metrics and the optional HTTP listener.
var Module = fx.Module("observability",
	fx.Provide(NewMetrics),
	fx.Invoke(registerMetricsServer),
)

type metricsServerParams struct {
	fx.In
	Cfg     *config.Config
	Metrics *Metrics
	Logger  *zap.Logger
	LC      fx.Lifecycle
}

// registerMetricsServer starts a /metrics and /healthz listener when an
// address is configured. Disabled entirely otherwise.
func registerMetricsServer(params metricsServerParams) {
	addr := params.Cfg.Observability.ListenAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", params.Metrics.Handler())
	mux.HandleFunc("/healthz", healthHandler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	params.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				params.Logger.Info("Metrics listener started", zap.String("addr", addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					params.Logger.Error("Metrics listener failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"service":   "liveagent",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
