package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wsrpc/cmd/wsrpcd/demo"
	"wsrpc/internal/auth"
	"wsrpc/internal/config"
	"wsrpc/internal/logging"
	"wsrpc/internal/relay"
	"wsrpc/pkg/wsrpc"
)

// upgrader advertises the "json" subprotocol per the wire-format
// requirements and accepts any origin, leaving CORS policy to whatever
// reverse proxy fronts this process in a real deployment.
var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"json"},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	var emitter relay.Emitter = relay.NoopEmitter{}
	if cfg.Relay.Enabled {
		r, err := relay.Connect(cfg.Relay.URL, cfg.Relay.Subject, logger)
		if err != nil {
			logger.Fatal("failed to connect telemetry relay", zap.Error(err))
		}
		defer r.Close()
		emitter = r
	}

	metrics := wsrpc.NewFrameworkMetrics(prometheus.DefaultRegisterer)
	gate := newUpgradeGate(cfg.Auth, logger)

	backend := demo.NewBackendService(metrics, emitter)

	backendProxy := wsrpc.NewServiceProxy(
		"backend",
		fmt.Sprintf("ws://127.0.0.1:%d%s", cfg.Server.Port, cfg.Server.WSPath+"/backend"),
		demo.NewBackendClient,
		wsrpc.WithProxyMetrics[*demo.BackendClient](metrics),
	)
	frontend := demo.NewFrontendService(backendProxy, metrics, emitter)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath+"/backend", serviceUpgradeHandler(backend, gate, logger))
	mux.HandleFunc(cfg.Server.WSPath+"/frontend", serviceUpgradeHandler(frontend, gate, logger))
	mux.HandleFunc(cfg.Server.HealthPath, healthHandler(backend, frontend))
	if cfg.Metrics.Enabled {
		metricsHandler := promhttp.Handler()
		if cfg.Auth.RequireAuth {
			mux.Handle(cfg.Metrics.Endpoint, gate.jwtManager.AuthMiddleware(metricsHandler.ServeHTTP))
		} else {
			mux.Handle(cfg.Metrics.Endpoint, metricsHandler)
		}
	}
	if cfg.Auth.RequireAuth {
		mux.HandleFunc("/auth/token", tokenHandler(gate))
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wsrpcd listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	wsrpc.DefaultKeepAliveScheduler().Stop()
}

func serviceUpgradeHandler(svc *wsrpc.Service, gate *upgradeGate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r, ok := gate.authorize(w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		sessionID := r.RemoteAddr
		if claims, ok := auth.GetUserFromContext(r.Context()); ok {
			sessionID = claims.UserID
		}
		svc.Accept(sessionID, conn)
	}
}

func healthHandler(services ...*wsrpc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		classes := make(map[string]int, len(services))
		for _, s := range services {
			classes[s.Class] = s.SessionCount()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"sessions": classes,
		})
	}
}
