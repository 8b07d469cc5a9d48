package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bastion/bootstrap"
	"bastion/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bastion demo daemon",
	Long: `Starts an HTTP server exposing session lifecycle endpoints, a
CSRF-protected demo action, anomaly reports and Prometheus metrics. The
server stands in for the application middleware that would normally embed
the engine as a library.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logger, sugar := bootstrap.InitLogger()
	defer logger.Sync()

	cfg, err := bootstrap.InitConfig(sugar)
	if err != nil {
		return err
	}

	engine := bootstrap.BuildEngine(cfg, sugar)
	defer engine.Close()

	guard := middleware.NewGuard(engine.Tokens, engine.Devices, engine.Detector, cfg.Server.TrustProxy, sugar)
	limiter := middleware.NewRateLimiter(
		cfg.Server.RateLimit.RequestsPerSecond,
		cfg.Server.RateLimit.Burst,
		cfg.Server.TrustProxy,
		sugar,
	)
	defer limiter.Close()

	r := mux.NewRouter()
	r.Use(limiter.Middleware)

	r.HandleFunc("/session", createSession(engine, cfg.Server.TrustProxy, sugar)).Methods(http.MethodPost)
	r.HandleFunc("/session", deleteSession(engine)).Methods(http.MethodDelete)
	r.HandleFunc("/session/report", sessionReport(engine)).Methods(http.MethodGet)
	r.HandleFunc("/suspicious", suspiciousSessions(engine)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Handle("/action", guard.Protect(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))).Methods(http.MethodPost)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("bastion listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		sugar.Infow("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// createSession establishes a demo session: in a real deployment the
// session id comes from the external auth layer; here we mint one.
func createSession(engine *bootstrap.Engine, trustProxy bool, sugar *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := uuid.NewString()
		tok, err := engine.Tokens.InitializeSession(sessionID)
		if err != nil {
			sugar.Errorw("session initialization failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		fp := engine.Devices.RegisterDevice(sessionID, middleware.DeviceInfoFromRequest(r, trustProxy))

		http.SetCookie(w, &http.Cookie{
			Name:     middleware.CookieSessionID,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		writeJSON(w, http.StatusCreated, map[string]string{
			"session_id":  sessionID,
			"csrf_token":  tok,
			"fingerprint": fp,
		})
	}
}

func deleteSession(engine *bootstrap.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := middleware.SessionID(r)
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session"})
			return
		}
		engine.CleanupSession(sessionID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func sessionReport(engine *bootstrap.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := middleware.SessionID(r)
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session"})
			return
		}
		report, ok := engine.Detector.AnomalyReport(sessionID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no activity recorded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"anomaly": report,
			"devices": engine.Devices.DeviceStats(sessionID),
		})
	}
}

func suspiciousSessions(engine *bootstrap.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": engine.Detector.SuspiciousSessions(),
			"global":   engine.Detector.GlobalStatistics(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
