package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firewatch_http_requests_total",
		Help: "Total number of HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "firewatch_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// lastIngestUnix is the unix-second timestamp of the last reading
	// accepted by the ingest endpoint. 0 until the first reading arrives.
	lastIngestUnix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "firewatch_last_ingest_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the last accepted sensor reading. 0 if none yet.",
	})

	// storeUp is 1 when the backing store is reachable, 0 otherwise.
	// Updated on every write outcome.
	storeUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "firewatch_store_up",
		Help: "1 if the telemetry store is reachable, 0 otherwise.",
	})

	storeWriteFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewatch_store_write_fail_total",
		Help: "Total number of failed telemetry store writes.",
	})

	ingestRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewatch_ingest_rejected_total",
		Help: "Total number of sensor payloads rejected by validation.",
	})
)

// responseRecorder wraps ResponseWriter to capture the written status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// routeLabel returns a stable Prometheus label for the request path,
// avoiding cardinality explosion from raw URLs with query strings.
func routeLabel(r *http.Request) string {
	switch r.URL.Path {
	case "/api/health":
		return "/api/health"
	case "/api/sensor":
		return "/api/sensor"
	case "/api/current":
		return "/api/current"
	case "/api/history":
		return "/api/history"
	case "/api/login":
		return "/api/login"
	case "/api/logout":
		return "/api/logout"
	case "/api/admin/delete_history":
		return "/api/admin/delete_history"
	case "/api/admin/export_excel":
		return "/api/admin/export_excel"
	case "/api/admin/train_ai":
		return "/api/admin/train_ai"
	default:
		return "other"
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rr, r)

		duration := time.Since(start)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.status,
			"remote", r.RemoteAddr,
			"duration_ms", duration.Milliseconds(),
		)

		status := strconv.Itoa(rr.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

// corsMiddleware lets the dashboard poll the API from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newMux wires every route. Split out of main() so tests can build the
// exact production handler around their own store and registry.
func newMux(cfg config, st store, tr *trainer, tokens *tokenRegistry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", healthHandler)
	mux.HandleFunc("POST /api/sensor", makeSensorHandler(st, tr))
	mux.HandleFunc("GET /api/current", makeCurrentHandler(st, cfg.onlineWindow))
	mux.HandleFunc("GET /api/history", makeHistoryHandler(st, cfg.historyPageLimit))

	mux.HandleFunc("POST /api/login", makeLoginHandler(cfg, tokens))
	mux.HandleFunc("POST /api/logout", requireAuth(tokens, false, makeLogoutHandler(tokens)))

	mux.HandleFunc("POST /api/admin/delete_history", requireAuth(tokens, false, makeDeleteHistoryHandler(st)))
	mux.HandleFunc("GET /api/admin/export_excel", requireAuth(tokens, true, makeExportHandler(st, cfg.exportLimit)))
	mux.HandleFunc("POST /api/admin/train_ai", requireAuth(tokens, false, makeTrainHandler(st, tr)))

	return mux
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the HTTP server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost:8080", 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	cfg := loadConfig()

	logger.Info("starting firewatch server",
		"version", version,
		"addr", cfg.httpAddr,
		"metrics_addr", cfg.metricsAddr,
		"store_driver", cfg.storeDriver,
		"online_window", cfg.onlineWindow.String(),
		"history_page_limit", cfg.historyPageLimit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open telemetry store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	storeUp.Set(1)

	tokens := newTokenRegistry(cfg.tokenTTL)
	tr := newTrainer()
	// Seed a baseline so the anomaly check has something to compare
	// against before the first explicit retrain.
	tr.Bootstrap(400)

	srv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      corsMiddleware(loggingMiddleware(newMux(cfg, st, tr, tokens))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		logger.Error("server exited unexpectedly", "error", err)
	}

	logger.Info("shutting down firewatch server gracefully")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)
	logger.Info("firewatch server stopped")
}
