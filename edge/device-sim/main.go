package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	publishSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewatch_sim_publish_success_total",
		Help: "Total number of readings successfully published to MQTT.",
	})
	publishFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewatch_sim_publish_failure_total",
		Help: "Total number of publish attempts that returned an error.",
	})
	publishTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewatch_sim_publish_timeout_total",
		Help: "Total number of publish attempts that timed out waiting for ack.",
	})
)

type config struct {
	broker          string
	clientID        string
	topic           string
	metricsAddr     string
	publishInterval time.Duration
	fireChance      float64
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func newConfig() config {
	intervalRaw := getEnv("PUBLISH_INTERVAL", "5s")
	interval, err := time.ParseDuration(intervalRaw)
	if err != nil || interval <= 0 {
		logger.Warn("invalid PUBLISH_INTERVAL, using default 5s", "value", intervalRaw)
		interval = 5 * time.Second
	}
	return config{
		broker:          getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		clientID:        getEnv("MQTT_CLIENT_ID", "firewatch-sim-1"),
		topic:           getEnv("MQTT_TOPIC", "firewatch/readings"),
		metricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		publishInterval: interval,
		fireChance:      0.02,
	}
}

// simState random-walks the three channels between publishes. A simulated
// fire event spikes smoke and temperature for a handful of ticks so the
// classifier's WARNING and DANGER tiers actually get exercised downstream.
type simState struct {
	rng         *rand.Rand
	smoke       float64
	temperature float64
	humidity    float64
	fireTicks   int
}

func newSimState(rng *rand.Rand) *simState {
	return &simState{
		rng:         rng,
		smoke:       150,
		temperature: 28,
		humidity:    50,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *simState) next(fireChance float64) map[string]any {
	if s.fireTicks == 0 && s.rng.Float64() < fireChance {
		s.fireTicks = 5 + s.rng.Intn(8)
		logger.Info("simulating fire event", "ticks", s.fireTicks)
	}

	if s.fireTicks > 0 {
		s.fireTicks--
		s.smoke = clamp(s.smoke+100+s.rng.Float64()*150, 0, 1023)
		s.temperature = clamp(s.temperature+3+s.rng.Float64()*4, -10, 90)
		s.humidity = clamp(s.humidity-2+s.rng.NormFloat64(), 5, 95)
	} else {
		// Decay back toward the baseline, plus noise.
		s.smoke = clamp(s.smoke+(150-s.smoke)*0.2+s.rng.NormFloat64()*15, 0, 1023)
		s.temperature = clamp(s.temperature+(28-s.temperature)*0.2+s.rng.NormFloat64()*0.5, -10, 90)
		s.humidity = clamp(s.humidity+(50-s.humidity)*0.1+s.rng.NormFloat64()*2, 5, 95)
	}

	return map[string]any{
		"smoke":       int(s.smoke),
		"temperature": float64(int(s.temperature*10)) / 10,
		"humidity":    float64(int(s.humidity*10)) / 10,
	}
}

func newMQTTClient(cfg config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.broker).
		SetClientID(cfg.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
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
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost:9090", 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	cfg := newConfig()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sim := newSimState(rng)

	logger.Info("starting device-sim",
		"version", version,
		"broker", cfg.broker,
		"client_id", cfg.clientID,
		"topic", cfg.topic,
		"publish_interval", cfg.publishInterval.String(),
	)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newMQTTClient(cfg)
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return
	}

	ticker := time.NewTicker(cfg.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down device-sim")
			client.Disconnect(500)
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
			return

		case <-ticker.C:
			reading := sim.next(cfg.fireChance)
			payload, err := json.Marshal(reading)
			if err != nil {
				logger.Error("failed to marshal reading", "error", err)
				continue
			}
			token := client.Publish(cfg.topic, 1, false, payload)
			if ok := token.WaitTimeout(3 * time.Second); !ok {
				logger.Warn("publish timed out")
				publishTimeout.Inc()
				continue
			}
			if err := token.Error(); err != nil {
				logger.Error("publish failed", "error", err)
				publishFailure.Inc()
			} else {
				logger.Debug("published reading",
					"topic", cfg.topic,
					"smoke", reading["smoke"],
					"temperature", reading["temperature"],
					"humidity", reading["humidity"],
				)
				publishSuccess.Inc()
			}
		}
	}
}
