// Package main is a small HTTP server demonstrating the library: limiters
// are loaded from a YAML config and applied to routes via middleware.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	ratelink "github.com/ratelink/ratelink-go/api"
	"github.com/ratelink/ratelink-go/metrics"
	"github.com/ratelink/ratelink-go/middleware"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	port := flag.Int("p", 8080, "Port to run the HTTP server on")
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	logLevelStr := flag.String("log-level", "info", "Logging level (trace, debug, info, warn, error, fatal, panic)")
	flag.Parse()

	logLevel, err := zerolog.ParseLevel(*logLevelStr)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", *logLevelStr).Msg("Invalid log level provided")
	}
	zerolog.SetGlobalLevel(logLevel)

	log.Info().Str("config_path", *configPath).Msg("Starting application initialization")

	promHook, err := metrics.NewPrometheusHook(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("Application startup failed: could not register Prometheus collectors")
	}

	limiters, limiterConfigs, closer, err := ratelink.NewLimitersFromConfigPath(*configPath, ratelink.WithHooks(promHook))
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Application startup failed: error initializing rate limiters from config")
	}
	defer closer.Close()

	log.Info().Int("count", len(limiters)).Msg("All rate limiters successfully initialized")

	apiLimiterKey := "api_rate_limit"
	apiLimiter, ok := limiters[apiLimiterKey]
	if !ok {
		log.Fatal().Str("limiter_key", apiLimiterKey).Msg("Application startup failed: rate limiter key not found in config")
	}
	apiLimiterConfig := limiterConfigs[apiLimiterKey]

	loginLimiterKey := "user_login_rate_limit"
	loginLimiter, ok := limiters[loginLimiterKey]
	if !ok {
		log.Fatal().Str("limiter_key", loginLimiterKey).Msg("Application startup failed: rate limiter key not found in config")
	}
	loginLimiterConfig := limiterConfigs[loginLimiterKey]

	apiMetrics := metrics.NewRateLimitMetrics()
	loginMetrics := metrics.NewRateLimitMetrics()

	apiMiddleware := middleware.NewRateLimitMiddleware(apiLimiter, apiMetrics, apiLimiterKey, string(apiLimiterConfig.Algorithm), apiLimiterConfig.Limit)
	loginMiddleware := middleware.NewRateLimitMiddleware(loginLimiter, loginMetrics, loginLimiterKey, string(loginLimiterConfig.Algorithm), loginLimiterConfig.Limit)

	http.HandleFunc("/unlimited", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Unlimited! Let's Go!")
	})

	http.HandleFunc("/limited", apiMiddleware.Handle(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Limited, don't over use me!")
	}, getClientIP))

	http.HandleFunc("/login", loginMiddleware.Handle(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Login attempt processed!")
	}, getClientIP))

	http.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", *port)
	log.Info().Str("address", addr).Msg("Starting HTTP server")
	log.Fatal().Err(http.ListenAndServe(addr, nil)).Str("address", addr).Msg("HTTP server stopped")
}

// getClientIP extracts the client's IP address from the request.
// It checks X-Forwarded-For, X-Real-IP headers, and finally the request's RemoteAddr.
func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		return strings.Split(ip, ",")[0]
	}

	ip = r.Header.Get("X-Real-IP")
	if ip != "" {
		return ip
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
