package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/edgewatt/tibberlink/internal/api"
	"github.com/edgewatt/tibberlink/internal/config"
	"github.com/edgewatt/tibberlink/internal/dataapi"
	"github.com/edgewatt/tibberlink/internal/models"
	"github.com/edgewatt/tibberlink/internal/realtime"
	"github.com/edgewatt/tibberlink/internal/scheduler"
	"github.com/edgewatt/tibberlink/internal/tibber"
)

// Command tibberlink runs a monitoring daemon on top of the provider APIs.
//
// The daemon supports:
//   - Account and home metadata with price info
//   - Hourly consumption and production history with month aggregates
//   - Live measurement feeds over websocket with automatic recovery
//   - Device data via the REST Data API
//   - Prometheus metrics
//
// Usage:
//
//	tibberlink [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-metrics-addr string
//	      Prometheus listen address, overrides the config file
func main() {
	// Parse command line flags
	cfg := parseFlags()

	// Load configuration
	appConfig, err := config.Load(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.MetricsAddr != "" {
		appConfig.Metrics.Addr = cfg.MetricsAddr
	}

	// Initialize structured logger
	logger := logrus.New()
	if appConfig.Logging.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(appConfig.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	timeZone, err := time.LoadLocation(appConfig.API.TimeZone)
	if err != nil {
		logger.Fatalf("Failed to load time zone: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"endpoint": appConfig.API.Endpoint,
	}).Info("Starting client")

	executor, err := api.SetupClient(api.ClientConfig{
		Endpoint:       appConfig.API.Endpoint,
		AccessToken:    appConfig.API.AccessToken,
		UserAgent:      appConfig.API.UserAgent,
		Timeout:        time.Duration(appConfig.API.Timeout) * time.Second,
		Retries:        appConfig.API.Retries,
		RateLimit:      appConfig.API.RateLimit,
		RateLimitBurst: appConfig.API.RateLimitBurst,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to setup GraphQL client: %v", err)
	}

	dataClient, err := dataapi.SetupClient(dataapi.Config{
		BaseURL:        appConfig.DataAPI.BaseURL,
		UserInfoURL:    appConfig.DataAPI.UserInfoURL,
		AccessToken:    appConfig.API.AccessToken,
		UserAgent:      appConfig.API.UserAgent,
		Timeout:        time.Duration(appConfig.DataAPI.Timeout) * time.Second,
		Retries:        appConfig.DataAPI.Retries,
		RateLimit:      appConfig.DataAPI.RateLimit,
		RateLimitBurst: appConfig.DataAPI.RateLimitBurst,
		CacheSize:      appConfig.DataAPI.CacheSize,
		CacheTTL:       time.Duration(appConfig.DataAPI.CacheTTL) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to setup Data API client: %v", err)
	}

	// Create a context that will be canceled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := realtime.NewManager(appConfig.API.AccessToken, appConfig.API.UserAgent, logger)
	client := tibber.NewClient(executor, manager, logger, timeZone)

	if err := client.UpdateInfo(ctx); err != nil {
		logger.Fatalf("Failed to fetch account info: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"name":  client.Name(),
		"homes": len(client.HomeIDs(false)),
	}).Info("Account loaded")

	sched := scheduler.NewScheduler(ctx, client, logger)

	// Start background services
	errChan := make(chan error, 1)

	// Bootstrap home details, history and devices in a goroutine
	go bootstrap(ctx, client, dataClient, logger)

	// Start scheduler in a goroutine
	go func() {
		if err := sched.Start(); err != nil {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	if appConfig.Realtime.Enabled {
		go func() {
			if err := subscribeHomes(ctx, client, appConfig.Realtime.HomeIDs, logger); err != nil {
				errChan <- fmt.Errorf("realtime error: %w", err)
			}
		}()
	}

	if appConfig.Metrics.Addr != "" {
		go func() {
			logger.WithFields(logrus.Fields{
				"addr": appConfig.Metrics.Addr,
			}).Info("Starting metrics listener")
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(appConfig.Metrics.Addr, mux); err != nil {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// Handle shutdown gracefully
	go handleShutdown(ctx, cancel, client, sched, logger, errChan)

	// Wait for any error
	if err := <-errChan; err != nil {
		logger.Fatalf("Service error: %v", err)
	}
	logger.Info("Shutdown complete")
}

type Config struct {
	ConfigPath  string
	MetricsAddr string
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ConfigPath, "config", "config.yaml", "Path to the config file")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus listen address, overrides the config file")

	flag.Parse()

	return cfg
}

// bootstrap warms the per-home details, price info, hourly history and the
// device registry once at startup. Failures are logged and left to the
// scheduler to retry.
func bootstrap(ctx context.Context, client *tibber.Client, dataClient *dataapi.Client, logger *logrus.Logger) {
	for _, home := range client.Homes(false) {
		if err := home.UpdateInfo(ctx); err != nil {
			logger.WithError(err).Error("Failed to update home info")
		}
	}
	if err := client.FetchConsumptionDataActiveHomes(ctx); err != nil {
		logger.WithError(err).Error("Failed to bootstrap consumption data")
	}
	if err := client.FetchProductionDataActiveHomes(ctx); err != nil {
		logger.WithError(err).Error("Failed to bootstrap production data")
	}

	devices, err := dataClient.AllDevices(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch devices")
		return
	}
	for id, device := range devices {
		logger.WithFields(logrus.Fields{
			"device_id": id,
			"name":      device.Name(),
			"sensors":   len(device.Sensors()),
		}).Info("Device discovered")
	}
}

// subscribeHomes opens one live feed per home and logs the measurements. An
// empty id list means every home with a running subscription.
func subscribeHomes(ctx context.Context, client *tibber.Client, homeIDs []string, logger *logrus.Logger) error {
	if len(homeIDs) == 0 {
		homeIDs = client.HomeIDs(true)
	}
	for _, id := range homeIDs {
		home := client.Home(id)
		if home == nil {
			continue
		}
		if enabled, known := home.RealTimeConsumption(); known && !enabled {
			logger.WithFields(logrus.Fields{
				"home_id": id,
			}).Info("Home has no real-time meter, skipping")
			continue
		}
		feed, err := home.SubscribeRealTime(ctx)
		if err != nil {
			return err
		}
		go logMeasurements(ctx, home, feed, logger)
	}
	return nil
}

func logMeasurements(ctx context.Context, home *tibber.Home, feed <-chan *models.LiveMeasurement, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-feed:
			fields := logrus.Fields{
				"home_id":   home.ID(),
				"timestamp": m.Timestamp,
			}
			if m.Power != nil {
				fields["power"] = *m.Power
			}
			if m.AccumulatedConsumption != nil {
				fields["accumulated"] = *m.AccumulatedConsumption
			}
			if m.EstimatedHourConsumption != nil {
				fields["estimated_hour"] = *m.EstimatedHourConsumption
			}
			logger.WithFields(fields).Info("Live measurement")
		}
	}
}

// Handle graceful shutdown
func handleShutdown(ctx context.Context, cancel context.CancelFunc, client *tibber.Client, sched *scheduler.Scheduler, logger *logrus.Logger, errChan chan<- error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Println("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	}

	// Perform graceful shutdown
	logger.Println("Gracefully stopping client...")
	sched.Stop()
	client.Disconnect()
	cancel()
	logger.Println("Client stopped")

	errChan <- nil
}
