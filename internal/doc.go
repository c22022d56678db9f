// Package tibberlink implements a resilient client for the Tibber energy
// data platform.
//
// # Architecture
//
// The client is structured into several key packages:
//   - api: GraphQL executor with classification, retries and middlewares
//   - dataapi: REST Data API client for device-level data
//   - realtime: Websocket subscription transport, manager and watchdog
//   - tibber: High-level account and home resources
//   - storage: Hourly consumption and production series
//   - models: Shared data structures
//   - scheduler: Periodic price and history refresh
//
// Key Features
//
//   - Live Measurements:
//     Per-home websocket feeds with liveness tracking, automatic
//     reconnection and locally derived fields such as the estimated
//     consumption of the running hour.
//
//   - Historic Data:
//     Hourly consumption and production history with month aggregates,
//     fetched incrementally and merged into an in-memory series.
//
//   - Resilience:
//     Responses are classified before use, rate limits are honored via
//     Retry-After, and a watchdog replaces dead websocket sessions with
//     capped randomized backoff.
//
// Example Usage
//
//	executor, _ := api.SetupClient(api.ClientConfig{
//	    Endpoint:    tibber.DefaultAPIEndpoint,
//	    AccessToken: token,
//	    UserAgent:   "HomeAssistant/2024.8",
//	}, logger)
//	manager := realtime.NewManager(token, "HomeAssistant/2024.8", logger)
//	client := tibber.NewClient(executor, manager, logger, time.UTC)
//	if err := client.UpdateInfo(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// For more information about specific packages, see their respective
// documentation.
package tibberlink
