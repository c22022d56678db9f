// Package tibber is the high-level client for the energy provider: account
// and home metadata, price info, historic series and the live measurement
// feed.
package tibber

// Version is reported in the User-Agent of every outbound request.
const Version = "0.1.0"

// DemoToken grants access to the provider's public demo account.
const DemoToken = "5K4MVS-OjfWhK_4yrjOlFe1F6kJXPVf7eQYggo8ebAE"

// DefaultAPIEndpoint is the production GraphQL endpoint.
const DefaultAPIEndpoint = "https://api.tibber.com/v1-beta/gql"

// DefaultDataAPIEndpoint is the production device Data API host.
const DefaultDataAPIEndpoint = "https://data-api.tibber.com"

// DefaultUserInfoEndpoint is the OIDC userinfo endpoint.
const DefaultUserInfoEndpoint = "https://thewall.tibber.com/connect/userinfo"

// Resolutions accepted by the historic data operations.
const (
	ResolutionHourly  = "HOURLY"
	ResolutionDaily   = "DAILY"
	ResolutionWeekly  = "WEEKLY"
	ResolutionMonthly = "MONTHLY"
	ResolutionAnnual  = "ANNUAL"
)
