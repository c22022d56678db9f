package models

import (
	"encoding/json"
	"time"
)

// GraphQLRequest is the body of a GraphQL-over-HTTP POST.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// GraphQLError is a single entry of a GraphQL errors array.
type GraphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// GraphQLEnvelope is a decoded GraphQL response. A 200 response may carry
// both data and errors; callers are expected to inspect Errors themselves.
type GraphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// LiveMeasurement is one message of the liveMeasurement subscription stream.
// Optional fields are pointers since the provider sends explicit nulls, e.g.
// production values during the night.
type LiveMeasurement struct {
	Timestamp                      time.Time `json:"timestamp"`
	Power                          *float64  `json:"power"`
	PowerProduction                *float64  `json:"powerProduction"`
	PowerReactive                  *float64  `json:"powerReactive"`
	PowerFactor                    *float64  `json:"powerFactor"`
	AveragePower                   *float64  `json:"averagePower"`
	MinPower                       *float64  `json:"minPower"`
	MaxPower                       *float64  `json:"maxPower"`
	AccumulatedConsumption         *float64  `json:"accumulatedConsumption"`
	AccumulatedConsumptionLastHour *float64  `json:"accumulatedConsumptionLastHour"`
	AccumulatedProduction          *float64  `json:"accumulatedProduction"`
	AccumulatedProductionLastHour  *float64  `json:"accumulatedProductionLastHour"`
	AccumulatedCost                *float64  `json:"accumulatedCost"`
	AccumulatedReward              *float64  `json:"accumulatedReward"`
	Currency                       string    `json:"currency"`
	LastMeterConsumption           *float64  `json:"lastMeterConsumption"`
	LastMeterProduction            *float64  `json:"lastMeterProduction"`
	CurrentL1                      *float64  `json:"currentL1"`
	CurrentL2                      *float64  `json:"currentL2"`
	CurrentL3                      *float64  `json:"currentL3"`
	VoltagePhase1                  *float64  `json:"voltagePhase1"`
	VoltagePhase2                  *float64  `json:"voltagePhase2"`
	VoltagePhase3                  *float64  `json:"voltagePhase3"`
	SignalStrength                 *float64  `json:"signalStrength"`

	// EstimatedHourConsumption is derived locally from the rolling power
	// window, never sent by the provider.
	EstimatedHourConsumption *float64 `json:"estimatedHourConsumption,omitempty"`
}

// LiveMeasurementPayload is the data frame payload of the subscription.
type LiveMeasurementPayload struct {
	Data struct {
		LiveMeasurement *LiveMeasurement `json:"liveMeasurement"`
	} `json:"data"`
}

// ViewerInfo is the viewer part of the INFO query response.
type ViewerInfo struct {
	Viewer struct {
		Name                     string `json:"name"`
		UserID                   string `json:"userId"`
		WebsocketSubscriptionURL string `json:"websocketSubscriptionUrl"`
		Homes                    []struct {
			ID            string `json:"id"`
			Subscriptions []struct {
				Status string `json:"status"`
			} `json:"subscriptions"`
		} `json:"homes"`
	} `json:"viewer"`
}

// PriceEntry is a single price point of a price info response.
type PriceEntry struct {
	Energy   *float64 `json:"energy,omitempty"`
	Tax      *float64 `json:"tax,omitempty"`
	Total    *float64 `json:"total"`
	StartsAt string   `json:"startsAt"`
	Level    string   `json:"level,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// PriceInfo groups the current, today and tomorrow price entries.
type PriceInfo struct {
	Current  *PriceEntry  `json:"current"`
	Today    []PriceEntry `json:"today"`
	Tomorrow []PriceEntry `json:"tomorrow"`
}

// SubscriptionEntry describes one provider subscription of a home.
type SubscriptionEntry struct {
	ID           string  `json:"id"`
	Status       *string `json:"status"`
	ValidFrom    string  `json:"validFrom"`
	ValidTo      *string `json:"validTo"`
	StatusReason *string `json:"statusReason"`
}

// HomeDetails is the home part of the UPDATE_INFO_PRICE query response.
type HomeDetails struct {
	AppNickname *string `json:"appNickname"`
	Features    struct {
		RealTimeConsumptionEnabled *bool `json:"realTimeConsumptionEnabled"`
	} `json:"features"`
	CurrentSubscription *struct {
		Status    *string    `json:"status"`
		PriceInfo *PriceInfo `json:"priceInfo"`
	} `json:"currentSubscription"`
	Address struct {
		Address1   string `json:"address1"`
		Address2   string `json:"address2"`
		Address3   string `json:"address3"`
		City       string `json:"city"`
		PostalCode string `json:"postalCode"`
		Country    string `json:"country"`
		Latitude   string `json:"latitude"`
		Longitude  string `json:"longitude"`
	} `json:"address"`
	MeteringPointData struct {
		ConsumptionEan             *string  `json:"consumptionEan"`
		EnergyTaxType              *string  `json:"energyTaxType"`
		EstimatedAnnualConsumption *float64 `json:"estimatedAnnualConsumption"`
		GridCompany                *string  `json:"gridCompany"`
		ProductionEan              *string  `json:"productionEan"`
		VatType                    *string  `json:"vatType"`
	} `json:"meteringPointData"`
	Owner *struct {
		Name        string `json:"name"`
		IsCompany   *bool  `json:"isCompany"`
		Language    string `json:"language"`
		ContactInfo struct {
			Email  *string `json:"email"`
			Mobile *string `json:"mobile"`
		} `json:"contactInfo"`
	} `json:"owner"`
	TimeZone      string              `json:"timeZone"`
	Subscriptions []SubscriptionEntry `json:"subscriptions"`
}

// HomeInfo is the envelope around HomeDetails as returned by home queries.
type HomeInfo struct {
	Viewer struct {
		Home *HomeDetails `json:"home"`
	} `json:"viewer"`
}

// HistoricNode is one node of a consumption or production history page.
type HistoricNode struct {
	From            time.Time  `json:"from"`
	To              *time.Time `json:"to,omitempty"`
	Consumption     *float64   `json:"consumption,omitempty"`
	ConsumptionUnit string     `json:"consumptionUnit,omitempty"`
	Production      *float64   `json:"production,omitempty"`
	ProductionUnit  string     `json:"productionUnit,omitempty"`
	Cost            *float64   `json:"cost,omitempty"`
	TotalCost       *float64   `json:"totalCost,omitempty"`
	Profit          *float64   `json:"profit,omitempty"`
}

// PriceRatingEntry is one node of the priceRating history.
type PriceRatingEntry struct {
	Time  string  `json:"time"`
	Total float64 `json:"total"`
	Level string  `json:"level,omitempty"`
}
