// Package storage implements the in-memory hourly energy series.
//
// Architecture:
//   - One series per home and direction (consumption or production)
//   - Incremental fetch planning based on the last stored timestamp
//   - Month aggregates (energy, money, peak hour) recomputed on merge
//   - Safe for concurrent use by the fetcher and the live feed
//
// Example usage:
//
//	series := storage.NewHourlySeries(false)
//	hours, ok := series.PlanFetch(time.Now())
//	if ok {
//	    nodes := fetch(hours)
//	    series.Update(nodes, time.Now(), loc)
//	}
package storage

import (
	"math"
	"sync"
	"time"

	"github.com/edgewatt/tibberlink/internal/models"
)

const (
	// fullWindowHours is the span fetched when the series starts empty or
	// has gone stale beyond the retention horizon.
	fullWindowHours = 60 * 24

	// retentionSlack widens the staleness check so a series is only reset
	// when its oldest entry has clearly fallen out of the window.
	retentionSlack = 24
)

// HourlySeries accumulates hourly nodes for one direction and keeps the
// month aggregates derived from them.
//
// The zero aggregates are not observable: every getter reports whether a
// value has been computed yet.
type HourlySeries struct {
	production bool

	mu           sync.Mutex
	entries      []models.HistoricNode
	monthEnergy  float64
	monthMoney   float64
	peakHour     float64
	peakHourTime time.Time
	lastData     time.Time
	aggregated   bool
}

// NewHourlySeries creates an empty series. Production series aggregate the
// profit field, consumption series the cost field.
func NewHourlySeries(production bool) *HourlySeries {
	return &HourlySeries{production: production}
}

// Production reports the direction of the series.
func (h *HourlySeries) Production() bool { return h.production }

// DirectionName returns the GraphQL field name of the direction.
func (h *HourlySeries) DirectionName() string {
	if h.production {
		return "production"
	}
	return "consumption"
}

// MoneyName returns the GraphQL field name of the money amount.
func (h *HourlySeries) MoneyName() string {
	if h.production {
		return "profit"
	}
	return "cost"
}

// PlanFetch decides how many hours to request next. An empty or stale
// series is reset and refilled with the full window; otherwise the request
// covers the hours since the last stored data, never fewer than two so the
// newest complete hour is always included. Returns false when the stored
// data is still current.
func (h *HourlySeries) PlanFetch(now time.Time) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	horizon := now.Add(-time.Duration(fullWindowHours+retentionSlack) * time.Hour)
	if len(h.entries) == 0 || h.lastData.IsZero() || h.entries[0].From.Before(horizon) {
		h.entries = nil
		return fullWindowHours, true
	}

	hours := int(now.Sub(h.lastData).Hours())
	if hours < 1 {
		return 0, false
	}
	if hours < 2 {
		hours = 2
	}
	return hours, true
}

// Update merges freshly fetched nodes into the series and recomputes the
// month aggregates. Stored entries for an hour that reappears in the new
// batch are replaced by the fetched version.
func (h *HourlySeries) Update(nodes []models.HistoricNode, now time.Time, loc *time.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(nodes) > 0 {
		if len(h.entries) == 0 {
			h.entries = append([]models.HistoricNode(nil), nodes...)
		} else {
			fetched := make(map[time.Time]bool, len(nodes))
			for _, node := range nodes {
				fetched[node.From] = true
			}
			kept := h.entries[:0]
			for _, entry := range h.entries {
				if !fetched[entry.From] {
					kept = append(kept, entry)
				}
			}
			h.entries = append(kept, nodes...)
		}
	}

	h.recomputeLocked(now, loc)
}

func (h *HourlySeries) recomputeLocked(now time.Time, loc *time.Location) {
	localNow := now.In(loc)

	var monthEnergy, monthMoney, peakEnergy float64
	var peakTime time.Time

	for _, node := range h.entries {
		if node.From.Month() != localNow.Month() || node.From.Year() != localNow.Year() {
			continue
		}
		energy := h.energyOf(node)
		if energy == nil {
			continue
		}

		if end := node.From.Add(time.Hour); h.lastData.IsZero() || end.After(h.lastData) {
			h.lastData = end
		}
		if *energy > peakEnergy {
			peakEnergy = *energy
			peakTime = node.From
		}
		monthEnergy += *energy

		if money := h.moneyOf(node); money != nil {
			monthMoney += *money
		}
	}

	h.monthEnergy = round2(monthEnergy)
	h.monthMoney = round2(monthMoney)
	h.peakHour = round2(peakEnergy)
	h.peakHourTime = peakTime
	h.aggregated = true
}

func (h *HourlySeries) energyOf(node models.HistoricNode) *float64 {
	if h.production {
		return node.Production
	}
	return node.Consumption
}

func (h *HourlySeries) moneyOf(node models.HistoricNode) *float64 {
	if h.production {
		return node.Profit
	}
	return node.Cost
}

// BumpPeak raises the month peak when a live measurement exceeds it. The
// peak must already be known from historic data; without that baseline a
// single live hour says nothing about the month.
func (h *HourlySeries) BumpPeak(value float64, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peakHour > 0 && value > h.peakHour {
		h.peakHour = round2(value)
		h.peakHourTime = ts
	}
}

// Entries returns a copy of the stored nodes.
func (h *HourlySeries) Entries() []models.HistoricNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.HistoricNode(nil), h.entries...)
}

// MonthEnergy returns the energy total of the current month.
func (h *HourlySeries) MonthEnergy() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.monthEnergy, h.aggregated
}

// MonthMoney returns the cost (or profit) total of the current month.
func (h *HourlySeries) MonthMoney() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.monthMoney, h.aggregated
}

// PeakHour returns the highest hourly energy of the current month.
func (h *HourlySeries) PeakHour() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peakHour, h.aggregated
}

// PeakHourTime returns when the month peak occurred.
func (h *HourlySeries) PeakHourTime() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peakHourTime, h.aggregated && !h.peakHourTime.IsZero()
}

// LastDataTimestamp returns the end of the newest stored hour.
func (h *HourlySeries) LastDataTimestamp() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastData, !h.lastData.IsZero()
}

// Reset drops all stored data and aggregates.
func (h *HourlySeries) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.monthEnergy = 0
	h.monthMoney = 0
	h.peakHour = 0
	h.peakHourTime = time.Time{}
	h.lastData = time.Time{}
	h.aggregated = false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
