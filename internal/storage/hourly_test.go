package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewatt/tibberlink/internal/models"
)

func f64(v float64) *float64 { return &v }

func hourNode(from time.Time, consumption, cost float64) models.HistoricNode {
	return models.HistoricNode{
		From:        from,
		Consumption: f64(consumption),
		Cost:        f64(cost),
	}
}

func TestPlanFetchEmptySeries(t *testing.T) {
	series := NewHourlySeries(false)
	hours, ok := series.PlanFetch(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, 60*24, hours, "an empty series requests the full window")
}

func TestPlanFetchIncremental(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC), 2.0, 0.5),
		hourNode(time.Date(2026, 8, 15, 11, 0, 0, 0, time.UTC), 3.0, 0.7),
	}, now, time.UTC)

	// Data reaches up to 12:00, so half an hour later there is nothing new
	_, ok := series.PlanFetch(now.Add(30 * time.Minute))
	assert.False(t, ok)

	// 90 minutes behind rounds down to one hour but two are requested so
	// the newest complete hour is always covered
	hours, ok := series.PlanFetch(now.Add(90 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, 2, hours)

	hours, ok = series.PlanFetch(now.Add(5 * time.Hour))
	require.True(t, ok)
	assert.Equal(t, 5, hours)
}

func TestPlanFetchResetsStaleSeries(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(now.Add(-1500*time.Hour), 2.0, 0.5),
	}, now.Add(-1499*time.Hour), time.UTC)

	hours, ok := series.PlanFetch(now)
	require.True(t, ok)
	assert.Equal(t, 60*24, hours)
	assert.Empty(t, series.Entries(), "stale entries must be dropped before the refill")
}

func TestUpdateMergesAndReplaces(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	h8 := time.Date(2026, 8, 15, 8, 0, 0, 0, time.UTC)
	h9 := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	h10 := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(h8, 2.0, 0.50),
		hourNode(h9, 3.0, 0.70),
	}, now, time.UTC)

	// A refetched hour replaces the stored version
	series.Update([]models.HistoricNode{
		hourNode(h9, 3.5, 0.80),
		hourNode(h10, 1.0, 0.20),
	}, now, time.UTC)

	entries := series.Entries()
	require.Len(t, entries, 3)

	byFrom := make(map[time.Time]models.HistoricNode)
	for _, entry := range entries {
		byFrom[entry.From] = entry
	}
	assert.Equal(t, 3.5, *byFrom[h9].Consumption)

	energy, ok := series.MonthEnergy()
	require.True(t, ok)
	assert.Equal(t, 6.5, energy)
	money, ok := series.MonthMoney()
	require.True(t, ok)
	assert.Equal(t, 1.5, money)
}

func TestMonthAggregatesSkipOtherMonths(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC), 9.0, 3.0),
		hourNode(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC), 2.0, 0.5),
	}, now, time.UTC)

	energy, ok := series.MonthEnergy()
	require.True(t, ok)
	assert.Equal(t, 2.0, energy)

	last, ok := series.LastDataTimestamp()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 15, 11, 0, 0, 0, time.UTC), last)
}

func TestProductionSeriesAggregatesProfit(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(true)
	assert.Equal(t, "production", series.DirectionName())
	assert.Equal(t, "profit", series.MoneyName())

	series.Update([]models.HistoricNode{
		{
			From:       time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC),
			Production: f64(4.25),
			Profit:     f64(1.1),
			// Consumption fields on a production node must be ignored
			Consumption: f64(99),
			Cost:        f64(99),
		},
	}, now, time.UTC)

	energy, ok := series.MonthEnergy()
	require.True(t, ok)
	assert.Equal(t, 4.25, energy)
	money, ok := series.MonthMoney()
	require.True(t, ok)
	assert.Equal(t, 1.1, money)
}

func TestPeakHour(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	peakFrom := time.Date(2026, 8, 14, 18, 0, 0, 0, time.UTC)

	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(time.Date(2026, 8, 14, 17, 0, 0, 0, time.UTC), 2.0, 0.5),
		hourNode(peakFrom, 5.0, 1.2),
		hourNode(time.Date(2026, 8, 14, 19, 0, 0, 0, time.UTC), 3.0, 0.8),
	}, now, time.UTC)

	peak, ok := series.PeakHour()
	require.True(t, ok)
	assert.Equal(t, 5.0, peak)
	peakTime, ok := series.PeakHourTime()
	require.True(t, ok)
	assert.Equal(t, peakFrom, peakTime)
}

func TestBumpPeak(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(false)

	// Without a historic baseline a live hour says nothing about the month
	series.BumpPeak(10.0, now)
	peak, _ := series.PeakHour()
	assert.Equal(t, 0.0, peak)

	series.Update([]models.HistoricNode{
		hourNode(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC), 5.0, 1.2),
	}, now, time.UTC)

	series.BumpPeak(6.5, now)
	peak, ok := series.PeakHour()
	require.True(t, ok)
	assert.Equal(t, 6.5, peak)
	peakTime, _ := series.PeakHourTime()
	assert.Equal(t, now, peakTime)

	// A lower hour leaves the peak alone
	series.BumpPeak(4.0, now.Add(time.Hour))
	peak, _ = series.PeakHour()
	assert.Equal(t, 6.5, peak)
}

func TestAggregatesRoundToCents(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC), 0.123, 0.111),
		hourNode(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC), 0.456, 0.222),
	}, now, time.UTC)

	energy, _ := series.MonthEnergy()
	assert.Equal(t, 0.58, energy)
	money, _ := series.MonthMoney()
	assert.Equal(t, 0.33, money)
}

func TestLastDataTimestampUnset(t *testing.T) {
	series := NewHourlySeries(false)
	_, ok := series.LastDataTimestamp()
	assert.False(t, ok)
	_, ok = series.MonthEnergy()
	assert.False(t, ok)
	_, ok = series.PeakHourTime()
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	series := NewHourlySeries(false)
	series.Update([]models.HistoricNode{
		hourNode(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC), 2.0, 0.5),
	}, now, time.UTC)

	series.Reset()
	assert.Empty(t, series.Entries())
	_, ok := series.MonthEnergy()
	assert.False(t, ok)
	_, ok = series.LastDataTimestamp()
	assert.False(t, ok)

	hours, ok := series.PlanFetch(now)
	require.True(t, ok)
	assert.Equal(t, 60*24, hours)
}
