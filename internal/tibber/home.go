package tibber

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/edgewatt/tibberlink/internal/models"
	"github.com/edgewatt/tibberlink/internal/realtime"
	"github.com/edgewatt/tibberlink/internal/storage"
)

const (
	// defaultEligibilityDebounce suppresses a true-to-false flip of the
	// real-time eligibility flag. Homes have been seen to lose and regain
	// the capability within the hour; the exact duration is heuristic.
	defaultEligibilityDebounce = time.Hour

	// feedBuffer bounds the per-home measurement channel handed to the
	// consumer.
	feedBuffer = 16

	// connectWaitAttempts is how many one-second rounds SubscribeRealTime
	// waits for the manager to come up before giving up.
	connectWaitAttempts = 30

	// powerWindow is the span of the rolling power window behind the
	// estimated hour consumption.
	powerWindow = 5 * time.Minute
)

var errRealtimeNotRunning = errors.New("realtime connection is not running")

type powerSample struct {
	ts time.Time
	kw float64
}

// Home is one subscription target: accessors over the home metadata, price
// info, hourly history and the live measurement feed.
//
// A Home is owned by its Client and implements realtime.Subscriber so the
// watchdog can check feed health and re-establish the feed after a
// reconnect.
type Home struct {
	client    *Client
	id        string
	validator *RequestValidator

	consumption *storage.HourlySeries
	production  *storage.HourlySeries

	mu                  sync.Mutex
	info                *models.HomeDetails
	currentPrice        *models.PriceEntry
	priceTotal          map[string]float64
	priceLevel          map[string]string
	lastPriceTimestamp  time.Time
	rtPower             []powerSample
	rtEnabled           bool
	rtKnown             bool
	rtSuggestedDisabled time.Time
	eligibilityDebounce time.Duration

	stopped    bool
	out        chan *models.LiveMeasurement
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

var _ realtime.Subscriber = (*Home)(nil)

func newHome(id string, client *Client) *Home {
	return &Home{
		client:              client,
		id:                  id,
		validator:           NewRequestValidator(),
		consumption:         storage.NewHourlySeries(false),
		production:          storage.NewHourlySeries(true),
		priceTotal:          make(map[string]float64),
		priceLevel:          make(map[string]string),
		eligibilityDebounce: defaultEligibilityDebounce,
		stopped:             true,
	}
}

// ID returns the home id.
func (h *Home) ID() string { return h.id }

// SetEligibilityDebounce overrides the suppression window applied to a
// true-to-false flip of the real-time eligibility flag.
func (h *Home) SetEligibilityDebounce(d time.Duration) {
	h.mu.Lock()
	h.eligibilityDebounce = d
	h.mu.Unlock()
}

// UpdateInfo refreshes the home metadata, folds the real-time eligibility
// flag into the debounced tri-state and, when the home has an active
// subscription, refreshes the price info too.
func (h *Home) UpdateInfo(ctx context.Context) error {
	envelope, err := h.client.executor.Execute(ctx, fmt.Sprintf(queryUpdateInfoPrice, h.id), nil)
	if err != nil {
		return err
	}

	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		var payload models.HomeInfo
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return fmt.Errorf("decoding home info: %w", err)
		}
		h.mu.Lock()
		h.info = payload.Viewer.Home
		var observed *bool
		if payload.Viewer.Home != nil {
			observed = payload.Viewer.Home.Features.RealTimeConsumptionEnabled
		}
		h.applyRealTimeConsumptionLocked(observed)
		h.mu.Unlock()
	}

	if h.HasActiveSubscription() {
		return h.UpdatePriceInfo(ctx)
	}
	return nil
}

// applyRealTimeConsumptionLocked folds one observation of the eligibility
// flag into the tri-state. A true-to-false flip is reported as unknown until
// it has persisted for the debounce window; a true observation clears any
// pending flip. Callers hold h.mu.
func (h *Home) applyRealTimeConsumptionLocked(observed *bool) {
	if observed == nil {
		h.rtEnabled, h.rtKnown = false, false
		return
	}
	if *observed {
		h.rtSuggestedDisabled = time.Time{}
		h.rtEnabled, h.rtKnown = true, true
		return
	}

	now := time.Now()
	if !h.rtSuggestedDisabled.IsZero() {
		if now.Sub(h.rtSuggestedDisabled) > h.eligibilityDebounce {
			h.rtSuggestedDisabled = time.Time{}
			h.rtEnabled, h.rtKnown = false, true
		} else {
			h.rtEnabled, h.rtKnown = false, false
		}
		return
	}
	if h.rtKnown && h.rtEnabled {
		h.rtSuggestedDisabled = now
		h.rtEnabled, h.rtKnown = false, false
		return
	}
	h.rtEnabled, h.rtKnown = false, true
}

// RealTimeConsumption reports the debounced eligibility tri-state: whether
// the home supports real-time data, and whether that is known at all.
func (h *Home) RealTimeConsumption() (enabled, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rtEnabled, h.rtKnown
}

// UpdatePriceInfo refreshes today's hourly price entries. An empty response
// is retried once before being logged and dropped.
func (h *Home) UpdatePriceInfo(ctx context.Context) error {
	return h.updatePriceInfo(ctx, true)
}

func (h *Home) updatePriceInfo(ctx context.Context, retry bool) error {
	envelope, err := h.client.executor.Execute(ctx, fmt.Sprintf(queryPriceInfo, h.id), nil)
	if err != nil {
		return err
	}

	var payload struct {
		Viewer struct {
			Home struct {
				CurrentSubscription *struct {
					PriceRating *struct {
						Hourly struct {
							Entries []models.PriceRatingEntry `json:"entries"`
						} `json:"hourly"`
					} `json:"priceRating"`
				} `json:"currentSubscription"`
			} `json:"home"`
		} `json:"viewer"`
	}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return fmt.Errorf("decoding price info: %w", err)
		}
	}

	var entries []models.PriceRatingEntry
	if sub := payload.Viewer.Home.CurrentSubscription; sub != nil && sub.PriceRating != nil {
		entries = sub.PriceRating.Hourly.Entries
	}
	if len(entries) == 0 {
		if !h.HasActiveSubscription() {
			return nil
		}
		if retry {
			h.client.logger.WithField("home_id", h.id).Debug("Could not find price info, retrying")
			return h.updatePriceInfo(ctx, false)
		}
		h.client.logger.WithField("home_id", h.id).Error("Could not find price info")
		return nil
	}

	priceTotal := make(map[string]float64, len(entries))
	priceLevel := make(map[string]string, len(entries))
	for _, row := range entries {
		priceTotal[row.Time] = row.Total
		priceLevel[row.Time] = row.Level
	}
	last, err := time.Parse(time.RFC3339, entries[len(entries)-1].Time)
	if err != nil {
		h.client.logger.WithError(err).Debug("Unparseable price entry time")
	}

	h.mu.Lock()
	h.priceTotal = priceTotal
	h.priceLevel = priceLevel
	if !last.IsZero() {
		h.lastPriceTimestamp = last
	}
	h.mu.Unlock()
	return nil
}

// UpdateCurrentPriceInfo refreshes just the current hour's price entry.
func (h *Home) UpdateCurrentPriceInfo(ctx context.Context) error {
	envelope, err := h.client.executor.Execute(ctx, fmt.Sprintf(queryUpdateCurrentPrice, h.id), nil)
	if err != nil {
		return err
	}

	var payload struct {
		Viewer struct {
			Home struct {
				CurrentSubscription *struct {
					PriceInfo *struct {
						Current *models.PriceEntry `json:"current"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"home"`
		} `json:"viewer"`
	}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return fmt.Errorf("decoding current price info: %w", err)
		}
	}

	sub := payload.Viewer.Home.CurrentSubscription
	if sub == nil || sub.PriceInfo == nil || sub.PriceInfo.Current == nil {
		h.client.logger.WithField("home_id", h.id).Error("Could not find current price info")
		return nil
	}
	h.mu.Lock()
	h.currentPrice = sub.PriceInfo.Current
	h.mu.Unlock()
	return nil
}

// CurrentPriceTotal returns the total of the most recently fetched current
// price entry.
func (h *Home) CurrentPriceTotal() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentPrice == nil || h.currentPrice.Total == nil {
		return 0, false
	}
	return *h.currentPrice.Total, true
}

// CurrentPriceInfo returns the most recently fetched current price entry.
func (h *Home) CurrentPriceInfo() *models.PriceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentPrice
}

// PriceTotal returns today's price totals keyed by their starting time.
func (h *Home) PriceTotal() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]float64, len(h.priceTotal))
	for k, v := range h.priceTotal {
		out[k] = v
	}
	return out
}

// PriceLevel returns today's price levels keyed by their starting time.
func (h *Home) PriceLevel() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.priceLevel))
	for k, v := range h.priceLevel {
		out[k] = v
	}
	return out
}

// LastPriceTimestamp returns the start of the newest price entry.
func (h *Home) LastPriceTimestamp() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPriceTimestamp, !h.lastPriceTimestamp.IsZero()
}

// CurrentPriceData returns the price entry covering the current hour: the
// rounded total, its level, its starting time and its rank (1 = cheapest)
// among today's hours.
func (h *Home) CurrentPriceData() (total float64, level string, ts time.Time, rank int, ok bool) {
	priceTotal := h.PriceTotal()
	priceLevel := h.PriceLevel()
	now := time.Now().In(h.client.timeZone)

	for key, price := range priceTotal {
		priceTime, err := time.Parse(time.RFC3339, key)
		if err != nil {
			continue
		}
		priceTime = priceTime.In(h.client.timeZone)
		diff := now.Sub(priceTime)
		if diff >= 0 && diff < time.Hour {
			rank, _ := h.currentPriceRank(priceTotal, priceTime)
			return round3(price), priceLevel[key], priceTime, rank, true
		}
	}
	return 0, "", time.Time{}, 0, false
}

// currentPriceRank ranks the given hour among today's prices, 1 being the
// cheapest hour of the day.
func (h *Home) currentPriceRank(priceTotal map[string]float64, priceTime time.Time) (int, bool) {
	type pricedHour struct {
		ts    time.Time
		total float64
	}
	y, m, d := priceTime.Date()
	hours := make([]pricedHour, 0, len(priceTotal))
	for key, price := range priceTotal {
		ts, err := time.Parse(time.RFC3339, key)
		if err != nil {
			continue
		}
		ts = ts.In(h.client.timeZone)
		ty, tm, td := ts.Date()
		if ty == y && tm == m && td == d {
			hours = append(hours, pricedHour{ts: ts, total: price})
		}
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].total < hours[j].total })
	for i, hour := range hours {
		if hour.ts.Equal(priceTime) {
			return i + 1, true
		}
	}
	return 0, false
}

// CurrentAttributes aggregates today's prices: min/max/average overall and
// per the conventional off-peak (before 08, after 20) and peak windows.
func (h *Home) CurrentAttributes() map[string]float64 {
	var maxPrice, sumPrice, offPeak1, peak, offPeak2 float64
	minPrice := math.MaxFloat64
	var num, num0, num1, num2 float64

	now := time.Now().In(h.client.timeZone)
	ny, nm, nd := now.Date()
	for key, price := range h.PriceTotal() {
		priceTime, err := time.Parse(time.RFC3339, key)
		if err != nil {
			continue
		}
		priceTime = priceTime.In(h.client.timeZone)
		y, m, d := priceTime.Date()
		if y != ny || m != nm || d != nd {
			continue
		}
		price = round3(price)
		maxPrice = math.Max(maxPrice, price)
		minPrice = math.Min(minPrice, price)
		switch {
		case priceTime.Hour() < 8:
			offPeak1 += price
			num1++
		case priceTime.Hour() < 20:
			peak += price
			num0++
		default:
			offPeak2 += price
			num2++
		}
		num++
		sumPrice += price
	}
	if num == 0 {
		minPrice = 0
	}

	attr := make(map[string]float64)
	attr["max_price"] = maxPrice
	attr["min_price"] = minPrice
	attr["avg_price"] = safeAvg(sumPrice, num)
	attr["off_peak_1"] = safeAvg(offPeak1, num1)
	attr["peak"] = safeAvg(peak, num0)
	attr["off_peak_2"] = safeAvg(offPeak2, num2)
	return attr
}

func safeAvg(sum, n float64) float64 {
	if n == 0 {
		return 0
	}
	return round3(sum / n)
}

func (h *Home) homeInfo() *models.HomeDetails {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// HasActiveSubscription reports whether the home's current subscription is
// in a state that yields price and consumption data.
func (h *Home) HasActiveSubscription() bool {
	info := h.homeInfo()
	if info == nil || info.CurrentSubscription == nil || info.CurrentSubscription.Status == nil {
		return false
	}
	switch *info.CurrentSubscription.Status {
	case "running", "awaiting market", "awaiting time restriction", "awaiting termination":
		return true
	}
	return false
}

// HasProduction reports whether the home has a production metering point.
func (h *Home) HasProduction() bool {
	info := h.homeInfo()
	return info != nil && info.MeteringPointData.ProductionEan != nil && *info.MeteringPointData.ProductionEan != ""
}

// Name returns the app nickname, falling back to the first address line.
func (h *Home) Name() string {
	info := h.homeInfo()
	if info == nil {
		return ""
	}
	if info.AppNickname != nil && *info.AppNickname != "" {
		return *info.AppNickname
	}
	return info.Address.Address1
}

// Address1 returns the first address line.
func (h *Home) Address1() string {
	info := h.homeInfo()
	if info == nil {
		h.client.logger.Error("Could not find address1")
		return ""
	}
	return info.Address.Address1
}

// Country returns the address country code.
func (h *Home) Country() string {
	info := h.homeInfo()
	if info == nil {
		h.client.logger.Error("Could not find country")
		return ""
	}
	return info.Address.Country
}

// Currency returns the currency of the current price info.
func (h *Home) Currency() string {
	info := h.homeInfo()
	if info == nil || info.CurrentSubscription == nil || info.CurrentSubscription.PriceInfo == nil ||
		info.CurrentSubscription.PriceInfo.Current == nil {
		h.client.logger.Error("Could not find currency")
		return ""
	}
	return info.CurrentSubscription.PriceInfo.Current.Currency
}

// ConsumptionUnit returns the unit of consumption data.
func (h *Home) ConsumptionUnit() string { return "kWh" }

// PriceUnit returns the price unit, e.g. NOK/kWh.
func (h *Home) PriceUnit() string {
	currency := h.Currency()
	if currency == "" {
		h.client.logger.Error("Could not find price unit")
		return ""
	}
	return currency + "/" + h.ConsumptionUnit()
}

// FetchConsumptionData refreshes the hourly consumption series.
func (h *Home) FetchConsumptionData(ctx context.Context) error {
	return h.fetchSeries(ctx, h.consumption)
}

// FetchProductionData refreshes the hourly production series.
func (h *Home) FetchProductionData(ctx context.Context) error {
	return h.fetchSeries(ctx, h.production)
}

func (h *Home) fetchSeries(ctx context.Context, series *storage.HourlySeries) error {
	now := time.Now()
	hours, ok := series.PlanFetch(now)
	if !ok {
		return nil
	}
	nodes, err := h.GetHistoricData(ctx, hours, ResolutionHourly, series.Production())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		h.client.logger.WithFields(logrus.Fields{
			"home_id":   h.id,
			"direction": series.DirectionName(),
		}).Error("Could not find historic data")
		return nil
	}
	series.Update(nodes, now, h.client.timeZone)
	return nil
}

// MonthConsumption returns the consumption of the current month.
func (h *Home) MonthConsumption() (float64, bool) { return h.consumption.MonthEnergy() }

// MonthCost returns the total cost of the current month.
func (h *Home) MonthCost() (float64, bool) { return h.consumption.MonthMoney() }

// PeakHour returns the highest hourly consumption of the current month.
func (h *Home) PeakHour() (float64, bool) { return h.consumption.PeakHour() }

// PeakHourTime returns when the month peak occurred.
func (h *Home) PeakHourTime() (time.Time, bool) { return h.consumption.PeakHourTime() }

// LastConsumptionTimestamp returns the end of the newest stored consumption
// hour.
func (h *Home) LastConsumptionTimestamp() (time.Time, bool) { return h.consumption.LastDataTimestamp() }

// HourlyConsumptionData returns the stored hourly consumption nodes.
func (h *Home) HourlyConsumptionData() []models.HistoricNode { return h.consumption.Entries() }

// HourlyProductionData returns the stored hourly production nodes.
func (h *Home) HourlyProductionData() []models.HistoricNode { return h.production.Entries() }

// GetHistoricData returns the last n nodes of consumption or production
// history at the given resolution.
func (h *Home) GetHistoricData(ctx context.Context, nodes int, resolution string, production bool) ([]models.HistoricNode, error) {
	if err := h.validator.Validate(resolution, nodes); err != nil {
		return nil, err
	}

	direction := "consumption"
	moneyFields := "totalCost cost"
	if production {
		direction = "production"
		moneyFields = "profit"
	}
	query := fmt.Sprintf(queryHistoricData, h.id, direction, resolution, nodes, moneyFields)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	envelope, err := h.client.executor.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	return decodeHistoricNodes(envelope.Data, production)
}

// GetHistoricDataFrom returns history pages anchored at a start date. A zero
// node count requests the days remaining to the end of that month.
func (h *Home) GetHistoricDataFrom(ctx context.Context, dateFrom time.Time, nodes int, resolution string, production bool) ([]models.HistoricNode, error) {
	if err := h.validator.ValidateFrom(dateFrom, resolution, nodes); err != nil {
		return nil, err
	}

	if nodes == 0 {
		firstOfNextMonth := time.Date(dateFrom.Year(), dateFrom.Month(), 1, 0, 0, 0, 0, dateFrom.Location()).AddDate(0, 1, 0)
		nodes = int(firstOfNextMonth.Sub(dateFrom).Hours() / 24)
	}
	cursor := base64.StdEncoding.EncodeToString([]byte(dateFrom.Format("2006-01-02")))

	direction := "consumption"
	fields := "cost consumption consumptionUnit"
	if production {
		direction = "production"
		fields = "profit production productionUnit"
	}
	query := fmt.Sprintf(queryHistoricDataDate, h.id, direction, resolution, nodes, cursor, fields)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	envelope, err := h.client.executor.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	return decodeHistoricNodes(envelope.Data, production)
}

func decodeHistoricNodes(data json.RawMessage, production bool) ([]models.HistoricNode, error) {
	type page struct {
		Nodes []models.HistoricNode `json:"nodes"`
	}
	var payload struct {
		Viewer struct {
			Home struct {
				Consumption *page `json:"consumption"`
				Production  *page `json:"production"`
			} `json:"home"`
		} `json:"viewer"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decoding historic data: %w", err)
		}
	}
	p := payload.Viewer.Home.Consumption
	if production {
		p = payload.Viewer.Home.Production
	}
	if p == nil {
		return nil, nil
	}
	return p.Nodes, nil
}

// GetHistoricPriceData returns the price rating entries at the given
// resolution.
func (h *Home) GetHistoricPriceData(ctx context.Context, resolution string) ([]models.PriceRatingEntry, error) {
	if err := h.validator.Validate(resolution, 1); err != nil {
		return nil, err
	}
	resolution = strings.ToLower(resolution)
	query := fmt.Sprintf(queryHistoricPrice, h.id, resolution)

	envelope, err := h.client.executor.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Viewer struct {
			Home struct {
				CurrentSubscription *struct {
					PriceRating map[string]struct {
						Entries []models.PriceRatingEntry `json:"entries"`
					} `json:"priceRating"`
				} `json:"currentSubscription"`
			} `json:"home"`
		} `json:"viewer"`
	}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("decoding price rating: %w", err)
		}
	}
	if sub := payload.Viewer.Home.CurrentSubscription; sub != nil {
		return sub.PriceRating[resolution].Entries, nil
	}
	return nil, nil
}

// SubscribeRealTime subscribes the home to the live measurement feed and
// returns the delivery channel. The channel is created once and survives
// watchdog resubscribes; like a Ticker it is never closed by unsubscribing,
// so consumers select on it together with their own context.
func (h *Home) SubscribeRealTime(ctx context.Context) (<-chan *models.LiveMeasurement, error) {
	h.mu.Lock()
	if h.out == nil {
		h.out = make(chan *models.LiveMeasurement, feedBuffer)
	}
	out := h.out
	running := h.loopDone != nil
	h.mu.Unlock()

	// A second subscribe replaces the running loop instead of leaking it.
	if running {
		h.UnsubscribeRealTime()
	}

	manager := h.client.manager
	manager.AddSubscriber(h)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}
	if err := h.waitConnected(ctx); err != nil {
		return nil, err
	}

	sub, err := manager.Subscribe(ctx, fmt.Sprintf(queryLiveSubscribe, h.id))
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.mu.Lock()
	h.stopped = false
	h.loopCancel = cancel
	h.loopDone = done
	h.mu.Unlock()

	// Seed liveness so the watchdog gives the fresh feed a full window to
	// produce its first message.
	manager.Liveness().Touch(h.id)
	go h.consume(loopCtx, sub, done)
	return out, nil
}

func (h *Home) waitConnected(ctx context.Context) error {
	for i := 0; i < connectWaitAttempts; i++ {
		if h.client.manager.State() == realtime.StateConnected {
			return nil
		}
		h.client.logger.WithField("home_id", h.id).Debug("Waiting for realtime connect")
		if !sleepCtx(ctx, time.Second) {
			return ctx.Err()
		}
	}
	h.client.logger.WithField("home_id", h.id).Error("Realtime connection is not running")
	return errRealtimeNotRunning
}

// consume forwards one transport subscription into the home's channel until
// stopped, disconnected or the session dies.
func (h *Home) consume(ctx context.Context, sub *realtime.Subscription, done chan struct{}) {
	defer close(done)
	logger := h.client.logger

	for {
		select {
		case <-ctx.Done():
			if err := h.client.manager.Unsubscribe(sub.ID()); err != nil {
				logger.WithError(err).Debug("Error retiring subscription")
			}
			return
		case payload, ok := <-sub.Data():
			if !ok {
				logger.WithField("home_id", h.id).Debug("Live feed closed")
				return
			}

			var frame models.LiveMeasurementPayload
			if err := json.Unmarshal(payload, &frame); err != nil {
				logger.WithError(err).WithField("home_id", h.id).Debug("Discarding malformed live measurement")
				continue
			}
			measurement := frame.Data.LiveMeasurement
			if measurement == nil {
				continue
			}

			h.enrich(measurement)
			select {
			case h.out <- measurement:
			default:
				logger.WithField("home_id", h.id).Warn("Dropping live measurement, consumer not keeping up")
			}
			h.client.manager.Liveness().Touch(h.id)
			logger.WithField("home_id", h.id).Debug("Data received")

			if h.isStopped() || h.client.manager.State() != realtime.StateConnected {
				logger.WithField("home_id", h.id).Debug("Stopping live feed loop")
				return
			}
		}
	}
}

// enrich derives local fields on a measurement before delivery. Everything
// here is best-effort: a missing or null optional field skips its derivation
// and never blocks the base message.
func (h *Home) enrich(m *models.LiveMeasurement) {
	ts := m.Timestamp.In(h.client.timeZone)

	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := ts.Add(-powerWindow)
	for len(h.rtPower) > 0 && h.rtPower[0].ts.Before(cutoff) {
		h.rtPower = h.rtPower[1:]
	}
	if m.Power != nil {
		h.rtPower = append(h.rtPower, powerSample{ts: ts, kw: *m.Power / 1000})
	}

	// The subscription always requests lastMeterProduction, so a nil here is
	// the provider's explicit null: normalize to zero and clamp negatives.
	production := 0.0
	if m.LastMeterProduction != nil && *m.LastMeterProduction > 0 {
		production = *m.LastMeterProduction
	}
	m.LastMeterProduction = &production

	if m.PowerProduction != nil && *m.PowerProduction > 0 && m.Power == nil {
		zero := 0.0
		m.Power = &zero
	}
	if m.Power != nil && *m.Power > 0 && m.PowerProduction == nil {
		zero := 0.0
		m.PowerProduction = &zero
	}

	if m.AccumulatedConsumptionLastHour != nil && len(h.rtPower) > 0 {
		currentHour := *m.AccumulatedConsumptionLastHour
		var sum float64
		for _, sample := range h.rtPower {
			sum += sample.kw
		}
		avgPower := sum / float64(len(h.rtPower))
		remaining := float64(3600-(ts.Minute()*60+ts.Second())) / 3600
		estimated := round3(currentHour + avgPower*remaining)
		m.EstimatedHourConsumption = &estimated

		h.consumption.BumpPeak(currentHour, ts)
	}
}

// UnsubscribeRealTime stops the live feed loop and waits for it to wind
// down. Idempotent; the delivery channel stays open for a later resubscribe.
func (h *Home) UnsubscribeRealTime() {
	h.client.logger.WithField("home_id", h.id).Debug("Unsubscribe")
	h.mu.Lock()
	h.stopped = true
	cancel := h.loopCancel
	done := h.loopDone
	h.loopCancel = nil
	h.loopDone = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ResubscribeRealTime re-establishes the feed after a reconnect: stop the
// loop, refresh the home and account metadata (eligibility may have changed
// while the connection was down) and subscribe again into the same channel.
// Called by the watchdog.
func (h *Home) ResubscribeRealTime(ctx context.Context) error {
	h.UnsubscribeRealTime()
	h.client.logger.WithField("home_id", h.id).Debug("Resubscribing")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.UpdateInfo(gctx) })
	g.Go(func() error { return h.client.UpdateInfo(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	h.mu.Lock()
	subscribed := h.out != nil
	h.mu.Unlock()
	if !subscribed {
		h.client.logger.WithField("home_id", h.id).Warn("No feed to resubscribe")
		return nil
	}
	_, err := h.SubscribeRealTime(ctx)
	return err
}

// RealTimeRunning reports whether the feed is consumed and has delivered
// data recently. The transport can be healthy while this home's stream is
// silently dead, which is exactly what the watchdog needs to see.
func (h *Home) RealTimeRunning() bool {
	manager := h.client.manager
	if manager.State() != realtime.StateConnected {
		return false
	}
	return manager.Liveness().Alive(h.id, manager.LivenessWindow())
}

func (h *Home) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
