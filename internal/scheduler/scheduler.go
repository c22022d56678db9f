package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgewatt/tibberlink/internal/tibber"
)

type Scheduler struct {
	ctx    context.Context
	client *tibber.Client
	logger *logrus.Logger
	cron   *cron.Cron
}

func NewScheduler(ctx context.Context, client *tibber.Client, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		client: client,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start the scheduler
func (s *Scheduler) Start() error {
	// Prices change on the hour, refresh shortly after
	if _, err := s.cron.AddFunc("1 * * * *", s.refreshPrices); err != nil {
		return err
	}
	// Hourly history lands with some delay on the provider side
	if _, err := s.cron.AddFunc("*/15 * * * *", s.refreshHistory); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// refreshPrices updates today's price info for every active home
func (s *Scheduler) refreshPrices() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	for _, home := range s.client.Homes(true) {
		if err := home.UpdatePriceInfo(ctx); err != nil {
			s.logger.Error("Failed to update price info", err)
		}
		if err := home.UpdateCurrentPriceInfo(ctx); err != nil {
			s.logger.Error("Failed to update current price info", err)
		}
	}
}

// refreshHistory fetches hourly consumption and production for active homes
func (s *Scheduler) refreshHistory() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	if err := s.client.FetchConsumptionDataActiveHomes(ctx); err != nil {
		s.logger.Error("Failed to fetch consumption data", err)
	}
	if err := s.client.FetchProductionDataActiveHomes(ctx); err != nil {
		s.logger.Error("Failed to fetch production data", err)
	}
}

// Stop the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
