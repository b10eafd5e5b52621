package apps

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jobforge/appcatalog/internal/logging"
	"github.com/jobforge/appcatalog/internal/metrics"
)

// StatsCollector periodically publishes per-tenant app counts as gauges.
type StatsCollector struct {
	store Store
	log   *logging.Logger
	cron  *cron.Cron
}

// NewStatsCollector builds a collector that samples store counts on the
// given cron schedule (e.g. "@every 1m").
func NewStatsCollector(store Store, log *logging.Logger) *StatsCollector {
	if log == nil {
		log = logging.NewDefault("appstats")
	}
	return &StatsCollector{store: store, log: log, cron: cron.New()}
}

// Start registers the schedule and begins sampling. An immediate first
// sample runs so gauges are populated before the first tick.
func (sc *StatsCollector) Start(schedule string) error {
	if _, err := sc.cron.AddFunc(schedule, sc.collect); err != nil {
		return err
	}
	go sc.collect()
	sc.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sample to finish.
func (sc *StatsCollector) Stop() {
	ctx := sc.cron.Stop()
	<-ctx.Done()
}

func (sc *StatsCollector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts, err := sc.store.AppCounts(ctx)
	if err != nil {
		sc.log.WithError(err).Warn("app stats collection failed")
		return
	}
	for _, c := range counts {
		metrics.SetAppsGauge(c.Tenant, c.State, float64(c.Count))
	}
}
