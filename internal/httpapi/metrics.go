package httpapi

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// engineCollector exposes the offline_sync_* series. Gauges are read from
// storage at scrape time; the registry stays consistent with the durable
// state without per-operation counter plumbing.
type engineCollector struct {
	cfg       *config.Config
	store     storage.Storage
	startedAt time.Time

	info       *prometheus.Desc
	uptime     *prometheus.Desc
	messages   *prometheus.Desc
	ships      *prometheus.Desc
	shipsUp    *prometheus.Desc
	queue      *prometheus.Desc
	deadLetter *prometheus.Desc
}

func newEngineCollector(cfg *config.Config, store storage.Storage, startedAt time.Time) *engineCollector {
	return &engineCollector{
		cfg:       cfg,
		store:     store,
		startedAt: startedAt,
		info: prometheus.NewDesc("offline_sync_info",
			"Engine identity; value is always 1.",
			nil, prometheus.Labels{"mode": string(cfg.Mode), "ship_id": cfg.ShipID}),
		uptime: prometheus.NewDesc("offline_sync_uptime_seconds",
			"Seconds since the engine started.", nil, nil),
		messages: prometheus.NewDesc("offline_sync_messages_total",
			"Inbound messages by terminal status.", []string{"status"}, nil),
		ships: prometheus.NewDesc("offline_sync_ships_total",
			"Registered ships.", nil, nil),
		shipsUp: prometheus.NewDesc("offline_sync_ships_online",
			"Ships currently online.", nil, nil),
		queue: prometheus.NewDesc("offline_sync_queue_pending",
			"Outbound queue entries awaiting dispatch.", nil, nil),
		deadLetter: prometheus.NewDesc("offline_sync_dead_letter_total",
			"Dead-letter entries by state.", []string{"status"}, nil),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.uptime
	ch <- c.messages
	ch <- c.ships
	ch <- c.shipsUp
	ch <- c.queue
	ch <- c.deadLetter
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.CounterValue, time.Since(c.startedAt).Seconds())

	if ts, err := c.store.TrackerStats(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(ts.Processed), "processed")
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(ts.Failed), "failed")
	} else {
		c.scrapeErr("tracker stats", err)
	}

	if n, err := c.store.PendingCount(ctx, c.cfg.ShipID); err == nil {
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(n))
	} else {
		c.scrapeErr("queue depth", err)
	}

	if ships, err := c.store.ListShips(ctx, 2*c.cfg.Sync.HeartbeatInterval()); err == nil {
		online := 0
		for _, s := range ships {
			if s.Status == types.ShipOnline {
				online++
			}
		}
		ch <- prometheus.MustNewConstMetric(c.ships, prometheus.GaugeValue, float64(len(ships)))
		ch <- prometheus.MustNewConstMetric(c.shipsUp, prometheus.GaugeValue, float64(online))
	} else {
		c.scrapeErr("ship registry", err)
	}

	if ds, err := c.store.DeadLetterStats(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.deadLetter, prometheus.GaugeValue, float64(ds.Pending), "pending")
		ch <- prometheus.MustNewConstMetric(c.deadLetter, prometheus.GaugeValue, float64(ds.Retrying), "retrying")
		ch <- prometheus.MustNewConstMetric(c.deadLetter, prometheus.GaugeValue, float64(ds.Exhausted), "exhausted")
		ch <- prometheus.MustNewConstMetric(c.deadLetter, prometheus.GaugeValue, float64(ds.Resolved), "resolved")
	} else {
		c.scrapeErr("dead letter stats", err)
	}
}

func (c *engineCollector) scrapeErr(what string, err error) {
	if !errors.Is(err, storage.ErrShuttingDown) {
		log.Printf("httpapi: metrics scrape of %s failed: %v", what, err)
	}
}
