// Package connectivity samples link health on a replica and publishes
// online/offline transition events.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/harborview/shipsync/internal/eventbus"
)

// probeTimeout caps a single health probe. Probes must stay cheap even on
// very high latency links.
const probeTimeout = 5 * time.Second

// Status is a connectivity sample.
type Status struct {
	IsOnline  bool      `json:"isOnline"`
	LatencyMS int64     `json:"latencyMs"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ProbeFunc performs one cheap reachability check. A nil error means the
// link is up.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe probes a health URL (typically the master's /health/live).
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}
}

// Monitor runs the periodic connectivity check and tracks the last known
// status. Transitions dispatch went_online / went_offline events.
type Monitor struct {
	probe    ProbeFunc
	bus      *eventbus.Bus
	interval time.Duration

	mu      sync.RWMutex
	status  Status
	started bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor. The first Check establishes the baseline;
// until then the link counts as offline.
func NewMonitor(probe ProbeFunc, bus *eventbus.Bus, interval time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		bus:      bus,
		interval: interval,
		status:   Status{IsOnline: false, Reason: "not yet checked"},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Status returns the last sample without probing.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Check probes immediately, updates the stored status and dispatches a
// transition event when the online/offline edge flips.
func (m *Monitor) Check(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := m.probe(probeCtx)
	sample := Status{
		IsOnline:  err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		sample.Reason = err.Error()
	}

	m.mu.Lock()
	prev := m.status
	m.status = sample
	first := !m.started
	m.started = true
	m.mu.Unlock()

	if first || prev.IsOnline != sample.IsOnline {
		evType := eventbus.EventWentOffline
		if sample.IsOnline {
			evType = eventbus.EventWentOnline
		}
		log.Printf("connectivity: %s (latency=%dms reason=%q)", evType, sample.LatencyMS, sample.Reason)
		if m.bus != nil {
			_ = m.bus.Dispatch(ctx, &eventbus.Event{
				Type:       evType,
				OccurredAt: sample.CheckedAt,
				LatencyMS:  sample.LatencyMS,
				Reason:     sample.Reason,
			})
		}
	}
	return sample
}

// Start runs the periodic check loop until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.Check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}
