// Package daemon assembles the engine from configuration and manages its
// lifecycle: ordered startup, the run loop, and ordered shutdown.
//
// Shutdown order matters: stop accepting new captures first, drain the
// orchestrator, then tear down transport, background loops, the HTTP
// surface, and finally storage.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/harborview/shipsync/internal/bootstrap"
	"github.com/harborview/shipsync/internal/capture"
	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/connectivity"
	"github.com/harborview/shipsync/internal/eventbus"
	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/httpapi"
	"github.com/harborview/shipsync/internal/media"
	"github.com/harborview/shipsync/internal/registry"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/storage/sqlite"
	"github.com/harborview/shipsync/internal/syncer"
	"github.com/harborview/shipsync/internal/telemetry"
	"github.com/harborview/shipsync/internal/transport"
)

// Options tunes daemon assembly.
type Options struct {
	// ConfigPath is the config file watched for hot reload. Empty disables
	// watching.
	ConfigPath string
	// Host is the entity service the engine replicates. Nil selects the
	// in-memory host (demo mode, tests).
	Host host.Host
}

// Daemon is one assembled engine process.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	store    storage.Storage
	entities host.Host
	events   *eventbus.Bus
	registry *registry.Registry
	producer *transport.Producer
	consumer *transport.Consumer
	monitor  *connectivity.Monitor
	engine   *syncer.Syncer
	hook     *capture.Hook
	puller   *bootstrap.Runner
	mirror   *media.Mirror
	api      *httpapi.Server
}

// New builds every component from cfg. Nothing starts running until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{cfg: cfg, opts: opts}

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open storage: %w", err)
	}
	d.store = telemetry.WrapStorage(store)

	d.events = eventbus.New()

	d.entities = opts.Host
	if d.entities == nil {
		log.Printf("daemon: no host wired, using in-memory entities")
		d.entities = host.NewMemoryHost()
	}

	d.registry = registry.New()
	for _, ct := range cfg.ContentTypes {
		schema, err := d.entities.Schema(ctx, ct)
		if err != nil {
			d.closeStore()
			return nil, fmt.Errorf("daemon: schema for %s: %w", ct, err)
		}
		if err := d.registry.Register(ct, cfg.Conflict.StrategyFor(ct), schema); err != nil {
			d.closeStore()
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}

	d.producer, err = transport.NewProducer(cfg.Bus)
	if err != nil {
		d.closeStore()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	if cfg.Mode == config.ModeReplica {
		d.monitor = connectivity.NewMonitor(d.probe(), d.events, cfg.Sync.ConnectivityInterval())
		d.puller = bootstrap.NewRunner(d.store, d.entities, cfg.ContentTypes)
		if cfg.Media.Enabled {
			d.mirror, err = media.NewMirror(ctx, cfg.Media, d.store, d.events)
			if err != nil {
				d.producer.Close()
				d.closeStore()
				return nil, fmt.Errorf("daemon: %w", err)
			}
		}
	}

	var link syncer.LinkStatus
	if d.monitor != nil {
		link = d.monitor
	}
	d.engine = syncer.New(cfg, d.store, d.entities, d.registry, d.producer, d.events, link)

	d.hook = capture.NewHook(cfg.ShipID, d.engine, d.store)
	d.hook.Attach(d.entities, cfg.ContentTypes)

	d.consumer, err = transport.NewConsumer(transport.ConsumerConfig{
		Bus:         cfg.Bus,
		Group:       d.consumerGroup(),
		Topics:      []string{d.inboundTopic()},
		Handler:     transport.HandlerFunc(d.engine.HandleInbound),
		Parker:      d.store,
		MaxAttempts: cfg.Sync.RetryAttempts,
		BaseDelay:   cfg.Sync.RetryDelay(),
	})
	if err != nil {
		d.producer.Close()
		d.closeStore()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	d.api = httpapi.NewServer(cfg, d.store, d.engine, d.entities, d.monitor, d.mirror, d.puller, d.producer)
	return d, nil
}

// Addr returns the HTTP surface's bound address once Run has started it.
func (d *Daemon) Addr() string { return d.api.Addr() }

// Run starts every component, blocks until ctx is cancelled or the HTTP
// server fails, then shuts the engine down in order.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("daemon: starting in %s mode (shipId=%q)", d.cfg.Mode, d.cfg.ShipID)

	// Background loops get their own context so ctx cancellation does not
	// kill them mid-operation; the ordered shutdown below does.
	runCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	if d.monitor != nil {
		d.monitor.Start(runCtx)
	}
	if err := d.engine.Start(runCtx); err != nil {
		stopLoops()
		return fmt.Errorf("daemon: start orchestrator: %w", err)
	}
	go d.consumer.Run(runCtx)
	if d.mirror != nil {
		d.mirror.Start(runCtx)
	}

	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	apiErr := make(chan error, 1)
	go func() { apiErr <- d.api.Start(apiCtx) }()

	if d.opts.ConfigPath != "" {
		config.Watch(d.opts.ConfigPath, d.cfg, func(s config.Sync) {
			log.Printf("daemon: applying reloaded sync tunables")
			d.cfg.Sync = s
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("daemon: shutdown requested")
	case err := <-apiErr:
		runErr = fmt.Errorf("daemon: http server: %w", err)
		apiErr <- nil // mark drained
	}

	d.shutdown(stopLoops, stopAPI, apiErr)
	return runErr
}

// shutdown tears components down in dependency order.
func (d *Daemon) shutdown(stopLoops, stopAPI context.CancelFunc, apiErr chan error) {
	// 1. Orchestrator: stop capture intake and the dispatch/heartbeat/sweep
	//    loops. In-flight queue entries revive at next startup.
	d.engine.Stop()

	// 2. Transport: leave the consumer group, flush the producer.
	d.consumer.Close()
	d.producer.Close()

	// 3. Background samplers.
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.mirror != nil {
		d.mirror.Stop()
	}
	stopLoops()

	// 4. HTTP surface.
	stopAPI()
	select {
	case <-apiErr:
	case <-time.After(10 * time.Second):
		log.Printf("daemon: http server did not stop in time")
	}

	// 5. Storage last; everything above may still read it while draining.
	d.closeStore()
	log.Printf("daemon: stopped")
}

func (d *Daemon) closeStore() {
	if err := d.store.Close(); err != nil && !errors.Is(err, storage.ErrShuttingDown) {
		log.Printf("daemon: close storage: %v", err)
	}
}

// probe picks the replica's connectivity check: the master's liveness URL
// when configured, otherwise broker reachability.
func (d *Daemon) probe() connectivity.ProbeFunc {
	if d.cfg.Master.URL != "" {
		url := strings.TrimRight(d.cfg.Master.URL, "/") + "/health/live"
		return connectivity.HTTPProbe(nil, url)
	}
	return func(ctx context.Context) error { return d.producer.Ping(ctx) }
}

func (d *Daemon) consumerGroup() string {
	if d.cfg.Mode == config.ModeMaster {
		return "shipsync-master"
	}
	return "shipsync-" + d.cfg.ShipID
}

func (d *Daemon) inboundTopic() string {
	if d.cfg.Mode == config.ModeMaster {
		return d.cfg.Topics.ShipUpdates
	}
	return d.cfg.Topics.MasterUpdates
}
