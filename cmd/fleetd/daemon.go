package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/spin-stack/fleetd/internal/boltstore"
	"github.com/spin-stack/fleetd/internal/config"
	"github.com/spin-stack/fleetd/internal/engine/docker"
	"github.com/spin-stack/fleetd/internal/hardware"
	"github.com/spin-stack/fleetd/internal/lifecycle"
	"github.com/spin-stack/fleetd/internal/metrics"
	"github.com/spin-stack/fleetd/internal/monitor"
	"github.com/spin-stack/fleetd/internal/network"
	"github.com/spin-stack/fleetd/internal/network/ipallocator"
	"github.com/spin-stack/fleetd/internal/registry"
	"github.com/spin-stack/fleetd/internal/role"
	"github.com/spin-stack/fleetd/internal/stats"
	"github.com/spin-stack/fleetd/internal/status"
	"github.com/spin-stack/fleetd/internal/trust"
)

const (
	dbFile         = "fleetd.db"
	addressBucket  = "addresses"
	recordBucket   = "records"
	hardwareBuffer = 16
)

// builtinRoles are the roles fleetd drives on its own, in startup order.
var builtinRoles = []role.Role{role.Self, role.DNS, role.Audio, role.Cli, role.Observer, role.Multicast, role.Core}

type daemon struct {
	cfg *config.Config

	engine    *docker.Client
	addresses boltstore.Store[network.Assignment]
	records   boltstore.Store[lifecycle.Record]
	network   *network.Manager
	trust     *trust.Store
	watcher   *hardware.Watcher

	prom    *prometheus.Registry
	metrics *metrics.Metrics
	reg     *registry.Registry[*lifecycle.Controller]
	monitor *monitor.Monitor
	status  *status.Server

	wg sync.WaitGroup
}

func newDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, retErr error) {
	d := &daemon{
		cfg:  cfg,
		prom: prometheus.NewRegistry(),
		reg:  registry.New[*lifecycle.Controller](),
	}
	defer func() {
		if retErr != nil {
			d.close(ctx)
		}
	}()

	d.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.prom)
	ipallocator.SetMetricsProvider(ipallocator.NewPrometheusMetrics(d.prom))

	var err error
	d.engine, err = docker.New(docker.Options{Host: cfg.Engine.Host, APIVersion: cfg.Engine.APIVersion})
	if err != nil {
		return nil, err
	}
	if err := d.engine.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container engine not reachable: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.StateDir, dbFile)
	if d.addresses, err = boltstore.NewBoltStore[network.Assignment](dbPath, addressBucket); err != nil {
		return nil, err
	}
	if d.records, err = boltstore.NewBoltStore[lifecycle.Record](dbPath, recordBucket); err != nil {
		return nil, err
	}

	d.network, err = network.New(ctx, d.engine, d.addresses, network.Topology{
		Name:         cfg.Network.Name,
		Subnet:       cfg.Network.Subnet,
		Gateway:      cfg.Network.Gateway,
		DynamicRange: cfg.Network.DynamicRange,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Trust.Enabled {
		if d.trust, err = trust.Load(cfg.Trust.PolicyFile); err != nil {
			return nil, fmt.Errorf("failed to load trust policy: %w", err)
		}
	}
	if cfg.Hardware.Enabled {
		d.watcher = hardware.NewWatcher(cfg.Hardware.DevDir)
	}
	return d, nil
}

// controllerOptions are shared by every controller.
func (d *daemon) controllerOptions() lifecycle.Options {
	opts := lifecycle.Options{
		Engine:  d.engine,
		Network: d.network,
		Records: d.records,
		Locker:  d.reg,
		Metrics: d.metrics,
		Timeouts: lifecycle.Timeouts{
			EngineCall: d.cfg.Timeouts.GetEngineCall(),
			Pull:       d.cfg.Timeouts.GetPull(),
			Build:      d.cfg.Timeouts.GetBuild(),
			Stop:       d.cfg.Timeouts.GetStop(),
			Exec:       d.cfg.Timeouts.GetExec(),
		},
		Credentials: credentials(d.cfg.Engine.Registries),
		Platform:    d.cfg.Engine.Platform,
	}
	// A nil *trust.Store must not become a non-nil interface.
	if d.trust != nil {
		opts.Trust = d.trust
	}
	if d.watcher != nil {
		opts.Devices = d.watcher
	}
	return opts
}

func credentials(in map[string]config.RegistryCredentials) map[string]lifecycle.Credentials {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]lifecycle.Credentials, len(in))
	for host, c := range in {
		out[host] = lifecycle.Credentials{Username: c.Username, Password: c.Password}
	}
	return out
}

func (d *daemon) catalogOptions() role.CatalogOptions {
	return role.CatalogOptions{
		ExternDir:   d.cfg.Paths.ExternDir,
		Arch:        d.cfg.Host.Arch,
		Machine:     d.cfg.Host.Machine,
		Timezone:    d.cfg.Host.Timezone,
		Registry:    d.cfg.Host.Registry,
		MachineID:   d.cfg.Host.MachineID,
		StopTimeout: d.cfg.Timeouts.GetStop(),
	}
}

func (d *daemon) start(ctx context.Context) error {
	if res, err := d.network.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to ensure network: %w", err)
	} else if res.Drift != nil {
		log.G(ctx).WithError(res.Drift).WithField("reattached", res.Reattached).Warn("internal network recreated")
	} else if res.Created {
		log.G(ctx).WithField("network", d.cfg.Network.Name).Info("created internal network")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start hardware watcher: %w", err)
		}
	}

	opts := d.controllerOptions()
	for _, r := range builtinRoles {
		desc, err := role.Builtin(r, d.catalogOptions())
		if err != nil {
			return err
		}
		c := lifecycle.New(desc, opts)
		d.reg.Register(c)
		if err := c.Attach(ctx, ""); err != nil {
			log.G(ctx).WithError(err).WithField("container", c.Name()).Warn("failed to attach")
		}
	}

	d.prom.MustRegister(
		metrics.NewStateCollector(d.recordList),
		metrics.NewNetworkCollector(func() network.MetricsSnapshot { return d.network.Metrics().Snapshot() }),
	)

	d.monitor = monitor.New(d.engine, d.reg, monitor.Options{
		RestartLimit:     d.cfg.Monitor.RestartLimit,
		RestartWindow:    d.cfg.Monitor.GetRestartWindow(),
		ReconnectInitial: d.cfg.Monitor.GetReconnectInitial(),
		ReconnectMax:     d.cfg.Monitor.GetReconnectMax(),
		DrainTimeout:     d.cfg.Monitor.GetDrainTimeout(),
		Metrics:          d.metrics,
	})
	d.monitor.Start(ctx)

	if d.watcher != nil {
		for _, c := range d.reg.List() {
			if len(c.Descriptor().Devices) == 0 {
				continue
			}
			events := d.watcher.Subscribe(hardwareBuffer)
			d.wg.Go(func() { c.WatchHardware(ctx, events) })
			d.wg.Go(func() { d.recreateOnSignal(ctx, c) })
		}
	}

	for _, c := range d.reg.List() {
		d.restore(ctx, c)
	}

	if d.cfg.Metrics.Address != "" {
		d.status = status.New(status.Options{
			Address:  d.cfg.Metrics.Address,
			Gatherer: d.prom,
			Monitor:  d.monitor,
			Registry: d.reg,
			Stats:    stats.NewCollector(d.engine, d.cfg.Timeouts.GetStats()),
			Hosts:    d.network.Hosts,
		})
		if err := d.status.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	log.G(ctx).WithField("containers", len(d.reg.List())).Info("fleetd started")
	return nil
}

func (d *daemon) recordList() []lifecycle.Record {
	list := d.reg.List()
	out := make([]lifecycle.Record, 0, len(list))
	for _, c := range list {
		out = append(out, c.Record())
	}
	return out
}

// restoreAction is what startup does with an attached controller.
type restoreAction int

const (
	restoreNone restoreAction = iota
	restoreRun
	restoreInstall
)

func restoreFor(r role.Role, state lifecycle.State, version string) restoreAction {
	if r == role.Self || version == "" {
		return restoreNone
	}
	switch state {
	case lifecycle.StateCreated, lifecycle.StateStopped:
		return restoreRun
	case lifecycle.StateAbsent:
		return restoreInstall
	default:
		return restoreNone
	}
}

// restore brings a role whose version is known back to running. Failed roles
// are left alone until an explicit cleanup.
func (d *daemon) restore(ctx context.Context, c *lifecycle.Controller) {
	rec := c.Record()
	logger := log.G(ctx).WithFields(log.Fields{"container": c.Name(), "version": rec.Version})

	switch restoreFor(c.Role(), c.State(), rec.Version) {
	case restoreInstall:
		if err := c.Install(ctx, rec.Version, lifecycle.InstallOptions{}); err != nil {
			logger.WithError(err).Error("failed to install on startup")
			return
		}
	case restoreRun:
	default:
		return
	}
	if err := c.Run(ctx); err != nil {
		logger.WithError(err).Error("failed to start on startup")
		return
	}
	logger.Info("started on startup")
}

// recreateOnSignal applies recreate recommendations by replacing the
// container, so the new device rules take effect.
func (d *daemon) recreateOnSignal(ctx context.Context, c *lifecycle.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.Recreate():
			logger := log.G(ctx).WithFields(log.Fields{"container": sig.Name, "rules": sig.Rules})
			if err := c.Stop(ctx, true); err != nil {
				logger.WithError(err).Warn("failed to stop for recreate")
				continue
			}
			if err := c.Run(ctx); err != nil {
				logger.WithError(err).Error("failed to recreate")
				continue
			}
			logger.Info("recreated with new device rules")
		}
	}
}

func (d *daemon) reloadTrust(ctx context.Context) {
	if d.trust == nil {
		return
	}
	if err := d.trust.Reload(); err != nil {
		log.G(ctx).WithError(err).Error("failed to reload trust policy")
		return
	}
	for _, c := range d.reg.List() {
		if err := c.CheckTrust(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("container", c.Name()).Warn("trust check failed after reload")
		}
	}
}

// shutdown stops fleetd's own components. Managed containers keep running.
func (d *daemon) shutdown(ctx context.Context) {
	if d.status != nil {
		if err := d.status.Shutdown(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("failed to stop status server")
		}
	}
	if d.monitor != nil {
		if err := d.monitor.Stop(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("event monitor did not drain")
		}
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.wg.Wait()
	d.close(ctx)
	log.G(ctx).Info("fleetd stopped")
}

func (d *daemon) close(ctx context.Context) {
	var errs []error
	if d.records != nil {
		errs = append(errs, d.records.Close())
	}
	if d.addresses != nil {
		errs = append(errs, d.addresses.Close())
	}
	if d.engine != nil {
		errs = append(errs, d.engine.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.G(ctx).WithError(err).Warn("failed to release resources")
	}
}
