// Package daemon runs the services named by the working Umpire config.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/primaryrutabaga/umpire/pkg/env"
	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

var (
	// ErrDeployInProgress is returned when Deploy is called while another
	// Deploy is running.
	ErrDeployInProgress = errors.New("another deployment in progress")
	// ErrNoConfig is returned when there is no working config to deploy.
	ErrNoConfig = errors.New("no working config")
	// ErrStopped is returned by Deploy after Stop.
	ErrStopped = errors.New("daemon stopped")
)

type running struct {
	svc Service
	cfg schemas.ServiceConfig
}

// Daemon starts and stops services so that the running set matches the
// working config.
type Daemon struct {
	env     *env.Env
	factory Factory
	log     zerolog.Logger

	deploying atomic.Bool
	mu        sync.Mutex
	running   map[string]running
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Daemon reading configs from e. A nil factory uses
// DefaultFactory.
func New(e *env.Env, factory Factory) *Daemon {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Daemon{
		env:     e,
		factory: factory,
		log:     log.With().Str("component", "daemon").Logger(),
		running: map[string]running{},
		done:    make(chan struct{}),
	}
}

// Done is closed once the daemon has been stopped.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Running returns the names of running services, sorted.
func (d *Daemon) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.running))
	for n := range d.running {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Deploy applies the working config: services no longer wanted are stopped,
// new ones started and ones with changed settings restarted. If starting
// fails the previous service set is restored best effort and the start
// error is returned.
func (d *Daemon) Deploy(ctx context.Context) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	if !d.deploying.CompareAndSwap(false, true) {
		return ErrDeployInProgress
	}
	defer d.deploying.Store(false)

	snap := d.env.Config()
	if snap == nil {
		return ErrNoConfig
	}
	wanted := activeServices(snap.Config)

	d.mu.Lock()
	current := make(map[string]running, len(d.running))
	for n, r := range d.running {
		current[n] = r
	}
	d.mu.Unlock()

	var stopping []string
	for name, r := range current {
		cfg, keep := wanted[name]
		if !keep || !reflect.DeepEqual(cfg, r.cfg) {
			stopping = append(stopping, name)
		}
	}
	var starting []string
	for name, cfg := range wanted {
		r, ok := current[name]
		if !ok || !reflect.DeepEqual(cfg, r.cfg) {
			starting = append(starting, name)
		}
	}
	sort.Strings(stopping)
	sort.Strings(starting)
	d.log.Info().Strs("stopping", stopping).Strs("starting", starting).Str("key", string(snap.Key)).Msg("deploying services")

	if err := d.stopServices(ctx, stopping); err != nil {
		return fmt.Errorf("stop services: %w", err)
	}

	if err := d.startServices(ctx, starting, wanted); err != nil {
		d.log.Error().Err(err).Msg("deploy failed, restoring previous services")
		d.undo(context.WithoutCancel(ctx), starting, stopping, current)
		return fmt.Errorf("start services: %w", err)
	}
	return nil
}

func (d *Daemon) stopServices(ctx context.Context, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		d.mu.Lock()
		r, ok := d.running[name]
		d.mu.Unlock()
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := r.svc.Stop(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			d.mu.Lock()
			delete(d.running, name)
			d.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (d *Daemon) startServices(ctx context.Context, names []string, cfgs map[string]schemas.ServiceConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		cfg := cfgs[name]
		g.Go(func() error {
			svc, err := d.factory(name, cfg)
			if err != nil {
				return err
			}
			if err := svc.Start(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			d.mu.Lock()
			d.running[name] = running{svc: svc, cfg: cfg}
			d.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// undo stops what a failed deploy started and restarts what it stopped.
// Errors are logged, the deploy error is what the caller reports.
func (d *Daemon) undo(ctx context.Context, started, stopped []string, previous map[string]running) {
	if err := d.stopServices(ctx, started); err != nil {
		d.log.Error().Err(err).Msg("undo: stop started services")
	}
	cfgs := make(map[string]schemas.ServiceConfig, len(stopped))
	for _, name := range stopped {
		cfgs[name] = previous[name].cfg
	}
	if err := d.startServices(ctx, stopped, cfgs); err != nil {
		d.log.Error().Err(err).Msg("undo: restart stopped services")
	}
}

// Stop stops every running service and marks the daemon done.
func (d *Daemon) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		err = d.stopServices(ctx, d.Running())
		close(d.done)
		d.log.Info().Msg("daemon stopped")
	})
	return err
}

func activeServices(cfg *schemas.UmpireConfig) map[string]schemas.ServiceConfig {
	out := map[string]schemas.ServiceConfig{}
	for name, sc := range cfg.Services {
		if sc == nil {
			sc = schemas.ServiceConfig{}
		}
		if sc.Active() {
			out[name] = sc
		}
	}
	return out
}
