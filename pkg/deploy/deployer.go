// Package deploy validates, deploys and activates Umpire configs, rolling
// back to the previous config when the daemon rejects a new one.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/primaryrutabaga/umpire/pkg/config"
	"github.com/primaryrutabaga/umpire/pkg/env"
	"github.com/primaryrutabaga/umpire/pkg/resource"
)

// ResultSuccess is returned by a successful Deploy.
const ResultSuccess = "Deploy success"

// Daemon applies the working config to the running services.
type Daemon interface {
	Deploy(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Deployer runs at most one deploy at a time.
type Deployer struct {
	env       *env.Env
	resources config.ResourceReader
	daemon    Daemon
	sem       *semaphore.Weighted
	now       func() time.Time
	log       zerolog.Logger

	mu        sync.Mutex
	state     State
	observers []Observer
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(d *Deployer) { d.observers = append(d.observers, o) }
}

// WithClock overrides the clock used to stamp transitions.
func WithClock(now func() time.Time) Option {
	return func(d *Deployer) { d.now = now }
}

// New creates a Deployer. The initial state is Active when e already holds
// a working config.
func New(e *env.Env, resources config.ResourceReader, daemon Daemon, opts ...Option) *Deployer {
	d := &Deployer{
		env:       e,
		resources: resources,
		daemon:    daemon,
		sem:       semaphore.NewWeighted(1),
		now:       time.Now,
		log:       log.With().Str("component", "deploy").Logger(),
		state:     StateIdle,
	}
	if e.Config() != nil {
		d.state = StateActive
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddObserver registers o for all later transitions.
func (d *Deployer) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// State returns the current state.
func (d *Deployer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

type run struct {
	id       string
	key      resource.Key
	original resource.Key
	started  time.Time
}

func (d *Deployer) enter(r *run, s State, outcome Outcome, err error) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()

	t := Transition{
		DeployID:    r.id,
		State:       s,
		Previous:    prev,
		ConfigKey:   r.key,
		OriginalKey: r.original,
		Outcome:     outcome,
		Err:         err,
		Started:     r.started,
		At:          d.now(),
	}
	ev := d.log.Debug()
	if err != nil {
		ev = d.log.Warn().Err(err)
	}
	ev.Str("deploy_id", r.id).Str("from", string(prev)).Str("to", string(s)).Msg("deploy transition")
	for _, o := range observers {
		o.ObserveDeploy(t)
	}
}

// Deploy validates the config stored under key, applies it through the
// daemon and activates it. Cancelling ctx does not abort the daemon step.
// On daemon failure the original config is restored and redeployed. A
// failed rollback stops the daemon and leaves the deployer refusing further
// deploys.
func (d *Deployer) Deploy(ctx context.Context, key resource.Key) (string, error) {
	if !d.sem.TryAcquire(1) {
		if d.State() == StateStopped {
			return "", ErrStopped
		}
		return "", ErrDeployInProgress
	}
	defer d.sem.Release(1)
	// Checked under the semaphore: a fatal rollback may have finished
	// since this call started.
	if d.State() == StateStopped {
		return "", ErrStopped
	}

	original := d.env.Config()
	r := &run{id: uuid.NewString(), key: key, started: d.now()}
	if original != nil {
		r.original = original.Key
	}
	settled := d.State()

	d.enter(r, StateValidating, "", nil)
	cfg, err := d.env.LoadConfig(key)
	if err == nil {
		err = config.ValidateResources(cfg, d.resources)
	}
	if err != nil {
		err = fmt.Errorf("validate %s: %w", key, err)
		d.enter(r, settled, OutcomeInvalid, err)
		return "", err
	}

	if original != nil {
		for _, line := range config.DiffRulesets(original.Config, cfg) {
			d.log.Info().Str("deploy_id", r.id).Msg(line)
		}
	}

	d.env.Install(key, cfg)
	d.enter(r, StateDeploying, "", nil)

	// A service restart is not interrupted by the caller going away.
	deployErr := d.daemon.Deploy(context.WithoutCancel(ctx))
	if deployErr == nil {
		if err := d.env.Activate(key); err != nil {
			deployErr = fmt.Errorf("activate: %w", err)
		} else {
			d.log.Info().Str("deploy_id", r.id).Str("key", string(key)).Msg("config deployed and activated")
			d.enter(r, StateActive, OutcomeSuccess, nil)
			return ResultSuccess, nil
		}
	}

	return "", d.rollback(ctx, r, original, deployErr)
}

func (d *Deployer) rollback(ctx context.Context, r *run, original *env.Snapshot, deployErr error) error {
	d.log.Error().Err(deployErr).Str("deploy_id", r.id).Str("key", string(r.key)).Msg("deploy failed, rolling back")
	d.enter(r, StateRollingBack, "", deployErr)

	// Recovery must finish even if the caller has gone away.
	rctx := context.WithoutCancel(ctx)

	d.env.Restore(original)
	if original == nil {
		err := &DeployError{Err: deployErr, RolledBack: true}
		d.enter(r, StateRolledBack, OutcomeRolledBack, err)
		return err
	}

	rollbackErr := d.daemon.Deploy(rctx)
	if rollbackErr == nil {
		err := &DeployError{Err: deployErr, RolledBack: true, Config: original.Key}
		d.log.Error().Str("deploy_id", r.id).Str("key", string(original.Key)).Msg("rolled back to original config")
		d.enter(r, StateRolledBack, OutcomeRolledBack, err)
		return err
	}

	d.log.Error().Err(rollbackErr).Str("deploy_id", r.id).Msg("rollback failed, stopping umpire daemon")
	if err := d.daemon.Stop(rctx); err != nil {
		d.log.Error().Err(err).Msg("stop daemon")
	}
	err := &RollbackError{DeployErr: deployErr, RollbackErr: rollbackErr, Config: original.Key}
	d.enter(r, StateStopped, OutcomeFatal, err)
	return err
}
