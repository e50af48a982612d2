// Package env owns the Umpire working configuration and the persisted
// active-config pointer.
package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/config"
	"github.com/primaryrutabaga/umpire/pkg/resource"
	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

// ActiveConfigLink is the symlink in the base directory naming the active
// config resource.
const ActiveConfigLink = "active_umpire.yaml"

// ErrNoActiveConfig is returned when no config has been activated yet.
var ErrNoActiveConfig = errors.New("no active config")

// Snapshot is an immutable, validated working config.
type Snapshot struct {
	Key    resource.Key
	Config *schemas.UmpireConfig
}

// Env holds the working config read by request handlers and swapped by the
// deployer.
type Env struct {
	baseDir   string
	resources config.ResourceReader
	current   atomic.Pointer[Snapshot]
	log       zerolog.Logger
}

// New creates an Env rooted at baseDir. Config keys are resolved through
// resources.
func New(baseDir string, resources config.ResourceReader) *Env {
	return &Env{
		baseDir:   baseDir,
		resources: resources,
		log:       log.With().Str("component", "env").Logger(),
	}
}

// Config returns the current working config, or nil when none is installed.
func (e *Env) Config() *Snapshot {
	return e.current.Load()
}

// Install makes cfg the working config.
func (e *Env) Install(key resource.Key, cfg *schemas.UmpireConfig) *Snapshot {
	snap := &Snapshot{Key: key, Config: cfg}
	e.current.Store(snap)
	e.log.Debug().Str("key", string(key)).Msg("working config installed")
	return snap
}

// Restore reinstalls a previously captured snapshot. A nil snapshot clears
// the working config.
func (e *Env) Restore(snap *Snapshot) {
	e.current.Store(snap)
}

// LoadConfig resolves key in the store and parses it.
func (e *Env) LoadConfig(key resource.Key) (*schemas.UmpireConfig, error) {
	path, err := e.resources.Get(key)
	if err != nil {
		return nil, fmt.Errorf("resolve config %s: %w", key, err)
	}
	return config.Load(path)
}

// LoadActive installs the config named by the active pointer.
func (e *Env) LoadActive() (*Snapshot, error) {
	key, err := e.ActiveKey()
	if err != nil {
		return nil, err
	}
	cfg, err := e.LoadConfig(key)
	if err != nil {
		return nil, fmt.Errorf("load active config: %w", err)
	}
	e.log.Info().Str("key", string(key)).Msg("active config loaded")
	return e.Install(key, cfg), nil
}

// ActiveKey returns the resource key the active pointer refers to.
func (e *Env) ActiveKey() (resource.Key, error) {
	target, err := os.Readlink(e.activePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoActiveConfig
		}
		return "", fmt.Errorf("read active config link: %w", err)
	}
	return resource.Key(filepath.Base(target)), nil
}

// Activate points the active config link at key. The link is replaced
// atomically.
func (e *Env) Activate(key resource.Key) error {
	if _, err := e.resources.Get(key); err != nil {
		return fmt.Errorf("activate %s: %w", key, err)
	}

	target := filepath.Join("resources", string(key))
	tmp := filepath.Join(e.baseDir, "."+ActiveConfigLink+".tmp")
	os.Remove(tmp) //nolint:errcheck
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create active config link: %w", err)
	}
	if err := os.Rename(tmp, e.activePath()); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("swap active config link: %w", err)
	}
	e.log.Info().Str("key", string(key)).Msg("config activated")
	return nil
}

func (e *Env) activePath() string {
	return filepath.Join(e.baseDir, ActiveConfigLink)
}
