// Package config implements the YAML-namespaced configuration file format
// for the tracker binary, and the factories that turn it into a running
// storage.SwarmRegistry, storage.PersistencePort, and middleware.Logic.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	yaml "gopkg.in/yaml.v2"

	httpfrontend "github.com/chihaya/tracker/frontend/http"
	udpfrontend "github.com/chihaya/tracker/frontend/udp"
	"github.com/chihaya/tracker/middleware"
	"github.com/chihaya/tracker/middleware/keystore"
	"github.com/chihaya/tracker/middleware/torrentapproval"
	"github.com/chihaya/tracker/storage"
	"github.com/chihaya/tracker/storage/memory"
	"github.com/chihaya/tracker/storage/redisstore"
	"github.com/chihaya/tracker/storage/sqlstore"
)

// Mode selects which of the four tracker access-control modes a
// deployment runs in.
type Mode string

const (
	// ModePublic requires no whitelist entry and no key to announce or
	// scrape.
	ModePublic Mode = "public"
	// ModeListed requires the announced info-hash to be whitelisted.
	ModeListed Mode = "listed"
	// ModePrivate requires a valid key, issued out of band, on every
	// request.
	ModePrivate Mode = "private"
	// ModePrivateListed requires both a valid key and a whitelisted
	// info-hash.
	ModePrivateListed Mode = "private_listed"
)

// Backend names understood by CreatePersistence.
const (
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Persistence selects and configures the storage.PersistencePort backend.
type Persistence struct {
	Backend string        `yaml:"backend"`
	Config  yaml.MapSlice `yaml:"config"`
}

// ConfigFile represents the tracker's namespaced YAML configuration file.
type ConfigFile struct {
	Tracker struct {
		middleware.Config `yaml:",inline"`
		Mode              Mode                `yaml:"mode"`
		PrometheusAddr    string              `yaml:"prometheus_addr"`
		HTTP              httpfrontend.Config `yaml:"http"`
		UDP               udpfrontend.Config  `yaml:"udp"`
		Registry          memory.Config       `yaml:"registry"`
		Persistence       Persistence         `yaml:"persistence"`
	} `yaml:"tracker"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, err
	}

	return &cfgFile, nil
}

// remarshal decodes a raw YAML-shaped value, as produced by decoding into
// an interface{} or yaml.MapSlice field, into a concrete typed config.
func remarshal(src interface{}, dst interface{}) error {
	bytes, err := yaml.Marshal(src)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(bytes, dst)
}

// CreateRegistry builds the in-memory storage.SwarmRegistry described by
// the config file.
func (cfg ConfigFile) CreateRegistry() (storage.SwarmRegistry, error) {
	return memory.New(cfg.Tracker.Registry)
}

// CreatePersistence builds the storage.PersistencePort backend described
// by the config file.
func (cfg ConfigFile) CreatePersistence() (storage.PersistencePort, error) {
	switch cfg.Tracker.Persistence.Backend {
	case BackendSqlite:
		var sc sqlstore.Config
		if err := remarshal(cfg.Tracker.Persistence.Config, &sc); err != nil {
			return nil, fmt.Errorf("invalid sqlite persistence config: %w", err)
		}
		return sqlstore.NewSqlite(sc)
	case BackendPostgres:
		var sc sqlstore.Config
		if err := remarshal(cfg.Tracker.Persistence.Config, &sc); err != nil {
			return nil, fmt.Errorf("invalid postgres persistence config: %w", err)
		}
		return sqlstore.NewPostgres(sc)
	case BackendRedis:
		var rc redisstore.Config
		if err := remarshal(cfg.Tracker.Persistence.Config, &rc); err != nil {
			return nil, fmt.Errorf("invalid redis persistence config: %w", err)
		}
		return redisstore.New(rc)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Tracker.Persistence.Backend)
	}
}

// CreateHooks builds the pre-hook chain that expresses the config file's
// Mode: a whitelist check for listed/private_listed, a key check for
// private/private_listed, and nothing at all for public.
func (cfg ConfigFile) CreateHooks(persist storage.PersistencePort) ([]middleware.Hook, error) {
	var preHooks []middleware.Hook

	switch cfg.Tracker.Mode {
	case ModePublic:
		return nil, nil
	case ModeListed:
		wl, err := torrentapproval.NewWhitelist(persist)
		if err != nil {
			return nil, fmt.Errorf("failed to load whitelist: %w", err)
		}
		preHooks = append(preHooks, torrentapproval.NewHook(wl))
	case ModePrivate:
		ks, err := keystore.NewKeyStore(persist)
		if err != nil {
			return nil, fmt.Errorf("failed to load keystore: %w", err)
		}
		preHooks = append(preHooks, keystore.NewHook(ks))
	case ModePrivateListed:
		ks, err := keystore.NewKeyStore(persist)
		if err != nil {
			return nil, fmt.Errorf("failed to load keystore: %w", err)
		}
		wl, err := torrentapproval.NewWhitelist(persist)
		if err != nil {
			return nil, fmt.Errorf("failed to load whitelist: %w", err)
		}
		preHooks = append(preHooks, keystore.NewHook(ks), torrentapproval.NewHook(wl))
	default:
		return nil, fmt.Errorf("unknown tracker mode %q", cfg.Tracker.Mode)
	}

	return preHooks, nil
}

// CreateLogic builds the middleware.Logic that implements
// frontend.TrackerLogic for both wire protocols.
func (cfg ConfigFile) CreateLogic(registry storage.SwarmRegistry, persist storage.PersistencePort) (*middleware.Logic, error) {
	preHooks, err := cfg.CreateHooks(persist)
	if err != nil {
		return nil, err
	}
	return middleware.NewLogic(cfg.Tracker.Config, registry, persist, preHooks, nil), nil
}
