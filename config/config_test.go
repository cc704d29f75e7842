package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/storage"
)

const exampleYAML = `
tracker:
  mode: listed
  announce_interval: 30m
  min_announce_interval: 15m
  prometheus_addr: ":6880"
  http:
    addr: ":6881"
  udp:
    addr: ":6882"
  registry:
    gc_interval: 3m
  persistence:
    backend: sqlite
    config:
      dsn: data/test.sqlite
`

func parseExample(t *testing.T) *ConfigFile {
	var cfg ConfigFile
	require.NoError(t, yaml.Unmarshal([]byte(exampleYAML), &cfg))
	return &cfg
}

func TestConfigFile_Unmarshal(t *testing.T) {
	cfg := parseExample(t)
	require.Equal(t, ModeListed, cfg.Tracker.Mode)
	require.Equal(t, ":6880", cfg.Tracker.PrometheusAddr)
	require.Equal(t, ":6881", cfg.Tracker.HTTP.Addr)
	require.Equal(t, ":6882", cfg.Tracker.UDP.Addr)
	require.Equal(t, BackendSqlite, cfg.Tracker.Persistence.Backend)
}

// fakePersistence is a minimal in-memory storage.PersistencePort used to
// exercise CreateHooks without touching a real database.
type fakePersistence struct{}

func (fakePersistence) LoadCompletedCounters() (map[bittorrent.InfoHash]uint32, error) {
	return nil, nil
}
func (fakePersistence) PersistCompleted(bittorrent.InfoHash, uint32) error { return nil }
func (fakePersistence) LoadKeys() ([]storage.AuthKey, error)               { return nil, nil }
func (fakePersistence) PersistKey(storage.AuthKey) error                   { return nil }
func (fakePersistence) DeleteKey(string) error                             { return nil }
func (fakePersistence) LoadWhitelist() ([]bittorrent.InfoHash, error)      { return nil, nil }
func (fakePersistence) AddWhitelist(bittorrent.InfoHash) error             { return nil }
func (fakePersistence) RemoveWhitelist(bittorrent.InfoHash) error          { return nil }
func (fakePersistence) ContainsWhitelist(bittorrent.InfoHash) (bool, error) {
	return false, nil
}

var _ storage.PersistencePort = fakePersistence{}

func TestCreateHooks_PublicModeHasNoHooks(t *testing.T) {
	cfg := parseExample(t)
	cfg.Tracker.Mode = ModePublic
	hooks, err := cfg.CreateHooks(fakePersistence{})
	require.NoError(t, err)
	require.Empty(t, hooks)
}

func TestCreateHooks_ListedModeAddsWhitelistHook(t *testing.T) {
	cfg := parseExample(t)
	hooks, err := cfg.CreateHooks(fakePersistence{})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
}

func TestCreateHooks_PrivateListedModeAddsBothHooks(t *testing.T) {
	cfg := parseExample(t)
	cfg.Tracker.Mode = ModePrivateListed
	hooks, err := cfg.CreateHooks(fakePersistence{})
	require.NoError(t, err)
	require.Len(t, hooks, 2)
}

func TestCreateHooks_UnknownModeErrors(t *testing.T) {
	cfg := parseExample(t)
	cfg.Tracker.Mode = Mode("bogus")
	_, err := cfg.CreateHooks(fakePersistence{})
	require.Error(t, err)
}

func TestCreatePersistence_UnknownBackendErrors(t *testing.T) {
	cfg := parseExample(t)
	cfg.Tracker.Persistence.Backend = "bogus"
	_, err := cfg.CreatePersistence()
	require.Error(t, err)
}
