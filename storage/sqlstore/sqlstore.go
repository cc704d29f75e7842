// Package sqlstore implements the tracker's PersistencePort over gorm,
// backed by either sqlite or postgres, repurposing the teacher's peer-store
// driver pattern to the narrower job of durably recording auth keys,
// whitelist entries, and completed-download counters.
package sqlstore

import (
	"encoding/hex"
	"time"

	yaml "gopkg.in/yaml.v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/storage"
)

// Name identifiers for the two dialects this package supports. Unlike
// storage.SwarmRegistry, PersistencePort has no driver registry of its
// own: the composition root picks a dialect and calls NewPostgres or
// NewSqlite directly, since a process only ever needs one persistence
// backend, not a pluggable set of them.
const (
	NamePostgres = "postgres"
	NameSqlite   = "sqlite"
)

const defaultDsn = "data/tracker.sqlite"

// FromYAML decodes a raw YAML-shaped config value (as produced by the
// composition root's top-level config decode) into a Config.
func FromYAML(icfg interface{}) (Config, error) {
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Config holds the configuration of a sqlstore PersistencePort.
type Config struct {
	Dsn string `yaml:"dsn"`
}

// LogFields renders the current config as a set of loggable fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{"dsn": cfg.Dsn}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     "sqlstore.dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
		})
	}
	return validcfg
}

// authKeyRow is the gorm model backing storage.AuthKey.
type authKeyRow struct {
	Token      string `gorm:"primaryKey"`
	ValidUntil *time.Time
}

// whitelistRow is the gorm model backing a whitelisted InfoHash.
type whitelistRow struct {
	InfoHash string `gorm:"primaryKey"`
}

// counterRow is the gorm model backing a torrent's completed-download
// counter.
type counterRow struct {
	InfoHash   string `gorm:"primaryKey"`
	Downloaded uint32
}

// Store is a gorm-backed PersistencePort.
type Store struct {
	cfg Config
	db  *gorm.DB
}

var _ storage.PersistencePort = &Store{}

// NewPostgres creates a new Store backed by a postgres database.
func NewPostgres(provided Config) (*Store, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(postgres.Open(cfg.Dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("unable to connect to postgres database", log.Fields{"reason": err})
	}

	return newStore(cfg, db)
}

// NewSqlite creates a new Store backed by an sqlite database.
func NewSqlite(provided Config) (*Store, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(sqlite.Open(cfg.Dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("unable to open sqlite database", log.Fields{"reason": err})
	}

	return newStore(cfg, db)
}

func newStore(cfg Config, db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&authKeyRow{}, &whitelistRow{}, &counterRow{}); err != nil {
		log.Fatal("unable to migrate database", log.Fields{"reason": err})
	}

	return &Store{cfg: cfg, db: db}, nil
}

// LoadCompletedCounters returns every torrent's recorded completed-download
// counter.
func (s *Store) LoadCompletedCounters() (map[bittorrent.InfoHash]uint32, error) {
	var rows []counterRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[bittorrent.InfoHash]uint32, len(rows))
	for _, r := range rows {
		ih, err := decodeInfoHash(r.InfoHash)
		if err != nil {
			continue
		}
		out[ih] = r.Downloaded
	}
	return out, nil
}

// PersistCompleted durably records the given torrent's completed-download
// counter, overwriting any previously stored value.
func (s *Store) PersistCompleted(infoHash bittorrent.InfoHash, n uint32) error {
	row := counterRow{InfoHash: infoHash.String(), Downloaded: n}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadKeys returns every durably stored auth key.
func (s *Store) LoadKeys() ([]storage.AuthKey, error) {
	var rows []authKeyRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]storage.AuthKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.AuthKey{Token: r.Token, ValidUntil: r.ValidUntil})
	}
	return out, nil
}

// PersistKey durably records the given auth key.
func (s *Store) PersistKey(key storage.AuthKey) error {
	row := authKeyRow{Token: key.Token, ValidUntil: key.ValidUntil}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// DeleteKey removes the auth key identified by token, if present.
func (s *Store) DeleteKey(token string) error {
	return s.db.Delete(&authKeyRow{}, "token = ?", token).Error
}

// LoadWhitelist returns every whitelisted InfoHash.
func (s *Store) LoadWhitelist() ([]bittorrent.InfoHash, error) {
	var rows []whitelistRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]bittorrent.InfoHash, 0, len(rows))
	for _, r := range rows {
		ih, err := decodeInfoHash(r.InfoHash)
		if err != nil {
			continue
		}
		out = append(out, ih)
	}
	return out, nil
}

// decodeInfoHash reverses InfoHash.String()'s hex encoding.
func decodeInfoHash(s string) (bittorrent.InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return bittorrent.InfoHash{}, err
	}
	return bittorrent.InfoHashFromBytes(b), nil
}

// AddWhitelist admits the given InfoHash.
func (s *Store) AddWhitelist(infoHash bittorrent.InfoHash) error {
	row := whitelistRow{InfoHash: infoHash.String()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// RemoveWhitelist revokes admission for the given InfoHash.
func (s *Store) RemoveWhitelist(infoHash bittorrent.InfoHash) error {
	return s.db.Delete(&whitelistRow{}, "info_hash = ?", infoHash.String()).Error
}

// ContainsWhitelist reports whether the given InfoHash is currently
// admitted.
func (s *Store) ContainsWhitelist(infoHash bittorrent.InfoHash) (bool, error) {
	var count int64
	if err := s.db.Model(&whitelistRow{}).Where("info_hash = ?", infoHash.String()).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
