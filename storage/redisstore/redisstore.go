// Package redisstore implements the tracker's PersistencePort over Redis,
// grounded on the teacher's cache/redis connection-pool idiom but
// repurposed from whole-object torrent/user caching to the narrower
// key/whitelist/counter layout the PersistencePort needs: a set for the
// whitelist, and a hash for completed-download counters.
package redisstore

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/storage"
)

const (
	defaultMaxIdleConns = 8
	defaultIdleTimeout  = 5 * time.Minute

	whitelistKey = "whitelist"
	countersKey  = "completed"
	keysKey      = "keys"
)

// Config holds the configuration of a redisstore PersistencePort.
type Config struct {
	Network      string        `yaml:"network"`
	Addr         string        `yaml:"addr"`
	Prefix       string        `yaml:"prefix"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogFields renders the current config as a set of loggable fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"network":      cfg.Network,
		"addr":         cfg.Addr,
		"prefix":       cfg.Prefix,
		"maxIdleConns": cfg.MaxIdleConns,
		"idleTimeout":  cfg.IdleTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Network == "" {
		validcfg.Network = "tcp"
	}
	if cfg.MaxIdleConns <= 0 {
		validcfg.MaxIdleConns = defaultMaxIdleConns
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "redisstore.max_idle_conns",
			"provided": cfg.MaxIdleConns,
			"default":  validcfg.MaxIdleConns,
		})
	}
	if cfg.IdleTimeout <= 0 {
		validcfg.IdleTimeout = defaultIdleTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "redisstore.idle_timeout",
			"provided": cfg.IdleTimeout,
			"default":  validcfg.IdleTimeout,
		})
	}

	return validcfg
}

// Store is a Redis-backed PersistencePort.
type Store struct {
	cfg  Config
	pool *redis.Pool
}

var _ storage.PersistencePort = &Store{}

// New creates a new Store backed by the Redis instance described by cfg.
func New(provided Config) (*Store, error) {
	cfg := provided.Validate()

	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdleConns,
		IdleTimeout: cfg.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(cfg.Network, cfg.Addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	return &Store{cfg: cfg, pool: pool}, nil
}

func (s *Store) key(suffix string) string {
	return s.cfg.Prefix + suffix
}

// LoadCompletedCounters returns every torrent's recorded completed-download
// counter, stored as a single Redis hash keyed by InfoHash.
func (s *Store) LoadCompletedCounters() (map[bittorrent.InfoHash]uint32, error) {
	conn := s.pool.Get()
	defer conn.Close()

	raw, err := redis.StringMap(conn.Do("HGETALL", s.key(countersKey)))
	if err != nil {
		return nil, err
	}

	out := make(map[bittorrent.InfoHash]uint32, len(raw))
	for ih, v := range raw {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			continue
		}
		decoded, err := decodeInfoHash(ih)
		if err != nil {
			continue
		}
		out[decoded] = uint32(n)
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

// PersistCompleted durably records the given torrent's completed-download
// counter.
func (s *Store) PersistCompleted(infoHash bittorrent.InfoHash, n uint32) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HSET", s.key(countersKey), infoHash.String(), n)
	return err
}

// LoadKeys returns every durably stored auth key.
func (s *Store) LoadKeys() ([]storage.AuthKey, error) {
	conn := s.pool.Get()
	defer conn.Close()

	raw, err := redis.StringMap(conn.Do("HGETALL", s.key(keysKey)))
	if err != nil {
		return nil, err
	}

	out := make([]storage.AuthKey, 0, len(raw))
	for token, v := range raw {
		key := storage.AuthKey{Token: token}
		if v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				validUntil := time.Unix(unix, 0)
				key.ValidUntil = &validUntil
			}
		}
		out = append(out, key)
	}
	return out, nil
}

// PersistKey durably records the given auth key. A nil ValidUntil is
// stored as an empty value, meaning the key never expires.
func (s *Store) PersistKey(key storage.AuthKey) error {
	conn := s.pool.Get()
	defer conn.Close()

	value := ""
	if key.ValidUntil != nil {
		value = strconv.FormatInt(key.ValidUntil.Unix(), 10)
	}

	_, err := conn.Do("HSET", s.key(keysKey), key.Token, value)
	return err
}

// DeleteKey removes the auth key identified by token, if present.
func (s *Store) DeleteKey(token string) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HDEL", s.key(keysKey), token)
	return err
}

// LoadWhitelist returns every whitelisted InfoHash, stored as a single
// Redis set.
func (s *Store) LoadWhitelist() ([]bittorrent.InfoHash, error) {
	conn := s.pool.Get()
	defer conn.Close()

	members, err := redis.Strings(conn.Do("SMEMBERS", s.key(whitelistKey)))
	if err != nil {
		return nil, err
	}

	out := make([]bittorrent.InfoHash, 0, len(members))
	for _, m := range members {
		ih, err := decodeInfoHash(m)
		if err != nil {
			continue
		}
		out = append(out, ih)
	}
	return out, nil
}

// AddWhitelist admits the given InfoHash.
func (s *Store) AddWhitelist(infoHash bittorrent.InfoHash) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("SADD", s.key(whitelistKey), infoHash.String())
	return err
}

// RemoveWhitelist revokes admission for the given InfoHash.
func (s *Store) RemoveWhitelist(infoHash bittorrent.InfoHash) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("SREM", s.key(whitelistKey), infoHash.String())
	return err
}

// ContainsWhitelist reports whether the given InfoHash is currently
// admitted.
func (s *Store) ContainsWhitelist(infoHash bittorrent.InfoHash) (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	return redis.Bool(conn.Do("SISMEMBER", s.key(whitelistKey), infoHash.String()))
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
