// Package memory implements the tracker's SwarmRegistry storage interface
// keeping all torrent and peer data in memory, sharded across a set of
// independently lockable maps.
package memory

import (
	"encoding/binary"
	"runtime"
	"sort"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/pkg/stop"
	"github.com/chihaya/tracker/pkg/timecache"
	"github.com/chihaya/tracker/storage"
)

// Name is the name by which this registry is registered with the tracker.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                  = 1024
	defaultPrometheusReportingInterval = time.Second * 1
	defaultGarbageCollectionInterval   = time.Minute * 3
	defaultPeerLifetime                = time.Minute * 30

	// maxSamplePeers is the hard cap on peers returned from a single
	// SamplePeers call, applied regardless of the requested cap.
	maxSamplePeers = 74
)

func init() {
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) New(icfg interface{}) (storage.SwarmRegistry, error) {
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory SwarmRegistry.
type Config struct {
	GarbageCollectionInterval   time.Duration `yaml:"gc_interval"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	PeerLifetime                time.Duration `yaml:"peer_lifetime"`
	ShardCount                  int           `yaml:"shard_count"`
	RetainCompletedTorrents     bool          `yaml:"retain_completed_torrents"`
}

// LogFields renders the current config as a set of loggable fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"gcInterval":         cfg.GarbageCollectionInterval,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"peerLifetime":       cfg.PeerLifetime,
		"shardCount":         cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".GarbageCollectionInterval",
			"provided": cfg.GarbageCollectionInterval,
			"default":  validcfg.GarbageCollectionInterval,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PeerLifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	return validcfg
}

// torrentEntry is the registry's in-memory record of a single InfoHash's
// swarm: its peers, keyed by peer ID, and its lifetime completed-download
// counter.
type torrentEntry struct {
	peers      map[bittorrent.PeerID]storage.PeerEntry
	downloaded uint32
}

func newTorrentEntry() *torrentEntry {
	return &torrentEntry{peers: make(map[bittorrent.PeerID]storage.PeerEntry)}
}

func (t *torrentEntry) metadata() storage.SwarmMetadata {
	var complete, incomplete int32
	for _, p := range t.peers {
		if p.Seeder() {
			complete++
		} else {
			incomplete++
		}
	}
	return storage.SwarmMetadata{Complete: complete, Incomplete: incomplete, Downloaded: t.downloaded}
}

// shard holds a disjoint subset of the registry's torrents behind a single
// reader/writer lock. No operation against a given InfoHash ever needs more
// than one shard's lock, so no caller ever holds two shard locks at once.
type shard struct {
	torrents map[bittorrent.InfoHash]*torrentEntry
	sync.RWMutex
}

type registry struct {
	cfg    Config
	shards []*shard

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.SwarmRegistry = &registry{}

// New creates a new SwarmRegistry backed by memory.
func New(provided Config) (storage.SwarmRegistry, error) {
	cfg := provided.Validate()
	r := &registry{
		cfg:    cfg,
		shards: make([]*shard, cfg.ShardCount),
		closed: make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		r.shards[i] = &shard{torrents: make(map[bittorrent.InfoHash]*torrentEntry)}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.closed:
				return
			case <-time.After(cfg.GarbageCollectionInterval):
				cutoff := time.Now().Add(-cfg.PeerLifetime)
				log.Debug("storage: evicting peers with no announces since", log.Fields{"cutoff": cutoff})
				start := time.Now()
				r.EvictInactive(cutoff)
				r.EvictEmpty(storage.EvictionPolicy{RetainCompleted: cfg.RetainCompletedTorrents})
				log.Debug("storage: janitor sweep finished", log.Fields{"timeTaken": time.Since(start)})
			}
		}
	}()

	return r, nil
}

func (r *registry) shardIndex(infoHash bittorrent.InfoHash) int {
	return int(binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(r.shards)))
}

func (r *registry) UpsertPeer(infoHash bittorrent.InfoHash, peer storage.PeerEntry) storage.SwarmMetadata {
	s := r.shards[r.shardIndex(infoHash)]
	s.Lock()
	defer s.Unlock()

	t, ok := s.torrents[infoHash]
	if !ok {
		t = newTorrentEntry()
		s.torrents[infoHash] = t
	}

	if peer.LastEvent == bittorrent.Stopped {
		delete(t.peers, peer.ID)
		return t.metadata()
	}

	if peer.LastEvent == bittorrent.Completed {
		if prior, existed := t.peers[peer.ID]; !existed || prior.LastEvent != bittorrent.Completed {
			t.downloaded++
		}
	}

	t.peers[peer.ID] = peer
	return t.metadata()
}

func (r *registry) SwarmMetadata(infoHash bittorrent.InfoHash) storage.SwarmMetadata {
	s := r.shards[r.shardIndex(infoHash)]
	s.RLock()
	defer s.RUnlock()

	t, ok := s.torrents[infoHash]
	if !ok {
		return storage.SwarmMetadata{}
	}
	return t.metadata()
}

func (r *registry) SamplePeers(infoHash bittorrent.InfoHash, excluding bittorrent.PeerID, cap int) []storage.PeerEntry {
	if cap > maxSamplePeers {
		cap = maxSamplePeers
	}

	s := r.shards[r.shardIndex(infoHash)]
	s.RLock()
	defer s.RUnlock()

	t, ok := s.torrents[infoHash]
	if !ok {
		return nil
	}

	peers := make([]storage.PeerEntry, 0, cap)
	for id, p := range t.peers {
		if id == excluding {
			continue
		}
		if len(peers) >= cap {
			break
		}
		peers = append(peers, p)
	}
	return peers
}

func (r *registry) Page(offset, limit int) []storage.TorrentSummary {
	var all []storage.TorrentSummary
	for _, s := range r.shards {
		s.RLock()
		for ih, t := range s.torrents {
			all = append(all, storage.TorrentSummary{InfoHash: ih, SwarmMetadata: t.metadata()})
		}
		s.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool {
		return string(all[i].InfoHash[:]) < string(all[j].InfoHash[:])
	})

	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) || limit <= 0 {
		end = len(all)
	}
	return all[offset:end]
}

func (r *registry) EvictInactive(cutoff time.Time) {
	for _, s := range r.shards {
		s.Lock()
		for _, t := range s.torrents {
			for id, p := range t.peers {
				if p.LastUpdate.Before(cutoff) {
					delete(t.peers, id)
				}
			}
		}
		s.Unlock()
		runtime.Gosched()
	}
}

func (r *registry) EvictEmpty(policy storage.EvictionPolicy) {
	for _, s := range r.shards {
		s.Lock()
		for ih, t := range s.torrents {
			if len(t.peers) != 0 {
				continue
			}
			if policy.RetainCompleted && t.downloaded > 0 {
				continue
			}
			delete(s.torrents, ih)
		}
		s.Unlock()
		runtime.Gosched()
	}
}

func (r *registry) ImportInitial(counters map[bittorrent.InfoHash]uint32) {
	for ih, n := range counters {
		s := r.shards[r.shardIndex(ih)]
		s.Lock()
		if _, ok := s.torrents[ih]; !ok {
			t := newTorrentEntry()
			t.downloaded = n
			s.torrents[ih] = t
		}
		s.Unlock()
	}
}

// Stop shuts down the registry's background janitor and releases its
// shards.
func (r *registry) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(r.closed)
		r.wg.Wait()

		shards := make([]*shard, len(r.shards))
		for i := range shards {
			shards[i] = &shard{torrents: make(map[bittorrent.InfoHash]*torrentEntry)}
		}
		r.shards = shards

		c.Done()
	}()
	return c.Result()
}

// LogFields implements log.Fielder for the registry's configuration.
func (r *registry) LogFields() log.Fields {
	return r.cfg.LogFields()
}
