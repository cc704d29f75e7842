// Package storage implements the in-memory swarm registry and the narrow
// persistence port that durably records auth keys, whitelist entries, and
// completed-download counters.
package storage

import (
	"time"

	"github.com/chihaya/tracker/bittorrent"
)

// ErrResourceDoesNotExist is the error returned by all the methods in this
// package that operate on a peer, infohash, or torrent that does not exist,
// when the operation requires that it does.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// PeerEntry is a peer as known by a TorrentEntry: its identity, its
// self-reported transfer progress, and the wall-clock time of its most
// recent announce.
type PeerEntry struct {
	ID         bittorrent.PeerID
	Addr       bittorrent.Peer
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	LastEvent  bittorrent.Event
	LastUpdate time.Time
}

// Seeder reports whether the peer has nothing left to download.
func (p PeerEntry) Seeder() bool { return p.Left == 0 }

// SwarmMetadata is the derived, aggregate view of a torrent's swarm: seeder
// and leecher counts plus the lifetime completed-download counter. It is
// always recomputable in O(n) from a TorrentEntry's peer set plus its
// counter, and is what gets reported back over both the UDP and HTTP wire
// protocols.
type SwarmMetadata struct {
	Complete   int32
	Incomplete int32
	Downloaded uint32
}

// TorrentSummary pairs an InfoHash with its SwarmMetadata, as returned by
// Page for the (out of scope) external management API.
type TorrentSummary struct {
	InfoHash bittorrent.InfoHash
	SwarmMetadata
}

// EvictionPolicy configures EvictEmpty's decision of whether a torrent with
// no peers left should be dropped from the registry entirely.
type EvictionPolicy struct {
	// RetainCompleted keeps a torrent entry around after its last peer
	// leaves, provided it has recorded at least one completed download,
	// so that its Downloaded counter survives to be reported by a later
	// scrape.
	RetainCompleted bool
}

// SwarmRegistry is the core in-memory store of torrents and their peers.
// Torrents are sharded by InfoHash behind per-shard locks: every operation
// on one InfoHash takes exactly one shard lock, and the registry never holds
// two shard locks at once.
type SwarmRegistry interface {
	// UpsertPeer applies the event semantics of an announce to the named
	// torrent's peer set and returns the resulting SwarmMetadata,
	// computed atomically with respect to other operations against the
	// same InfoHash.
	UpsertPeer(infoHash bittorrent.InfoHash, peer PeerEntry) SwarmMetadata

	// SwarmMetadata returns the current aggregate state of a torrent's
	// swarm. Unknown torrents report zeroed metadata rather than an
	// error, per BEP-48 scrape conventions.
	SwarmMetadata(infoHash bittorrent.InfoHash) SwarmMetadata

	// SamplePeers returns up to cap peers from the named torrent's
	// swarm, excluding the given peer ID. The hard cap of 74 peers is
	// enforced here, not at storage time.
	SamplePeers(infoHash bittorrent.InfoHash, excluding bittorrent.PeerID, cap int) []PeerEntry

	// Page returns a deterministic, InfoHash-ascending slice of torrent
	// summaries for the external management API.
	Page(offset, limit int) []TorrentSummary

	// EvictInactive removes every peer across every torrent whose
	// LastUpdate predates cutoff.
	EvictInactive(cutoff time.Time)

	// EvictEmpty drops torrents left with no peers, subject to policy.
	EvictEmpty(policy EvictionPolicy)

	// ImportInitial seeds empty torrent entries with counters recovered
	// from the persistence layer at startup. Infohashes already present
	// in the registry are left untouched.
	ImportInitial(counters map[bittorrent.InfoHash]uint32)
}

// AuthKey is a bearer token that gates announce/scrape access in the
// private and private_listed modes.
type AuthKey struct {
	Token      string
	ValidUntil *time.Time
}

// Expired reports whether the key has a ValidUntil in the past relative to
// now.
func (k AuthKey) Expired(now time.Time) bool {
	return k.ValidUntil != nil && k.ValidUntil.Before(now)
}

// PersistencePort is the narrow interface the core calls to durably record
// keys, whitelist entries, and completed-download counters, independent of
// the concrete store behind it.
type PersistencePort interface {
	LoadCompletedCounters() (map[bittorrent.InfoHash]uint32, error)
	PersistCompleted(infoHash bittorrent.InfoHash, n uint32) error

	LoadKeys() ([]AuthKey, error)
	PersistKey(key AuthKey) error
	DeleteKey(token string) error

	LoadWhitelist() ([]bittorrent.InfoHash, error)
	AddWhitelist(infoHash bittorrent.InfoHash) error
	RemoveWhitelist(infoHash bittorrent.InfoHash) error
	ContainsWhitelist(infoHash bittorrent.InfoHash) (bool, error)
}

// Driver is the interface used to initialize a registered SwarmRegistry
// implementation, mirroring the teacher's storage driver-registration
// idiom (storage/memory, storage/database).
type Driver interface {
	New(cfg interface{}) (SwarmRegistry, error)
}

var drivers = make(map[string]Driver)

// RegisterDriver makes a Driver available by the provided name.
//
// If this function is called twice with the same name or if the driver is
// nil, it panics.
func RegisterDriver(name string, d Driver) {
	if d == nil {
		panic("storage: could not register nil Driver")
	}

	if _, dup := drivers[name]; dup {
		panic("storage: could not register duplicate Driver: " + name)
	}

	drivers[name] = d
}

// NewSwarmRegistry creates an instance of the given SwarmRegistry driver.
func NewSwarmRegistry(name string, cfg interface{}) (SwarmRegistry, error) {
	d, ok := drivers[name]
	if !ok {
		panic("storage: unknown driver: " + name)
	}

	return d.New(cfg)
}
