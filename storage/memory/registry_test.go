package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"inet.af/netaddr"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/storage"
)

func testConfig() Config {
	return Config{
		GarbageCollectionInterval: time.Hour,
		PeerLifetime:              time.Hour,
		ShardCount:                1,
	}.Validate()
}

func mustPeerID(n byte) bittorrent.PeerID {
	var b [20]byte
	b[19] = n
	return bittorrent.PeerIDFromBytes(b[:])
}

func testPeerEntry(id bittorrent.PeerID, event bittorrent.Event, left uint64) storage.PeerEntry {
	return storage.PeerEntry{
		ID:         id,
		Addr:       bittorrent.Peer{ID: id, AddrPort: netaddr.MustParseIPPort("127.0.0.1:1")},
		Left:       left,
		LastEvent:  event,
		LastUpdate: time.Now(),
	}
}

var testInfoHash = bittorrent.InfoHashFromBytes([]byte("aaaaaaaaaaaaaaaaaaaa"))

// Scenario B: announcing to a swarm with no existing peers creates it and
// reports the announcing peer as its sole member.
func TestRegistry_EmptySwarmAnnounce(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	peer := testPeerEntry(mustPeerID(1), bittorrent.Started, 10)
	meta := r.UpsertPeer(testInfoHash, peer)

	require.EqualValues(t, 0, meta.Complete)
	require.EqualValues(t, 1, meta.Incomplete)

	samples := r.SamplePeers(testInfoHash, bittorrent.PeerID{}, 50)
	require.Len(t, samples, 1)
	require.Equal(t, peer.ID, samples[0].ID)
}

// Scenario C: a second peer announcing to an existing swarm sees the first
// peer, and is excluded from its own sample.
func TestRegistry_SecondPeerAnnounce(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	p1 := testPeerEntry(mustPeerID(1), bittorrent.Started, 10)
	p2 := testPeerEntry(mustPeerID(2), bittorrent.Started, 0)

	r.UpsertPeer(testInfoHash, p1)
	meta := r.UpsertPeer(testInfoHash, p2)

	require.EqualValues(t, 1, meta.Complete)
	require.EqualValues(t, 1, meta.Incomplete)

	samples := r.SamplePeers(testInfoHash, p2.ID, 50)
	require.Len(t, samples, 1)
	require.Equal(t, p1.ID, samples[0].ID)
}

// Scenario F: a stopped event removes the peer from the swarm entirely.
func TestRegistry_StoppedEventRemovesPeer(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	id := mustPeerID(1)
	r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Started, 10))
	meta := r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Stopped, 10))

	require.EqualValues(t, 0, meta.Complete)
	require.EqualValues(t, 0, meta.Incomplete)
	require.Empty(t, r.SamplePeers(testInfoHash, bittorrent.PeerID{}, 50))
}

// Invariant 1: the peer set at any point equals the set of peer IDs whose
// most recent event is not stopped.
func TestRegistry_PeerSetReflectsLastEvent(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	a, b, c := mustPeerID(1), mustPeerID(2), mustPeerID(3)
	r.UpsertPeer(testInfoHash, testPeerEntry(a, bittorrent.Started, 1))
	r.UpsertPeer(testInfoHash, testPeerEntry(b, bittorrent.Started, 1))
	r.UpsertPeer(testInfoHash, testPeerEntry(c, bittorrent.Started, 1))
	r.UpsertPeer(testInfoHash, testPeerEntry(b, bittorrent.Stopped, 1))

	samples := r.SamplePeers(testInfoHash, bittorrent.PeerID{}, 50)
	seen := make(map[bittorrent.PeerID]bool)
	for _, p := range samples {
		seen[p.ID] = true
	}
	require.True(t, seen[a])
	require.False(t, seen[b])
	require.True(t, seen[c])
}

// Invariant 2: the completed-downloads counter increments exactly once per
// genuine transition into the completed state, not on every announce that
// merely repeats it.
func TestRegistry_DownloadedCountsTransitionsOnly(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	id := mustPeerID(1)
	r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Started, 10))
	meta := r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Completed, 0))
	require.EqualValues(t, 1, meta.Downloaded)

	// A repeated completed announce, or a later none-event announce, must
	// not inflate the counter again.
	meta = r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Completed, 0))
	require.EqualValues(t, 1, meta.Downloaded)

	meta = r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.None, 0))
	require.EqualValues(t, 1, meta.Downloaded)
}

// Invariant 5: repeating an identical announce is idempotent.
func TestRegistry_IdempotentAnnounce(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	peer := testPeerEntry(mustPeerID(1), bittorrent.Started, 10)
	first := r.UpsertPeer(testInfoHash, peer)
	second := r.UpsertPeer(testInfoHash, peer)

	require.Equal(t, first, second)
	require.Len(t, r.SamplePeers(testInfoHash, bittorrent.PeerID{}, 50), 1)
}

// Invariant 6: SamplePeers never returns more than the hard cap, regardless
// of the requested cap, and never returns the excluded peer.
func TestRegistry_SamplePeersCapAndExclusion(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	var ids []bittorrent.PeerID
	for i := 1; i <= 100; i++ {
		id := mustPeerID(byte(i))
		ids = append(ids, id)
		r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Started, 1))
	}

	samples := r.SamplePeers(testInfoHash, ids[0], 1000)
	require.LessOrEqual(t, len(samples), maxSamplePeers)
	for _, p := range samples {
		require.NotEqual(t, ids[0], p.ID)
	}
}

func TestRegistry_SwarmMetadataUnknownInfoHash(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	meta := r.SwarmMetadata(bittorrent.InfoHashFromBytes([]byte("bbbbbbbbbbbbbbbbbbbb")))
	require.Zero(t, meta)
}

func TestRegistry_EvictInactive(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	id := mustPeerID(1)
	peer := testPeerEntry(id, bittorrent.Started, 10)
	peer.LastUpdate = time.Now().Add(-2 * time.Hour)
	r.UpsertPeer(testInfoHash, peer)

	r.EvictInactive(time.Now().Add(-time.Hour))
	require.Empty(t, r.SamplePeers(testInfoHash, bittorrent.PeerID{}, 50))
}

func TestRegistry_EvictEmptyRetainsCompletedWhenPolicySet(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	id := mustPeerID(1)
	r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Started, 10))
	r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Completed, 0))
	r.UpsertPeer(testInfoHash, testPeerEntry(id, bittorrent.Stopped, 0))

	r.EvictEmpty(storage.EvictionPolicy{RetainCompleted: true})
	meta := r.SwarmMetadata(testInfoHash)
	require.EqualValues(t, 1, meta.Downloaded)

	r.EvictEmpty(storage.EvictionPolicy{RetainCompleted: false})
	meta = r.SwarmMetadata(testInfoHash)
	require.Zero(t, meta.Downloaded)
}

func TestRegistry_ImportInitialSeedsOnlyMissingTorrents(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	r.UpsertPeer(testInfoHash, testPeerEntry(mustPeerID(1), bittorrent.Started, 0))
	r.UpsertPeer(testInfoHash, testPeerEntry(mustPeerID(1), bittorrent.Completed, 0))

	other := bittorrent.InfoHashFromBytes([]byte("cccccccccccccccccccc"))
	r.ImportInitial(map[bittorrent.InfoHash]uint32{
		testInfoHash: 99,
		other:        5,
	})

	// Existing torrent's counter must not be clobbered by the import.
	require.EqualValues(t, 1, r.SwarmMetadata(testInfoHash).Downloaded)
	require.EqualValues(t, 5, r.SwarmMetadata(other).Downloaded)
}

func TestRegistry_Page(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)
	defer r.(*registry).Stop()

	r.UpsertPeer(testInfoHash, testPeerEntry(mustPeerID(1), bittorrent.Started, 1))
	other := bittorrent.InfoHashFromBytes([]byte("dddddddddddddddddddd"))
	r.UpsertPeer(other, testPeerEntry(mustPeerID(2), bittorrent.Started, 1))

	page := r.Page(0, 10)
	require.Len(t, page, 2)
	// Results must be ordered ascending by raw InfoHash bytes.
	require.True(t, string(page[0].InfoHash[:]) < string(page[1].InfoHash[:]))
}
