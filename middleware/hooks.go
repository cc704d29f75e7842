package middleware

import (
	"context"
	"time"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/storage"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

type skipSwarmInteraction struct{}

// SkipSwarmInteractionKey is a key for the context of an Announce to control
// whether the swarm interaction hook should run. Any non-nil value set for
// this key will cause it to skip.
var SkipSwarmInteractionKey = skipSwarmInteraction{}

// swarmInteractionHook always runs as a post-announce hook, after the
// response has already been written to the client: it is the only hook
// allowed to mutate the registry, and it runs the upsert against the peer
// list the response hook already read, so a client never sees itself in
// its own peer list.
type swarmInteractionHook struct {
	registry storage.SwarmRegistry
}

func (h *swarmInteractionHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipSwarmInteractionKey) != nil {
		return ctx, nil
	}

	entry := storage.PeerEntry{
		ID:         req.Peer.ID,
		Addr:       req.Peer,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		LastEvent:  req.Event,
		LastUpdate: time.Now(),
	}

	meta := h.registry.UpsertPeer(req.InfoHash, entry)
	ctx = context.WithValue(ctx, swarmMetadataKey, meta)
	return ctx, nil
}

func (h *swarmInteractionHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes have no effect on the swarm.
	return ctx, nil
}

type swarmMetadataKeyType struct{}

// swarmMetadataKey carries the SwarmMetadata produced by swarmInteractionHook's
// upsert forward to the post-announce completed-counter hook, so it can see
// the new lifetime download count without a second registry call.
var swarmMetadataKey = swarmMetadataKeyType{}

type skipResponseHook struct{}

// SkipResponseHookKey is a key for the context of an Announce or Scrape to
// control whether the response hook should run. Any non-nil value set for
// this key will cause it to skip.
var SkipResponseHookKey = skipResponseHook{}

type deniedInfoHashesKeyType struct{}

// DeniedInfoHashesKey is the context key a whitelist pre-hook uses to record
// the subset of a scrape request's info-hashes that it denied, so the
// response hook can leave them unpopulated and let the wire encoders fall
// back to a zeroed scrape, per the BEP-48 silent-miss convention. The value
// is a map[bittorrent.InfoHash]struct{}.
var DeniedInfoHashesKey = deniedInfoHashesKeyType{}

// responseHook populates an announce response's peer list and swarm counts
// from the registry, and a scrape response's per-torrent metadata. It always
// runs as a pre-hook, before swarmInteractionHook's post-announce upsert, so
// a client never sees itself in its own peer list and the counts it
// receives reflect the swarm as it stood before this announce joined it.
type responseHook struct {
	registry     storage.SwarmRegistry
	maxPeerCount int
}

func (h *responseHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	meta := h.registry.SwarmMetadata(req.InfoHash)
	resp.Complete = meta.Complete
	resp.Incomplete = meta.Incomplete

	numWant := int(req.NumWant)
	if numWant > h.maxPeerCount || numWant == 0 {
		numWant = h.maxPeerCount
	}

	peers := h.registry.SamplePeers(req.InfoHash, req.Peer.ID, numWant)

	bpeers := make([]bittorrent.Peer, 0, len(peers))
	for _, p := range peers {
		bpeers = append(bpeers, p.Addr)
	}

	if req.Peer.AddressFamily() == bittorrent.IPv6 {
		resp.IPv6Peers = bpeers
	} else {
		resp.IPv4Peers = bpeers
	}

	return ctx, nil
}

func (h *responseHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	denied, _ := ctx.Value(DeniedInfoHashesKey).(map[bittorrent.InfoHash]struct{})

	for _, infoHash := range req.InfoHashes {
		if _, skip := denied[infoHash]; skip {
			continue
		}
		meta := h.registry.SwarmMetadata(infoHash)
		resp.Files[infoHash] = bittorrent.Scrape{
			Complete:   uint32(meta.Complete),
			Incomplete: uint32(meta.Incomplete),
			Downloaded: meta.Downloaded,
		}
	}

	return ctx, nil
}
