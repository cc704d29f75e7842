// Package torrentapproval implements a Hook that gates Announce and Scrape
// requests on a reloadable, persistence-backed whitelist of info-hashes.
package torrentapproval

import (
	"context"
	"sync"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/middleware"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/storage"
)

// ErrTorrentUnapproved is the error returned when an Announce names an
// info-hash that is not on the whitelist.
var ErrTorrentUnapproved = bittorrent.ClientError("unapproved torrent")

// Whitelist is a live, reloadable set of approved info-hashes backed by a
// storage.PersistencePort. Unlike a config-loaded static list, it can be
// grown or shrunk at runtime via Add/Remove, with every mutation persisted
// before it takes effect in memory.
type Whitelist struct {
	persist storage.PersistencePort

	mu       sync.RWMutex
	approved map[bittorrent.InfoHash]struct{}
}

// NewWhitelist constructs a Whitelist, loading its initial contents from
// persist. A failure to load at startup is fatal to the caller, since an
// empty whitelist in "listed" mode silently denies every torrent.
func NewWhitelist(persist storage.PersistencePort) (*Whitelist, error) {
	hashes, err := persist.LoadWhitelist()
	if err != nil {
		return nil, err
	}

	w := &Whitelist{
		persist:  persist,
		approved: make(map[bittorrent.InfoHash]struct{}, len(hashes)),
	}
	for _, ih := range hashes {
		w.approved[ih] = struct{}{}
	}

	return w, nil
}

// Reload re-reads the whitelist from persist, replacing the in-memory set
// wholesale. Used to pick up out-of-band administrative changes.
func (w *Whitelist) Reload() error {
	hashes, err := w.persist.LoadWhitelist()
	if err != nil {
		return err
	}

	approved := make(map[bittorrent.InfoHash]struct{}, len(hashes))
	for _, ih := range hashes {
		approved[ih] = struct{}{}
	}

	w.mu.Lock()
	w.approved = approved
	w.mu.Unlock()
	return nil
}

// Add approves an info-hash, persisting it before it is visible in memory.
func (w *Whitelist) Add(infoHash bittorrent.InfoHash) error {
	if err := w.persist.AddWhitelist(infoHash); err != nil {
		return err
	}
	w.mu.Lock()
	w.approved[infoHash] = struct{}{}
	w.mu.Unlock()
	return nil
}

// Remove revokes an info-hash's approval.
func (w *Whitelist) Remove(infoHash bittorrent.InfoHash) error {
	if err := w.persist.RemoveWhitelist(infoHash); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.approved, infoHash)
	w.mu.Unlock()
	return nil
}

// Approved reports whether infoHash is currently whitelisted.
func (w *Whitelist) Approved(infoHash bittorrent.InfoHash) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.approved[infoHash]
	return ok
}

var _ middleware.Hook = &Hook{}

// Hook adapts a Whitelist into the middleware pre-hook chain.
type Hook struct {
	whitelist *Whitelist
}

// NewHook returns a Hook backed by whitelist.
func NewHook(whitelist *Whitelist) *Hook {
	return &Hook{whitelist: whitelist}
}

// HandleAnnounce rejects an Announce outright when its info-hash is not
// whitelisted: an unlisted torrent may not be joined at all.
func (h *Hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.whitelist.Approved(req.InfoHash) {
		return ctx, ErrTorrentUnapproved
	}
	return ctx, nil
}

// HandleScrape never fails a Scrape. Per BEP 48, an unapproved info-hash is
// silently reported with a zeroed scrape rather than an error, so this
// records the denied subset in the context for the response hook to skip.
func (h *Hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	var denied map[bittorrent.InfoHash]struct{}
	for _, ih := range req.InfoHashes {
		if !h.whitelist.Approved(ih) {
			if denied == nil {
				denied = make(map[bittorrent.InfoHash]struct{})
			}
			denied[ih] = struct{}{}
		}
	}
	if denied == nil {
		return ctx, nil
	}

	log.Debug("scrape included unapproved torrents", log.Fields{"count": len(denied)})
	return context.WithValue(ctx, middleware.DeniedInfoHashesKey, denied), nil
}
