// Package middleware implements the TrackerLogic interface by executing a
// configurable chain of hooks, plus a background janitor that keeps
// persistence-backed side state eventually consistent with the in-memory
// registry.
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/frontend"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/pkg/stop"
	"github.com/chihaya/tracker/storage"
)

const (
	defaultAnnounceInterval    = 30 * time.Minute
	defaultMinAnnounceInterval = 15 * time.Minute
	defaultMaxPeerCount        = 50
	defaultReconcileInterval   = time.Minute
)

// Config holds the configuration common across all middleware, independent
// of which optional hooks (whitelist, key verification) a deployment
// chooses to enable.
type Config struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
	MaxPeerCount        int           `yaml:"max_peer_count"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
}

// LogFields implements log.Fielder for a Config.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":    cfg.AnnounceInterval,
		"minAnnounceInterval": cfg.MinAnnounceInterval,
		"maxPeerCount":        cfg.MaxPeerCount,
		"reconcileInterval":   cfg.ReconcileInterval,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = defaultAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "middleware.AnnounceInterval",
			"provided": cfg.AnnounceInterval,
			"default":  validcfg.AnnounceInterval,
		})
	}

	if cfg.MinAnnounceInterval <= 0 {
		validcfg.MinAnnounceInterval = defaultMinAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "middleware.MinAnnounceInterval",
			"provided": cfg.MinAnnounceInterval,
			"default":  validcfg.MinAnnounceInterval,
		})
	}

	if cfg.MaxPeerCount <= 0 {
		validcfg.MaxPeerCount = defaultMaxPeerCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "middleware.MaxPeerCount",
			"provided": cfg.MaxPeerCount,
			"default":  validcfg.MaxPeerCount,
		})
	}

	if cfg.ReconcileInterval <= 0 {
		validcfg.ReconcileInterval = defaultReconcileInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "middleware.ReconcileInterval",
			"provided": cfg.ReconcileInterval,
			"default":  validcfg.ReconcileInterval,
		})
	}

	return validcfg
}

var _ frontend.TrackerLogic = &Logic{}

// NewLogic creates a new instance of a TrackerLogic that executes the
// provided hooks around the registry and persistence layer.
//
// preHooks runs before the registry is touched at all: a whitelist check
// (torrentapproval.Hook) and/or key verification (keystore.Hook) belong
// here, composed according to which of the four tracker modes (public,
// listed, private, private_listed) a deployment runs. responseHook always
// runs last among pre-hooks, reading the registry to populate the response
// the client receives. swarmInteractionHook and completedCounterHook always
// run as post-hooks, mutating the registry and reconciling the persisted
// completed-download counter only after the response has already been
// written, so a client never sees itself in its own peer list.
func NewLogic(cfg Config, registry storage.SwarmRegistry, persist storage.PersistencePort, preHooks, postHooks []Hook) *Logic {
	validcfg := cfg.Validate()

	l := &Logic{
		announceInterval:    validcfg.AnnounceInterval,
		minAnnounceInterval: validcfg.MinAnnounceInterval,
		registry:            registry,
		reconciler:          newReconciler(persist),
		reconcileInterval:   validcfg.ReconcileInterval,
		closing:             make(chan struct{}),
	}

	l.preHooks = append(l.preHooks, preHooks...)
	l.preHooks = append(l.preHooks, &responseHook{registry: registry, maxPeerCount: validcfg.MaxPeerCount})

	l.postHooks = append(l.postHooks, &swarmInteractionHook{registry: registry})
	l.postHooks = append(l.postHooks, postHooks...)
	l.postHooks = append(l.postHooks, &completedCounterHook{persist: persist, reconciler: l.reconciler})

	l.wg.Add(1)
	go l.janitor()

	return l
}

// Logic is an implementation of TrackerLogic that functions by executing a
// series of hooks, plus a background janitor that periodically retries
// completed-counter writes the persistence layer rejected when they were
// first attempted.
//
// Eviction of inactive peers and empty torrents is handled entirely inside
// the storage.SwarmRegistry implementation itself (see storage/memory), not
// here: Logic's janitor only reconciles the narrower persistence-backed
// side state that the registry has no knowledge of.
type Logic struct {
	announceInterval    time.Duration
	minAnnounceInterval time.Duration
	registry            storage.SwarmRegistry
	reconciler          *reconciler
	reconcileInterval   time.Duration
	preHooks            []Hook
	postHooks           []Hook

	closing chan struct{}
	wg      sync.WaitGroup
}

// HandleAnnounce generates a response for an Announce.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	resp := &bittorrent.AnnounceResponse{
		Interval:    l.announceInterval,
		MinInterval: l.minAnnounceInterval,
		Compact:     req.Compact,
	}

	var err error
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	log.Debug("generated announce response", nil)
	return resp, nil
}

// AfterAnnounce mutates the registry and reconciles persisted side state
// now that the response has already been sent to the client.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", log.Err(err))
			return
		}
	}
}

// HandleScrape generates a response for a Scrape.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	resp := &bittorrent.ScrapeResponse{
		Files: make(map[bittorrent.InfoHash]bittorrent.Scrape, len(req.InfoHashes)),
	}

	var err error
	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	log.Debug("generated scrape response", nil)
	return resp, nil
}

// AfterScrape runs the post-hooks for a Scrape. Scrapes never mutate the
// registry, so in practice this only runs any postHooks an operator
// configured beyond the always-present swarmInteractionHook and
// completedCounterHook, both of which are no-ops for scrapes.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			log.Error("post-scrape hooks failed", log.Err(err))
			return
		}
	}
}

// janitor periodically drains the reconciler's retry queue for
// completed-counter writes that failed on their first attempt.
func (l *Logic) janitor() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.reconciler.drain()
		case <-l.closing:
			return
		}
	}
}

// Stop stops the Logic's background janitor and any hooks that implement
// stop.Stopper.
func (l *Logic) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(l.closing)
		l.wg.Wait()

		stopGroup := stop.NewGroup()
		for _, hook := range l.preHooks {
			if stoppable, ok := hook.(stop.Stopper); ok {
				stopGroup.Add(stoppable)
			}
		}
		for _, hook := range l.postHooks {
			if stoppable, ok := hook.(stop.Stopper); ok {
				stopGroup.Add(stoppable)
			}
		}

		err, _ := <-stopGroup.Stop()
		c.Done(err)
	}()
	return c.Result()
}

// completedCounterHook persists the lifetime completed-download counter
// whenever an announce reports the Completed event, using the
// SwarmMetadata swarmInteractionHook's upsert already computed. A
// persistence failure here is logged and handed to the reconciler rather
// than surfaced to the client: the in-memory mutation already succeeded,
// and the client has already received its response.
type completedCounterHook struct {
	persist    storage.PersistencePort
	reconciler *reconciler
}

func (h *completedCounterHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if req.Event != bittorrent.Completed {
		return ctx, nil
	}

	meta, ok := ctx.Value(swarmMetadataKey).(storage.SwarmMetadata)
	if !ok {
		return ctx, nil
	}

	if err := h.persist.PersistCompleted(req.InfoHash, meta.Downloaded); err != nil {
		log.Warn("failed to persist completed counter, queued for retry", log.Err(err))
		h.reconciler.enqueue(req.InfoHash, meta.Downloaded)
	}

	return ctx, nil
}

func (h *completedCounterHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
