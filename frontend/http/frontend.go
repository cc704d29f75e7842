// Package http implements a BitTorrent tracker frontend via the HTTP
// protocol as described in BEP 3, BEP 23, and BEP 48.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/frontend"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/pkg/stop"
)

// defaultReadHeaderTimeout and defaultIdleTimeout guard against slowloris:
// an HTTP request has no per-request processing timeout of its own (the
// work is CPU-light, unlike a UDP task there is nothing to bound with a
// worker pool), so the server bounds the connection-level phases instead.
const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 5 * time.Second
)

// Config represents all of the configurable options for an HTTP BitTorrent
// Frontend.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	OnReverseProxy bool          `yaml:"on_reverse_proxy"`
}

// LogFields renders the current config as a set of loggable fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":           cfg.Addr,
		"readTimeout":    cfg.ReadTimeout,
		"writeTimeout":   cfg.WriteTimeout,
		"onReverseProxy": cfg.OnReverseProxy,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadHeaderTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultIdleTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	return validcfg
}

// Frontend holds the state of an HTTP BitTorrent Frontend.
type Frontend struct {
	srv    *http.Server
	logic  frontend.TrackerLogic
	closed chan struct{}
	Config
}

// NewFrontend allocates a new instance of a Frontend that asynchronously
// serves requests.
func NewFrontend(logic frontend.TrackerLogic, provided Config) *Frontend {
	cfg := provided.Validate()

	f := &Frontend{
		logic:  logic,
		Config: cfg,
		closed: make(chan struct{}),
	}

	router := httprouter.New()
	router.GET("/announce", f.announceRoute)
	router.GET("/announce/:key", f.announceRoute)
	router.GET("/scrape", f.scrapeRoute)
	router.GET("/scrape/:key", f.scrapeRoute)

	f.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.WriteTimeout,
	}

	go func() {
		if err := f.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed while serving http", log.Err(err))
		}
		close(f.closed)
	}()

	return f
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (f *Frontend) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		err := f.srv.Shutdown(context.Background())
		<-f.closed
		c.Done(err)
	}()
	return c.Result()
}

// routeParams builds a bittorrent.RouteParams from httprouter.Params and
// threads it through the request context so middleware hooks (key
// verification in private mode) can read the path's :key segment without
// this package knowing anything about authentication.
func routeParams(ctx context.Context, ps httprouter.Params) context.Context {
	if len(ps) == 0 {
		return ctx
	}
	rp := make(bittorrent.RouteParams, 0, len(ps))
	for _, p := range ps {
		rp = append(rp, bittorrent.RouteParam{Key: p.Key, Value: p.Value})
	}
	return context.WithValue(ctx, bittorrent.RouteParamsKey, rp)
}

// announceRoute parses and responds to an Announce using f.logic.
func (f *Frontend) announceRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("announce", err, time.Since(start)) }()

	req, err := ParseAnnounce(r, f.OnReverseProxy)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx := routeParams(r.Context(), ps)

	resp, err := f.logic.HandleAnnounce(ctx, req)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err = WriteAnnounceResponse(w, resp); err != nil {
		return
	}

	go f.logic.AfterAnnounce(ctx, req, resp)
}

// scrapeRoute parses and responds to a Scrape using f.logic.
func (f *Frontend) scrapeRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("scrape", err, time.Since(start)) }()

	req, err := ParseScrape(r)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx := routeParams(r.Context(), ps)

	resp, err := f.logic.HandleScrape(ctx, req)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err = WriteScrapeResponse(w, req.InfoHashes, resp); err != nil {
		return
	}

	go f.logic.AfterScrape(ctx, req, resp)
}
