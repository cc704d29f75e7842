// Package udp implements a BitTorrent tracker via the UDP protocol as
// described in BEP 15.
package udp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"inet.af/netaddr"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/frontend"
	"github.com/chihaya/tracker/frontend/udp/bytepool"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/pkg/stop"
	"github.com/chihaya/tracker/pkg/timecache"
)

// maxPacketSize is the largest payload a UDP datagram can carry, so no
// request (a full 74-info-hash scrape is 16 + 74*20 bytes) is ever
// truncated; it widens the teacher's 2048-byte pool.
const maxPacketSize = 65535

// defaultActiveRequests is the number of slots in the taskPool ring: a task
// that has not started by the time this many newer datagrams have been
// accepted is dropped.
const defaultActiveRequests = 4096

// Config represents all of the configurable options for a UDP BitTorrent
// Tracker.
type Config struct {
	Addr                string `yaml:"addr"`
	PrivateKey          string `yaml:"private_key"`
	ActiveRequests      int    `yaml:"active_requests"`
	EnableRequestTiming bool   `yaml:"enable_request_timing"`
	ParseOptions        `yaml:",inline"`
}

// LogFields renders the current config as a set of loggable fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":                cfg.Addr,
		"activeRequests":      cfg.ActiveRequests,
		"enableRequestTiming": cfg.EnableRequestTiming,
		"maxNumWant":          cfg.MaxNumWant,
		"defaultNumWant":      cfg.DefaultNumWant,
		"maxScrapeInfoHashes": cfg.MaxScrapeInfoHashes,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	// Generate a private key if one isn't provided by the user. This secret
	// never needs to be stable across restarts: a restart invalidates every
	// outstanding connection ID, which is acceptable since a client simply
	// re-sends a connect request.
	if cfg.PrivateKey == "" {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			log.Fatal("failed to generate a udp private key", log.Err(err))
		}
		validcfg.PrivateKey = string(key[:])
		log.Warn("udp private key was not provided, using a generated key", nil)
	}

	if cfg.ActiveRequests <= 0 {
		validcfg.ActiveRequests = defaultActiveRequests
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.ActiveRequests",
			"provided": cfg.ActiveRequests,
			"default":  validcfg.ActiveRequests,
		})
	}

	if cfg.MaxNumWant <= 0 {
		validcfg.MaxNumWant = defaultMaxNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.MaxNumWant",
			"provided": cfg.MaxNumWant,
			"default":  validcfg.MaxNumWant,
		})
	}

	if cfg.DefaultNumWant <= 0 {
		validcfg.DefaultNumWant = defaultDefaultNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.DefaultNumWant",
			"provided": cfg.DefaultNumWant,
			"default":  validcfg.DefaultNumWant,
		})
	}

	if cfg.MaxScrapeInfoHashes <= 0 {
		validcfg.MaxScrapeInfoHashes = defaultMaxScrapeInfoHashes
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.MaxScrapeInfoHashes",
			"provided": cfg.MaxScrapeInfoHashes,
			"default":  validcfg.MaxScrapeInfoHashes,
		})
	}

	return validcfg
}

// Frontend holds the state of a UDP BitTorrent Frontend.
type Frontend struct {
	socket  *net.UDPConn
	closing chan struct{}
	wg      sync.WaitGroup

	genPool *sync.Pool
	tasks   *taskPool

	sanitizer *bittorrent.RequestSanitizer
	logic     frontend.TrackerLogic
	Config
}

// NewFrontend creates a new instance of an UDP Frontend that asynchronously
// serves requests.
func NewFrontend(logic frontend.TrackerLogic, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	f := &Frontend{
		closing: make(chan struct{}),
		logic:   logic,
		Config:  cfg,
		tasks:   newTaskPool(cfg.ActiveRequests),
		genPool: &sync.Pool{
			New: func() interface{} {
				return NewConnectionIDGenerator([]byte(cfg.PrivateKey))
			},
		},
		sanitizer: &bittorrent.RequestSanitizer{
			MaxNumWant:          cfg.MaxNumWant,
			DefaultNumWant:      cfg.DefaultNumWant,
			MaxScrapeInfoHashes: cfg.MaxScrapeInfoHashes,
		},
	}

	err := f.listen()
	if err != nil {
		return nil, err
	}

	go func() {
		if err := f.serve(); err != nil {
			log.Fatal("failed while serving udp", log.Err(err))
		}
	}()

	return f, nil
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (t *Frontend) Stop() stop.Result {
	select {
	case <-t.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(t.closing)
		_ = t.socket.SetReadDeadline(time.Now())
		t.wg.Wait()
		c.Done(t.socket.Close())
	}()

	return c.Result()
}

// listen resolves the address and binds the server socket.
func (t *Frontend) listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", t.Addr)
	if err != nil {
		return err
	}
	t.socket, err = net.ListenUDP("udp", udpAddr)
	return err
}

// serve blocks while listening and serving UDP BitTorrent requests
// until Stop() is called or an error is returned.
func (t *Frontend) serve() error {
	pool := bytepool.New(maxPacketSize)

	t.wg.Add(1)
	defer t.wg.Done()

	for {
		select {
		case <-t.closing:
			log.Debug("udp serve() received shutdown signal", nil)
			return nil
		default:
		}

		buffer := pool.Get()
		n, addr, err := t.socket.ReadFromUDP(*buffer)
		if err != nil {
			pool.Put(buffer)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.closing:
				return nil
			default:
			}
			return err
		}

		if n == 0 {
			pool.Put(buffer)
			continue
		}

		ip, ok := netaddr.FromStdIP(addr.IP)
		if !ok {
			pool.Put(buffer)
			continue
		}

		packet := append([]byte(nil), (*buffer)[:n]...)
		pool.Put(buffer)

		ctx, done := t.tasks.acquire(context.Background())
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer done()

			select {
			case <-ctx.Done():
				// Evicted before it ever got to run.
				return
			default:
			}

			var start time.Time
			if t.EnableRequestTiming {
				start = time.Now()
			}
			action, af, err := t.handleRequest(
				Request{Packet: packet, IP: ip},
				ResponseWriter{t.socket, addr},
			)
			var elapsed time.Duration
			if t.EnableRequestTiming {
				elapsed = time.Since(start)
			}
			recordResponseDuration(action, af, err, elapsed)
		}()
	}
}

// Request represents a UDP payload received by a Tracker.
type Request struct {
	Packet []byte
	IP     netaddr.IP
}

// ResponseWriter implements the ability to respond to a Request via the
// io.Writer interface.
type ResponseWriter struct {
	socket *net.UDPConn
	addr   *net.UDPAddr
}

// Write implements the io.Writer interface for a ResponseWriter.
func (w ResponseWriter) Write(b []byte) (int, error) {
	_, _ = w.socket.WriteToUDP(b, w.addr)
	return len(b), nil
}

// handleRequest parses and responds to a UDP Request.
func (t *Frontend) handleRequest(r Request, w ResponseWriter) (actionName string, af *bittorrent.AddressFamily, err error) {
	if len(r.Packet) < 16 {
		// Malformed, no client packets are less than 16 bytes.
		// We explicitly return nothing in case this is a DoS attempt.
		err = errMalformedPacket
		return
	}

	connID := r.Packet[0:8]
	actionID := binary.BigEndian.Uint32(r.Packet[8:12])
	txID := r.Packet[12:16]

	gen := t.genPool.Get().(*ConnectionIDGenerator)
	defer t.genPool.Put(gen)

	if actionID != connectActionID && !gen.Validate(connID, r.IP, timecache.Now()) {
		err = errBadConnectionID
		WriteError(w, txID, err)
		return
	}

	switch actionID {
	case connectActionID:
		actionName = "connect"

		if !bytes.Equal(connID, initialConnectionID) {
			err = errMalformedPacket
			return
		}

		af = new(bittorrent.AddressFamily)
		if r.IP.Is4() {
			*af = bittorrent.IPv4
		} else {
			*af = bittorrent.IPv6
		}

		WriteConnectionID(w, txID, gen.Generate(r.IP, timecache.Now()))

	case announceActionID, announceV6ActionID:
		actionName = "announce"

		var req *bittorrent.AnnounceRequest
		req, err = ParseAnnounce(r, actionID == announceV6ActionID, t.sanitizer)
		if err != nil {
			WriteError(w, txID, err)
			return
		}
		af = new(bittorrent.AddressFamily)
		*af = req.Peer.AddressFamily()

		ctx := context.Background()
		var resp *bittorrent.AnnounceResponse
		resp, err = t.logic.HandleAnnounce(ctx, req)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		WriteAnnounce(w, txID, resp, *af == bittorrent.IPv6)

		go t.logic.AfterAnnounce(ctx, req, resp)

	case scrapeActionID:
		actionName = "scrape"

		var req *bittorrent.ScrapeRequest
		req, err = ParseScrape(r, t.sanitizer)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		af = new(bittorrent.AddressFamily)
		if r.IP.Is4() {
			*af = bittorrent.IPv4
		} else {
			*af = bittorrent.IPv6
		}

		ctx := context.Background()
		var resp *bittorrent.ScrapeResponse
		resp, err = t.logic.HandleScrape(ctx, req)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		WriteScrape(w, txID, req.InfoHashes, resp)

		go t.logic.AfterScrape(ctx, req, resp)

	default:
		err = errUnknownAction
		WriteError(w, txID, err)
	}

	return
}
