package bittorrent

import (
	"github.com/chihaya/tracker/pkg/log"
)

// ErrInvalidIP indicates an invalid IP for an Announce.
var ErrInvalidIP = ClientError("invalid IP")

// ErrInvalidNumWant is returned when a request uses a numwant that cannot be
// reasonably satisfied.
var ErrInvalidNumWant = ClientError("invalid numwant")

// ErrTooManyInfoHashes is returned when a scrape requests more infohashes
// than the registry is willing to look up in a single call.
var ErrTooManyInfoHashes = ClientError("too many infohashes in scrape request")

// RequestSanitizer is used to replace unreasonable values in requests parsed
// from a frontend into sane values.
type RequestSanitizer struct {
	MaxNumWant          uint32 `yaml:"max_numwant"`
	DefaultNumWant      uint32 `yaml:"default_numwant"`
	MaxScrapeInfoHashes uint32 `yaml:"max_scrape_infohashes"`
}

// SanitizeAnnounce enforces a max and default NumWant for an AnnounceRequest.
//
// Unlike an older generation of this sanitizer, it does not coerce a peer's
// address family: AddrPort already carries that information unambiguously,
// so there is nothing left to infer from raw IP bytes.
func (rs *RequestSanitizer) SanitizeAnnounce(r *AnnounceRequest) error {
	if !r.NumWantProvided {
		r.NumWant = rs.DefaultNumWant
	} else if r.NumWant > rs.MaxNumWant {
		r.NumWant = rs.MaxNumWant
	}

	if !r.Peer.AddrPort.IsValid() {
		return ErrInvalidIP
	}

	log.Debug("sanitized announce", log.Fields{"numWant": r.NumWant})
	return nil
}

// SanitizeScrape rejects a scrape request that asks for more infohashes than
// MaxScrapeInfoHashes permits. Unlike the truncate-silently behavior of
// older trackers, the tracker core considers this a protocol violation
// rather than a value to coerce, since silently dropping infohashes changes
// the ordering contract clients rely on.
func (rs *RequestSanitizer) SanitizeScrape(r *ScrapeRequest) error {
	if len(r.InfoHashes) > int(rs.MaxScrapeInfoHashes) {
		return ErrTooManyInfoHashes
	}

	log.Debug("sanitized scrape", log.Fields{"infohashes": len(r.InfoHashes)})
	return nil
}

// LogFields renders the request sanitizer's configuration as a set of
// loggable fields.
func (rs *RequestSanitizer) LogFields() log.Fields {
	return log.Fields{
		"maxNumWant":          rs.MaxNumWant,
		"defaultNumWant":      rs.DefaultNumWant,
		"maxScrapeInfohashes": rs.MaxScrapeInfoHashes,
	}
}
