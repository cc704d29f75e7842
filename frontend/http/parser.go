// Package http implements a BitTorrent tracker frontend via the HTTP
// protocol as described in BEP 3, BEP 23, and BEP 48.
package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/chihaya/tracker/bittorrent"
)

// ParseAnnounce parses a bittorrent.AnnounceRequest from an http.Request.
func ParseAnnounce(r *http.Request, onReverseProxy bool) (*bittorrent.AnnounceRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	request := &bittorrent.AnnounceRequest{Params: qp}

	eventStr, _ := qp.String("event")
	request.Event, err = bittorrent.NewEvent(eventStr)
	if err != nil {
		return nil, bittorrent.ClientError("failed to provide valid client event")
	}

	// compact defaults to false: an absent or empty value, or "0", selects
	// the non-compact peer list.
	compactStr, _ := qp.String("compact")
	request.Compact = compactStr != "" && compactStr != "0"

	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("announce request must contain one info_hash")
	}
	if len(infoHashes) > 1 {
		return nil, bittorrent.ClientError("announce request must contain only one info_hash")
	}
	request.InfoHash = infoHashes[0]

	peerID, ok := qp.String("peer_id")
	if !ok {
		return nil, bittorrent.ClientError("failed to parse parameter: peer_id")
	}
	if len(peerID) != 20 {
		return nil, bittorrent.ClientError("failed to provide valid peer_id")
	}
	request.Peer.ID = bittorrent.PeerIDFromString(peerID)

	request.Left, err = qp.Uint64("left")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.ClientError("failed to parse parameter: left")
	}

	request.Downloaded, err = qp.Uint64("downloaded")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.ClientError("failed to parse parameter: downloaded")
	}

	request.Uploaded, err = qp.Uint64("uploaded")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.ClientError("failed to parse parameter: uploaded")
	}

	numwant, err := qp.Uint64("numwant")
	if err == nil {
		request.NumWant = uint32(numwant)
		request.NumWantProvided = true
	}

	port, err := qp.Uint64("port")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: port")
	}

	ip, err := requestedIP(r, onReverseProxy)
	if err != nil {
		return nil, err
	}
	request.Peer.AddrPort = netAddrPortFrom(ip, uint16(port))

	return request, nil
}

// ParseScrape parses a bittorrent.ScrapeRequest from an http.Request.
func ParseScrape(r *http.Request) (*bittorrent.ScrapeRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("scrape request must contain at least one info_hash")
	}

	request := &bittorrent.ScrapeRequest{
		InfoHashes: infoHashes,
		Params:     qp,
	}

	return request, nil
}

// requestedIP determines the IP address of the client that sent r.
//
// Unlike the old single-header, spoofable-by-query-param resolution, this
// only ever trusts the network layer: either the TCP peer address, or, when
// the tracker is deployed behind a reverse proxy, the right-most entry of
// X-Forwarded-For — the one the proxy itself appended, which a client
// cannot forge.
func requestedIP(r *http.Request, onReverseProxy bool) (net.IP, error) {
	if onReverseProxy {
		xff := r.Header.Get("X-Forwarded-For")
		if xff == "" {
			return nil, bittorrent.ClientError("reverse proxy configured but X-Forwarded-For is missing")
		}
		parts := strings.Split(xff, ",")
		last := strings.TrimSpace(parts[len(parts)-1])
		ip := net.ParseIP(last)
		if ip == nil {
			return nil, bittorrent.ClientError("failed to parse X-Forwarded-For")
		}
		return ip, nil
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse remote address")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, bittorrent.ClientError("failed to parse remote address")
	}
	return ip, nil
}
