package http

import (
	"errors"
	"net/http"

	"github.com/chihaya/tracker/bencode"
	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/pkg/log"
)

// WriteError communicates an error to a BitTorrent client over HTTP
// following BEP 3: the response is always 200 OK, and the failure is
// carried in the bencoded body instead of the status line.
func WriteError(w http.ResponseWriter, err error) error {
	message := "internal server error"
	var clientErr bittorrent.ClientError
	if errors.As(err, &clientErr) {
		message = clientErr.Error()
	} else {
		log.Error("http: internal error", log.Err(err))
	}

	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"failure reason": message,
	})
}

// WriteAnnounceResponse communicates the results of an Announce to a
// BitTorrent client over HTTP.
func WriteAnnounceResponse(w http.ResponseWriter, resp *bittorrent.AnnounceResponse) error {
	bdict := bencode.Dict{
		"complete":     resp.Complete,
		"incomplete":   resp.Incomplete,
		"interval":     resp.Interval,
		"min interval": resp.MinInterval,
	}

	w.Header().Set("Content-Type", "text/plain")

	if resp.Compact {
		ipv4 := make([]byte, 0, compact4PeerLen*len(resp.IPv4Peers))
		for _, peer := range resp.IPv4Peers {
			ipv4 = append(ipv4, compact4(peer)...)
		}
		if len(ipv4) > 0 {
			bdict["peers"] = ipv4
		}

		ipv6 := make([]byte, 0, compact6PeerLen*len(resp.IPv6Peers))
		for _, peer := range resp.IPv6Peers {
			ipv6 = append(ipv6, compact6(peer)...)
		}
		if len(ipv6) > 0 {
			bdict["peers6"] = ipv6
		}

		return bencode.NewEncoder(w).Encode(bdict)
	}

	peers := make(bencode.List, 0, len(resp.IPv4Peers)+len(resp.IPv6Peers))
	for _, peer := range resp.IPv4Peers {
		peers = append(peers, peerDict(peer))
	}
	for _, peer := range resp.IPv6Peers {
		peers = append(peers, peerDict(peer))
	}
	bdict["peers"] = peers

	return bencode.NewEncoder(w).Encode(bdict)
}

// WriteScrapeResponse communicates the results of a Scrape to a BitTorrent
// client over HTTP. Per BEP 48, info-hashes the caller asked about but that
// carry no entry in resp.Files (unknown, or rejected by a whitelist) are
// written as a zeroed scrape rather than omitted.
func WriteScrapeResponse(w http.ResponseWriter, infoHashes []bittorrent.InfoHash, resp *bittorrent.ScrapeResponse) error {
	files := bencode.NewDict()
	for _, ih := range infoHashes {
		scrape := resp.Files[ih]
		files[string(ih[:])] = bencode.Dict{
			"complete":   scrape.Complete,
			"downloaded": scrape.Downloaded,
			"incomplete": scrape.Incomplete,
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"files": files,
	})
}

const (
	compact4PeerLen = 4 + 2  // IPv4 + Port
	compact6PeerLen = 16 + 2 // IPv6 + Port
)

func compact4(peer bittorrent.Peer) []byte {
	ip := peer.AddrPort.IP().As4()
	port := peer.AddrPort.Port()
	return append(ip[:], byte(port>>8), byte(port&0xff))
}

func compact6(peer bittorrent.Peer) []byte {
	ip := peer.AddrPort.IP().As16()
	port := peer.AddrPort.Port()
	return append(ip[:], byte(port>>8), byte(port&0xff))
}

func peerDict(peer bittorrent.Peer) bencode.Dict {
	return bencode.Dict{
		"peer id": string(peer.ID[:]),
		"ip":      peer.AddrPort.IP().String(),
		"port":    peer.AddrPort.Port(),
	}
}
