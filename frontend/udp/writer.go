package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/chihaya/tracker/bittorrent"
)

// WriteError writes the failure reason as a null-terminated string.
func WriteError(w io.Writer, txID []byte, err error) {
	// If the client wasn't at fault, acknowledge it.
	if _, ok := err.(bittorrent.ClientError); !ok {
		err = fmt.Errorf("internal error occurred: %s", err.Error())
	}

	var buf bytes.Buffer
	writeHeader(&buf, txID, errorActionID)
	buf.WriteString(err.Error())
	buf.WriteByte(0)
	w.Write(buf.Bytes())
}

// WriteAnnounce encodes an announce response according to BEP 15. v6 selects
// which of the response's address families to serialize: a single UDP
// announce action is always answered in the address family it was decoded
// under, never both.
func WriteAnnounce(w io.Writer, txID []byte, resp *bittorrent.AnnounceResponse, v6 bool) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, announceActionID)
	binary.Write(&buf, binary.BigEndian, uint32(resp.Interval/time.Second))
	binary.Write(&buf, binary.BigEndian, uint32(resp.Incomplete))
	binary.Write(&buf, binary.BigEndian, uint32(resp.Complete))

	peers := resp.IPv4Peers
	if v6 {
		peers = resp.IPv6Peers
	}

	for _, peer := range peers {
		ip := peer.AddrPort.IP()
		if v6 {
			b := ip.As16()
			buf.Write(b[:])
		} else {
			b := ip.As4()
			buf.Write(b[:])
		}
		binary.Write(&buf, binary.BigEndian, peer.AddrPort.Port())
	}

	w.Write(buf.Bytes())
}

// WriteScrape encodes a scrape response according to BEP 15. Results are
// written in the same order as the request's info-hash list, since BEP 15
// correlates scrape results with requested info-hashes positionally, not by
// any key carried in the response itself. An info-hash the registry has no
// record of (or the whitelist silently rejected, per BEP 48) is reported as
// a zeroed scrape rather than omitted.
func WriteScrape(w io.Writer, txID []byte, infoHashes []bittorrent.InfoHash, resp *bittorrent.ScrapeResponse) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, scrapeActionID)

	for _, ih := range infoHashes {
		scrape := resp.Files[ih]
		binary.Write(&buf, binary.BigEndian, scrape.Complete)
		binary.Write(&buf, binary.BigEndian, scrape.Downloaded)
		binary.Write(&buf, binary.BigEndian, scrape.Incomplete)
	}

	w.Write(buf.Bytes())
}

// WriteConnectionID encodes a new connection response according to BEP 15.
func WriteConnectionID(w io.Writer, txID, connID []byte) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, connectActionID)
	buf.Write(connID)

	w.Write(buf.Bytes())
}

// writeHeader writes the action and transaction ID to the provided response
// buffer.
func writeHeader(w io.Writer, txID []byte, action uint32) {
	binary.Write(w, binary.BigEndian, action)
	w.Write(txID)
}
