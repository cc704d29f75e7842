package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"inet.af/netaddr"

	"github.com/chihaya/tracker/bittorrent"
)

func newAnnounceRequest(t *testing.T, rawQuery string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/announce?"+rawQuery, nil)
	r.RequestURI = "/announce?" + rawQuery
	r.RemoteAddr = "203.0.113.9:54321"
	return r
}

// Scenario E: an info_hash of the wrong length fails with a bencoded error
// naming the offending field.
func TestParseAnnounce_InvalidInfoHashLength(t *testing.T) {
	r := newAnnounceRequest(t, "info_hash=%01&peer_id=aaaaaaaaaaaaaaaaaaaa&port=6881")
	_, err := ParseAnnounce(r, false)
	require.Error(t, err)

	var clientErr bittorrent.ClientError
	require.ErrorAs(t, err, &clientErr)
	require.Contains(t, clientErr.Error(), "info_hash")
}

func TestParseAnnounce_WellFormed(t *testing.T) {
	r := newAnnounceRequest(t, "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881&left=10&uploaded=1&downloaded=2&compact=1")
	req, err := ParseAnnounce(r, false)
	require.NoError(t, err)

	require.Equal(t, bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"), req.InfoHash)
	require.Equal(t, bittorrent.PeerIDFromString("bbbbbbbbbbbbbbbbbbbb"), req.Peer.ID)
	require.True(t, req.Compact)
	require.EqualValues(t, 10, req.Left)
	require.Equal(t, uint16(6881), req.Peer.AddrPort.Port())
	require.Equal(t, netaddr.MustParseIP("203.0.113.9"), req.Peer.AddrPort.IP())
}

func TestParseAnnounce_UsesRightmostXForwardedFor(t *testing.T) {
	r := newAnnounceRequest(t, "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881")
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.5")
	req, err := ParseAnnounce(r, true)
	require.NoError(t, err)
	require.Equal(t, netaddr.MustParseIP("203.0.113.5"), req.Peer.AddrPort.IP())
}

func TestParseAnnounce_ReverseProxyMissingHeader(t *testing.T) {
	r := newAnnounceRequest(t, "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881")
	_, err := ParseAnnounce(r, true)
	require.Error(t, err)
}

// Scenario D: an info-hash with no entry in the scrape response (unknown to
// the registry, or denied by a whitelist) is still reported as a full,
// zeroed scrape dict rather than omitted.
func TestWriteScrapeResponse_ZeroedOnMiss(t *testing.T) {
	ih := bittorrent.InfoHashFromString("\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")
	resp := &bittorrent.ScrapeResponse{Files: map[bittorrent.InfoHash]bittorrent.Scrape{}}

	rec := httptest.NewRecorder()
	err := WriteScrapeResponse(rec, []bittorrent.InfoHash{ih}, resp)
	require.NoError(t, err)

	expected := "d5:filesd20:" + string(ih[:]) + "d8:completei0e10:downloadedi0e10:incompletei0eeee"
	require.Equal(t, expected, rec.Body.String())
}

func TestWriteAnnounceResponse_CompactLayout(t *testing.T) {
	resp := &bittorrent.AnnounceResponse{
		Compact:  true,
		Interval: 30 * time.Minute,
		IPv4Peers: []bittorrent.Peer{
			{AddrPort: netaddr.MustParseIPPort("198.51.100.1:6881")},
		},
	}

	rec := httptest.NewRecorder()
	err := WriteAnnounceResponse(rec, resp)
	require.NoError(t, err)
	require.Contains(t, rec.Body.String(), "5:peers6:")
}

func TestParseScrape_MultipleInfoHashes(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/scrape", nil)
	r.RequestURI = "/scrape?info_hash=aaaaaaaaaaaaaaaaaaaa&info_hash=bbbbbbbbbbbbbbbbbbbb"
	req, err := ParseScrape(r)
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 2)
}
