package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gopher/internal/bencode"
)

func TestBuildQueryPercentEncodesRawBytes(t *testing.T) {
	req := Request{
		InfoHash: [20]byte{0xff, 0x00, 'A', 'b', '1'},
		PeerID:   [20]byte{'-', 'G', 'O', '0', '0', '0', '1', '-'},
		Port:     6881,
		Left:     100,
		Event:    EventStarted,
	}

	q := buildQuery(req)
	assert.Contains(t, q, "info_hash=%FF%00Ab1")
	assert.Contains(t, q, "peer_id=%2DGO0001%2D")
	assert.Contains(t, q, "compact=1")
	assert.Contains(t, q, "no_peer_id=0")
	assert.Contains(t, q, "event=started")
}

func TestHTTPAnnouncerDecodesResponse(t *testing.T) {
	peers := bencode.EncodeCompactPeers([]bencode.CompactPeer{
		{IP: [4]byte{127, 0, 0, 1}, Port: 6881},
	})
	peersRaw, _ := peers.AsString()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		root := bencode.NewDict()
		root.Set("interval", bencode.Int(900))
		root.Set("peers", bencode.Str(peersRaw))
		w.Write(bencode.Encode(root))
	}))
	defer srv.Close()

	a := NewHTTPAnnouncer(srv.URL)
	resp, err := a.Announce(Request{Port: 6881, Event: EventStarted})
	require.NoError(t, err)
	assert.Equal(t, 900, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, uint16(6881), resp.Peers[0].Port)
}

func TestHTTPAnnouncerSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		root := bencode.NewDict()
		root.Set("failure reason", bencode.StrFromString("unregistered torrent"))
		w.Write(bencode.Encode(root))
	}))
	defer srv.Close()

	a := NewHTTPAnnouncer(srv.URL)
	_, err := a.Announce(Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered torrent")
}

func TestHTTPAnnouncerRejectsNonCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		root := bencode.NewDict()
		root.Set("interval", bencode.Int(100))
		root.Set("peers", bencode.List()) // list-of-dicts form, unsupported
		w.Write(bencode.Encode(root))
	}))
	defer srv.Close()

	a := NewHTTPAnnouncer(srv.URL)
	_, err := a.Announce(Request{})
	require.Error(t, err)
}

func TestNewAnnouncerDispatchesByScheme(t *testing.T) {
	_, ok := NewAnnouncer("udp://tracker.example:80/announce").(*UDPAnnouncer)
	assert.True(t, ok)

	_, ok2 := NewAnnouncer("http://tracker.example/announce").(*HTTPAnnouncer)
	assert.True(t, ok2)
}
