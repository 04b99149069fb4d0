// Package tracker announces a torrent to an HTTP (and, as a supplement, UDP)
// tracker and parses the returned compact peer list.
package tracker

import (
	"bytes"
	"fmt"
	"net"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/lvbealr/gopher/internal/bencode"
	"github.com/lvbealr/gopher/internal/bterrors"
)

// Event is one of the announce event values: started, stopped, completed,
// or none (a periodic re-announce).
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// DefaultReannounceInterval is used when a tracker's response omits
// "interval" and as the supervisor's periodic re-announce fallback.
const DefaultReannounceInterval = 120

// Request is everything an announce's query string is built from.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	TrackerID  string // echoed back as "trackerid" if the previous response had one
}

// Response is the decoded tracker reply.
type Response struct {
	Interval   int
	TrackerID  string
	Complete   int
	Incomplete int
	Peers      []bencode.CompactPeer
}

// rawResponse is the bencode-tagged wire shape. Peers is left untyped so
// both the compact (byte string) and non-compact (list of dictionaries)
// forms can be detected; only the compact form is supported.
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	TrackerID     string      `bencode:"tracker id"`
	Complete      int         `bencode:"complete"`
	Incomplete    int         `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

// Announcer is the swappable tracker-connection abstraction: an HTTP
// announcer and a UDP announcer both implement it.
type Announcer interface {
	Announce(req Request) (*Response, error)
	URL() string
}

// decodeRawResponse turns the jackpal/bencode-go decoded dictionary into a
// Response, enforcing the compact-peers-only policy.
func decodeRawResponse(body []byte) (*Response, error) {
	var rr rawResponse
	if err := bencodego.Unmarshal(bytes.NewReader(body), &rr); err != nil {
		return nil, bterrors.Wrap(bterrors.KindInvalidBencode, "decoding tracker response", err)
	}

	if rr.FailureReason != "" {
		return nil, bterrors.New(bterrors.KindTrackerRefused, rr.FailureReason)
	}

	peersStr, ok := rr.Peers.(string)
	if !ok {
		return nil, bterrors.New(bterrors.KindTrackerRefused, "non-compact peer list not supported")
	}

	peers, err := bencode.DecodeCompactPeers(bencode.Str([]byte(peersStr)))
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindInvalidBencode, "decoding compact peers", err)
	}

	interval := rr.Interval
	if interval <= 0 {
		interval = DefaultReannounceInterval
	}

	return &Response{
		Interval:   interval,
		TrackerID:  rr.TrackerID,
		Complete:   rr.Complete,
		Incomplete: rr.Incomplete,
		Peers:      peers,
	}, nil
}

// PeerAddr renders a CompactPeer into a dialable TCP address string.
func PeerAddr(p bencode.CompactPeer) string {
	ip := net.IPv4(p.IP[0], p.IP[1], p.IP[2], p.IP[3])
	return fmt.Sprintf("%s:%d", ip.String(), p.Port)
}
