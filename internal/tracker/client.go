package tracker

import (
	"strings"

	"github.com/lvbealr/gopher/internal/bencode"
)

// NewAnnouncer picks an Announcer implementation based on the URL scheme.
func NewAnnouncer(announceURL string) Announcer {
	switch {
	case strings.HasPrefix(announceURL, "udp://"):
		return NewUDPAnnouncer(announceURL)
	default:
		return NewHTTPAnnouncer(announceURL)
	}
}

// Client announces to every tracker named in a metafile's announce /
// announce-list and merges the responses: the smallest reported interval
// wins and peer sets are unioned.
type Client struct {
	announcers []Announcer
}

// NewClient builds a Client from a primary announce URL and an optional
// announce-list of tiers (each tier a list of URLs), deduplicating entries.
func NewClient(announce string, announceList [][]string) *Client {
	seen := make(map[string]struct{})
	var urls []string

	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	add(announce)
	for _, tier := range announceList {
		for _, u := range tier {
			add(u)
		}
	}

	c := &Client{}
	for _, u := range urls {
		c.announcers = append(c.announcers, NewAnnouncer(u))
	}
	return c
}

// Announce contacts every known tracker and merges their responses. It
// succeeds if at least one tracker answers successfully, even with no peers.
func (c *Client) Announce(req Request) (*Response, error) {
	var lastErr error
	merged := &Response{}
	peerSet := make(map[string]struct{})

	found := false
	for _, a := range c.announcers {
		resp, err := a.Announce(req)
		if err != nil {
			lastErr = err
			continue
		}
		found = true
		if merged.Interval == 0 || resp.Interval < merged.Interval {
			merged.Interval = resp.Interval
		}
		if resp.TrackerID != "" {
			merged.TrackerID = resp.TrackerID
		}
		merged.Complete += resp.Complete
		merged.Incomplete += resp.Incomplete

		for _, p := range resp.Peers {
			key := PeerAddr(p)
			if _, ok := peerSet[key]; ok {
				continue
			}
			peerSet[key] = struct{}{}
			merged.Peers = append(merged.Peers, bencode.CompactPeer{IP: p.IP, Port: p.Port})
		}
	}

	if !found {
		return nil, lastErr
	}
	if merged.Interval == 0 {
		merged.Interval = DefaultReannounceInterval
	}
	return merged, nil
}
