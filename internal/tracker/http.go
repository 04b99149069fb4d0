package tracker

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lvbealr/gopher/internal/bterrors"
)

// HTTPAnnouncer announces over a plain HTTP GET.
type HTTPAnnouncer struct {
	announceURL string
	client      *http.Client
}

// NewHTTPAnnouncer builds an HTTPAnnouncer for the given tracker announce URL.
func NewHTTPAnnouncer(announceURL string) *HTTPAnnouncer {
	return &HTTPAnnouncer{
		announceURL: announceURL,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *HTTPAnnouncer) URL() string { return a.announceURL }

// Announce sends the announce GET request and decodes the bencoded reply.
func (a *HTTPAnnouncer) Announce(req Request) (*Response, error) {
	u, err := url.Parse(a.announceURL)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "parsing announce URL", err)
	}

	u.RawQuery = buildQuery(req)

	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "building tracker request", err)
	}
	httpReq.Header.Set("User-Agent", "gopher/1.0")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "contacting tracker", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, bterrors.New(bterrors.KindTrackerUnreachable, fmt.Sprintf("tracker returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "reading tracker response", err)
	}

	return decodeRawResponse(body)
}

// buildQuery constructs the announce query string. info_hash and peer_id
// are percent-encoded with the unreserved set limited to alphanumerics: the
// raw bytes must survive untouched, which url.QueryEscape on a Go string
// does not guarantee for non-UTF-8 byte sequences.
func buildQuery(req Request) string {
	var b strings.Builder

	write := func(key, val string) {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(val)
	}

	write("info_hash", percentEncodeBytes(req.InfoHash[:]))
	write("peer_id", percentEncodeBytes(req.PeerID[:]))
	write("port", strconv.Itoa(int(req.Port)))
	write("uploaded", strconv.FormatInt(req.Uploaded, 10))
	write("downloaded", strconv.FormatInt(req.Downloaded, 10))
	write("left", strconv.FormatInt(req.Left, 10))
	write("compact", "1")
	write("no_peer_id", "0")
	if req.Event != EventNone {
		write("event", string(req.Event))
	}
	if req.TrackerID != "" {
		write("trackerid", url.QueryEscape(req.TrackerID))
	}

	return b.String()
}

// percentEncodeBytes percent-encodes raw bytes with the unreserved set
// limited to ASCII alphanumerics.
func percentEncodeBytes(raw []byte) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(raw) * 3)

	for _, c := range raw {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
