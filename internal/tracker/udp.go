package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/lvbealr/gopher/internal/bencode"
	"github.com/lvbealr/gopher/internal/bterrors"
	"github.com/lvbealr/gopher/internal/idutil"
)

// udpProtocolID is the BEP-15 magic connection-request constant.
const udpProtocolID = 0x41727101980

const (
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
)

// UDPAnnouncer announces over the BEP-15 UDP tracker protocol: a connect
// handshake followed by an announce request.
type UDPAnnouncer struct {
	announceURL string
}

// NewUDPAnnouncer builds a UDPAnnouncer for the given udp:// announce URL.
func NewUDPAnnouncer(announceURL string) *UDPAnnouncer {
	return &UDPAnnouncer{announceURL: announceURL}
}

func (a *UDPAnnouncer) URL() string { return a.announceURL }

func (a *UDPAnnouncer) Announce(req Request) (*Response, error) {
	u, err := url.Parse(a.announceURL)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "parsing UDP announce URL", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "resolving UDP tracker address", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "dialing UDP tracker", err)
	}
	defer conn.Close()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := a.tryAnnounce(conn, req, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, bterrors.Wrap(bterrors.KindTrackerUnreachable, "UDP tracker announce failed after retries", lastErr)
}

func (a *UDPAnnouncer) tryAnnounce(conn *net.UDPConn, req Request, attempt int) (*Response, error) {
	transactionID, err := idutil.NewTransactionID()
	if err != nil {
		return nil, err
	}

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
	if _, err := conn.Write(connectReq); err != nil {
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	connResp := make([]byte, 16)
	n, err := conn.Read(connResp)
	if err != nil {
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if n < 16 {
		return nil, fmt.Errorf("short connect response: %d bytes", n)
	}
	if binary.BigEndian.Uint32(connResp[0:4]) != udpActionConnect {
		return nil, fmt.Errorf("unexpected connect action")
	}
	if binary.BigEndian.Uint32(connResp[4:8]) != transactionID {
		return nil, fmt.Errorf("connect transaction id mismatch")
	}
	connectionID := binary.BigEndian.Uint64(connResp[8:16])

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], req.InfoHash[:])
	copy(announceReq[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(announceReq[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(announceReq[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(announceReq[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(announceReq[80:84], udpEventCode(req.Event))
	// bytes 84:88 (IP) left zero: default
	binary.BigEndian.PutUint32(announceReq[88:92], transactionID) // key, reused for simplicity
	binary.BigEndian.PutUint32(announceReq[92:96], uint32(0xffffffff)) // num_want: default
	binary.BigEndian.PutUint16(announceReq[96:98], req.Port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return nil, fmt.Errorf("sending announce: %w", err)
	}

	buf := make([]byte, 2048)
	n, err = conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("short announce response: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(buf[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker error: %s", string(buf[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("unexpected announce action: %d", action)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != transactionID {
		return nil, fmt.Errorf("announce transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(buf[8:12]))
	peersRaw := buf[20:n]
	if len(peersRaw)%bencode.PeerAddrSize != 0 {
		return nil, fmt.Errorf("invalid peers length: %d", len(peersRaw))
	}

	peers, err := bencode.DecodeCompactPeers(bencode.Str(peersRaw))
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = DefaultReannounceInterval
	}
	return &Response{Interval: interval, Peers: peers}, nil
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
