package peerwire

import (
	"net"
	"time"
)

// idleTimeout closes a session that has neither sent nor received anything
// for this long; it is well above KeepAliveInterval so a healthy peer never
// trips it.
const idleTimeout = 180 * time.Second

// Session owns one TCP connection to a remote peer, exclusively, and
// provides framed message I/O on top of it.
type Session struct {
	conn   net.Conn
	Remote [20]byte
	Addr   string
}

// NewOutgoingSession dials addr, performs the outgoing handshake, and
// returns an established Session.
func NewOutgoingSession(addr string, infoHash, peerID [20]byte, dialTimeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}

	remote, err := DialOutgoing(conn, infoHash, peerID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Session{conn: conn, Remote: remote, Addr: addr}, nil
}

// NewIncomingSession performs the incoming handshake direction on an
// already-accepted connection (passed in from the host process's listener).
func NewIncomingSession(conn net.Conn, infoHash, peerID [20]byte) (*Session, error) {
	remote, err := AcceptIncoming(conn, infoHash, peerID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{conn: conn, Remote: remote, Addr: conn.RemoteAddr().String()}, nil
}

// NewAcceptedSession completes the handshake for a connection whose info
// hash has already been read via PeekHandshake and matched against a known
// torrent, sending our handshake reply and wrapping conn in a Session.
func NewAcceptedSession(conn net.Conn, remote Handshake, peerID [20]byte) (*Session, error) {
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	if err := SendHandshake(conn, remote.InfoHash, peerID); err != nil {
		return nil, err
	}
	return &Session{conn: conn, Remote: remote.PeerID, Addr: conn.RemoteAddr().String()}, nil
}

// Send writes msg with a write deadline.
func (s *Session) Send(msg Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(idleTimeout))
	return WriteMessage(s.conn, msg)
}

// SendKeepAlive writes a zero-length keep-alive frame.
func (s *Session) SendKeepAlive() error {
	s.conn.SetWriteDeadline(time.Now().Add(idleTimeout))
	return WriteKeepAlive(s.conn)
}

// Receive reads the next framed message, blocking until one arrives, a
// keep-alive is seen (ok=false, err=nil), or idleTimeout elapses.
func (s *Session) Receive() (msg Message, ok bool, err error) {
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	return ReadMessage(s.conn)
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
