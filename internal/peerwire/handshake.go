// Package peerwire implements the BitTorrent peer wire protocol: the
// fixed 68-byte handshake and the length-prefixed message framing that
// follows it.
package peerwire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/lvbealr/gopher/internal/bterrors"
)

// ProtocolName is the fixed BitTorrent handshake protocol string.
const ProtocolName = "BitTorrent protocol"

// handshakeLen is the fixed wire length of a handshake message.
const handshakeLen = 1 + 19 + 8 + 20 + 20

// Handshake is the fixed 68-byte opening exchange.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) marshal() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(ProtocolName))
	copy(buf[1:20], ProtocolName)
	// bytes 20:28 are reserved, left zero
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

func unmarshalHandshake(buf []byte) (Handshake, error) {
	if len(buf) != handshakeLen {
		return Handshake{}, fmt.Errorf("peerwire: short handshake: %d bytes", len(buf))
	}
	if buf[0] != 19 || !bytes.Equal(buf[1:20], []byte(ProtocolName)) {
		return Handshake{}, fmt.Errorf("peerwire: unrecognized protocol header")
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// handshakeTimeout bounds both reading and writing a handshake.
const handshakeTimeout = 5 * time.Second

// SendHandshake writes our handshake to w.
func SendHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	hs := Handshake{InfoHash: infoHash, PeerID: peerID}
	_, err := w.Write(hs.marshal())
	return err
}

// ReadHandshake reads and parses a peer's handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: reading handshake: %w", err)
	}
	return unmarshalHandshake(buf)
}

// deadlineConn is the minimal surface DialOutgoing/AcceptIncoming need to set
// I/O deadlines around the handshake.
type deadlineConn interface {
	io.Reader
	io.Writer
	SetDeadline(time.Time) error
}

// DialOutgoing performs the outgoing-connection handshake direction: send
// our handshake first, then read theirs. It returns the remote peer id.
func DialOutgoing(conn deadlineConn, infoHash, peerID [20]byte) ([20]byte, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := SendHandshake(conn, infoHash, peerID); err != nil {
		return [20]byte{}, bterrors.Wrap(bterrors.KindHandshakeFailed, "sending handshake", err)
	}

	remote, err := ReadHandshake(conn)
	if err != nil {
		return [20]byte{}, bterrors.Wrap(bterrors.KindHandshakeFailed, "reading handshake", err)
	}
	if remote.InfoHash != infoHash {
		return [20]byte{}, bterrors.New(bterrors.KindInfoHashMismatch, "remote handshake info hash mismatch")
	}

	return remote.PeerID, nil
}

// PeekHandshake reads and parses a not-yet-identified incoming connection's
// handshake without sending a reply, so a multi-torrent listener can learn
// the info hash and dispatch to the right torrent before completing the
// handshake.
func PeekHandshake(conn deadlineConn) (Handshake, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hs, err := ReadHandshake(conn)
	if err != nil {
		return Handshake{}, bterrors.Wrap(bterrors.KindHandshakeFailed, "reading handshake", err)
	}
	return hs, nil
}

// AcceptIncoming performs the incoming-connection handshake direction:
// read theirs first, validate the info hash, then send ours.
func AcceptIncoming(conn deadlineConn, infoHash, peerID [20]byte) ([20]byte, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	remote, err := ReadHandshake(conn)
	if err != nil {
		return [20]byte{}, bterrors.Wrap(bterrors.KindHandshakeFailed, "reading handshake", err)
	}
	if remote.InfoHash != infoHash {
		return [20]byte{}, bterrors.New(bterrors.KindInfoHashMismatch, "incoming handshake info hash mismatch")
	}

	if err := SendHandshake(conn, infoHash, peerID); err != nil {
		return [20]byte{}, bterrors.Wrap(bterrors.KindHandshakeFailed, "sending handshake", err)
	}

	return remote.PeerID, nil
}

// lengthPrefixSize is the size of the framing length prefix.
const lengthPrefixSize = 4
