package peerwire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeMarshalRoundTrip(t *testing.T) {
	hs := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{4, 5, 6}}
	raw := hs.marshal()
	require.Len(t, raw, handshakeLen)

	got, err := unmarshalHandshake(raw)
	require.NoError(t, err)
	assert.Equal(t, hs, got)
}

func TestDialOutgoingAndAcceptIncoming(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	infoHash := [20]byte{9, 9, 9}
	clientID := [20]byte{1, 1, 1}
	serverID := [20]byte{2, 2, 2}

	errCh := make(chan error, 1)
	var gotClientPeerID [20]byte
	go func() {
		var err error
		gotClientPeerID, err = AcceptIncoming(serverConn, infoHash, serverID)
		errCh <- err
	}()

	remote, err := DialOutgoing(clientConn, infoHash, clientID)
	require.NoError(t, err)
	assert.Equal(t, serverID, remote)

	require.NoError(t, <-errCh)
	assert.Equal(t, clientID, gotClientPeerID)
}

func TestAcceptIncomingRejectsInfoHashMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := AcceptIncoming(serverConn, [20]byte{1}, [20]byte{2})
		errCh <- err
	}()

	go func() {
		SendHandshake(clientConn, [20]byte{9}, [20]byte{3})
		// drain whatever the server sends back (it shouldn't, but don't hang)
		buf := make([]byte, handshakeLen)
		clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		clientConn.Read(buf)
	}()

	err := <-errCh
	require.Error(t, err)
}

func TestMessageFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteMessage(&buf, Message{ID: MsgRequest, Payload: EncodeRequest(BlockRequest{Index: 1, Begin: 2, Length: 3})}))
	require.NoError(t, WriteKeepAlive(&buf))
	require.NoError(t, WriteMessage(&buf, Message{ID: MsgChoke}))

	msg, ok, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgRequest, msg.ID)
	req, err := DecodeRequest(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, BlockRequest{Index: 1, Begin: 2, Length: 3}, req)

	_, ok, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.False(t, ok, "expected keep-alive")

	msg, ok, err = ReadMessage(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgChoke, msg.ID)
}

func TestPieceEncodeDecode(t *testing.T) {
	b := PieceBlock{Index: 4, Begin: 16384, Data: []byte("hello")}
	payload := EncodePiece(b)

	got, err := DecodePiece(payload)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0x7f // huge length
	buf.Write(lenBuf)

	_, _, err := ReadMessage(&buf)
	require.Error(t, err)
}

func TestBitfieldHasSetClone(t *testing.T) {
	bf := NewBitfield(10)
	bf.Set(0)
	bf.Set(9)

	assert.True(t, bf.Has(0))
	assert.True(t, bf.Has(9))
	assert.False(t, bf.Has(1))
	require.Len(t, bf, 2)

	cp := bf.Clone()
	cp.Set(1)
	assert.True(t, cp.Has(1))
	assert.False(t, bf.Has(1), "Clone must not alias the original")
}
