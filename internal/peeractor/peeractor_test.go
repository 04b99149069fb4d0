package peeractor

import (
	"crypto/sha1"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gopher/internal/diskmgr"
	"github.com/lvbealr/gopher/internal/metainfo"
	"github.com/lvbealr/gopher/internal/peerwire"
	"github.com/lvbealr/gopher/internal/picker"
)

func testInfo(content []byte) *metainfo.Info {
	return &metainfo.Info{
		Name:        "t.bin",
		TotalLength: int64(len(content)),
		PieceLength: int64(len(content)),
		BlockLength: int64(len(content)),
		PieceCount:  1,
		PieceHashes: [][20]byte{sha1.Sum(content)},
		Files:       []metainfo.DownloadableFile{{Path: "t.bin", Length: int64(len(content)), Start: 0}},
	}
}

// remoteStub drives the non-Actor side of a net.Pipe connection directly at
// the peerwire level, standing in for a real remote peer.
type remoteStub struct {
	conn net.Conn
}

func dialStubPair(t *testing.T, infoHash, actorID, remoteID [20]byte) (*peerwire.Session, *remoteStub) {
	t.Helper()
	actorConn, remoteConn := net.Pipe()

	sessCh := make(chan *peerwire.Session, 1)
	errCh := make(chan error, 1)
	go func() {
		sess, err := peerwire.NewIncomingSession(actorConn, infoHash, actorID)
		sessCh <- sess
		errCh <- err
	}()

	_, err := peerwire.DialOutgoing(remoteConn, infoHash, remoteID)
	require.NoError(t, err)

	require.NoError(t, <-errCh)
	return <-sessCh, &remoteStub{conn: remoteConn}
}

func (r *remoteStub) send(t *testing.T, msg peerwire.Message) {
	t.Helper()
	require.NoError(t, peerwire.WriteMessage(r.conn, msg))
}

func (r *remoteStub) receive(t *testing.T, timeout time.Duration) peerwire.Message {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(timeout))
	msg, ok, err := peerwire.ReadMessage(r.conn)
	require.NoError(t, err)
	require.True(t, ok)
	return msg
}

// waitForEvent drains events until one of type T arrives.
func waitForEvent[T any](t *testing.T, events <-chan SupervisorEvent, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if want, ok := ev.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestActorDownloadsBlockFromRemote(t *testing.T) {
	content := []byte("hello")
	info := testInfo(content)
	infoHash := [20]byte{1}

	session, remote := dialStubPair(t, infoHash, [20]byte{0xA}, [20]byte{0xB})
	defer remote.conn.Close()

	pk := picker.New([]int{1}, []bool{false}, picker.Config{})
	dir := t.TempDir()
	disk, err := diskmgr.Open(info, dir, []bool{false}, 0, nil)
	require.NoError(t, err)
	defer disk.Shutdown()

	ownBitfield := peerwire.NewBitfield(1) // we don't have the piece yet

	events := make(chan SupervisorEvent, 8)
	control := make(chan Control, 1)

	actor := New(session, pk, disk, ownBitfield, info, Config{}, events, control, nil)
	go actor.Run()

	// Remote side of the handshake's Active transition: it should see our
	// Bitfield then Interested.
	bfMsg := remote.receive(t, time.Second)
	assert.Equal(t, peerwire.MsgBitfield, bfMsg.ID)
	interestedMsg := remote.receive(t, time.Second)
	assert.Equal(t, peerwire.MsgInterested, interestedMsg.ID)

	remote.send(t, peerwire.Message{ID: peerwire.MsgUnchoke})
	remote.send(t, peerwire.Message{ID: peerwire.MsgBitfield, Payload: []byte{0x80}})

	reqMsg := remote.receive(t, time.Second)
	require.Equal(t, peerwire.MsgRequest, reqMsg.ID)
	req, err := peerwire.DecodeRequest(reqMsg.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), req.Index)
	assert.Equal(t, uint32(0), req.Begin)
	assert.Equal(t, uint32(len(content)), req.Length)

	remote.send(t, peerwire.Message{
		ID:      peerwire.MsgPiece,
		Payload: peerwire.EncodePiece(peerwire.PieceBlock{Index: 0, Begin: 0, Data: content}),
	})

	bd := waitForEvent[BlockDownloaded](t, events, time.Second)
	assert.Equal(t, content, bd.Data)

	control <- Shutdown{}
	time.Sleep(50 * time.Millisecond)

	writtenPath := dir + "/t.bin"
	got2, err := os.ReadFile(writtenPath)
	require.NoError(t, err)
	assert.Equal(t, content, got2)
}

func TestCancelBlockSendsWireCancelAndDiscardsLateArrival(t *testing.T) {
	content := []byte("raced")
	info := testInfo(content)
	infoHash := [20]byte{3}

	session, remote := dialStubPair(t, infoHash, [20]byte{0xE}, [20]byte{0xF})
	defer remote.conn.Close()

	pk := picker.New([]int{1}, []bool{false}, picker.Config{})
	dir := t.TempDir()
	disk, err := diskmgr.Open(info, dir, []bool{false}, 0, nil)
	require.NoError(t, err)
	defer disk.Shutdown()

	events := make(chan SupervisorEvent, 8)
	control := make(chan Control, 2)

	actor := New(session, pk, disk, peerwire.NewBitfield(1), info, Config{}, events, control, nil)
	go actor.Run()

	remote.receive(t, time.Second) // our Bitfield
	remote.receive(t, time.Second) // our Interested
	remote.send(t, peerwire.Message{ID: peerwire.MsgUnchoke})
	remote.send(t, peerwire.Message{ID: peerwire.MsgBitfield, Payload: []byte{0x80}})

	reqMsg := remote.receive(t, time.Second)
	require.Equal(t, peerwire.MsgRequest, reqMsg.ID)

	// Another peer delivered the block first; the supervisor broadcasts
	// CancelBlock, which must go out as a wire Cancel for the same triple.
	control <- CancelBlock{Block: picker.Block{PieceIndex: 0, BlockIndex: 0}}

	cancelMsg := remote.receive(t, time.Second)
	require.Equal(t, peerwire.MsgCancel, cancelMsg.ID)
	cancelled, err := peerwire.DecodeRequest(cancelMsg.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), cancelled.Index)
	assert.Equal(t, uint32(len(content)), cancelled.Length)

	// A late Piece for the cancelled block is discarded, not forwarded.
	remote.send(t, peerwire.Message{
		ID:      peerwire.MsgPiece,
		Payload: peerwire.EncodePiece(peerwire.PieceBlock{Index: 0, Begin: 0, Data: content}),
	})

	select {
	case ev := <-events:
		_, isBlock := ev.(BlockDownloaded)
		assert.False(t, isBlock, "cancelled block must not be forwarded, got %#v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	control <- Shutdown{}
}

func TestActorServesUploadRequest(t *testing.T) {
	content := []byte("serve-me")
	info := testInfo(content)
	infoHash := [20]byte{2}

	session, remote := dialStubPair(t, infoHash, [20]byte{0xC}, [20]byte{0xD})
	defer remote.conn.Close()

	pk := picker.New([]int{1}, []bool{true}, picker.Config{})
	dir := t.TempDir()
	disk, err := diskmgr.Open(info, dir, []bool{true}, 0, nil)
	require.NoError(t, err)
	defer disk.Shutdown()
	require.NoError(t, os.WriteFile(dir+"/t.bin", content, 0o644))

	ownBitfield := peerwire.NewBitfield(1)
	ownBitfield.Set(0) // we have the piece and can serve it

	events := make(chan SupervisorEvent, 8)
	control := make(chan Control, 1)

	actor := New(session, pk, disk, ownBitfield, info, Config{}, events, control, nil)
	go actor.Run()

	remote.receive(t, time.Second) // our Bitfield
	remote.receive(t, time.Second) // our Interested

	remote.send(t, peerwire.Message{ID: peerwire.MsgInterested})
	unchokeMsg := remote.receive(t, time.Second)
	assert.Equal(t, peerwire.MsgUnchoke, unchokeMsg.ID)

	remote.send(t, peerwire.Message{
		ID:      peerwire.MsgRequest,
		Payload: peerwire.EncodeRequest(peerwire.BlockRequest{Index: 0, Begin: 0, Length: uint32(len(content))}),
	})

	pieceMsg := remote.receive(t, 2*time.Second)
	require.Equal(t, peerwire.MsgPiece, pieceMsg.ID)
	block, err := peerwire.DecodePiece(pieceMsg.Payload)
	require.NoError(t, err)
	assert.Equal(t, content, block.Data)

	control <- Shutdown{}
}
