package supervisor

import (
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gopher/internal/diskmgr"
	"github.com/lvbealr/gopher/internal/metainfo"
	"github.com/lvbealr/gopher/internal/peeractor"
	"github.com/lvbealr/gopher/internal/peerwire"
	"github.com/lvbealr/gopher/internal/picker"
)

func stubTracker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// "d8:intervali300e5:peers0:e": interval=300, no peers, compact form.
		w.Write([]byte("d8:intervali300e5:peers0:e"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func singleFileTestInfo(content []byte, pieceLength int64) *metainfo.Info {
	pieceCount := int((int64(len(content)) + pieceLength - 1) / pieceLength)
	hashes := make([][20]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		start := int64(i) * pieceLength
		end := start + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		hashes[i] = sha1.Sum(content[start:end])
	}
	return &metainfo.Info{
		Name:        "file.bin",
		TotalLength: int64(len(content)),
		PieceLength: pieceLength,
		BlockLength: metainfo.BlockLength,
		PieceCount:  pieceCount,
		PieceHashes: hashes,
		Files:       []metainfo.DownloadableFile{{Path: "file.bin", Length: int64(len(content)), Start: 0}},
	}
}

func newTestSupervisor(t *testing.T, info *metainfo.Info, existingPieces []bool) *Supervisor {
	t.Helper()
	tr := stubTracker(t)
	destDir := t.TempDir()
	stateDir := t.TempDir()

	s, err := New(
		info,
		[20]byte{1}, [20]byte{2},
		6881,
		"/tmp/src.torrent", destDir, stateDir,
		tr.URL, nil,
		existingPieces,
		Config{ReannounceInterval: time.Hour, SnapshotInterval: time.Hour},
		nil,
	)
	require.NoError(t, err)
	return s
}

func TestSnapshotStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := newSnapshotStore(dir)

	snap := Snapshot{InfoHashHex: "abcd", Name: "x", Downloaded: 10}
	require.NoError(t, store.save(snap))

	doc, err := store.load()
	require.NoError(t, err)
	require.Contains(t, doc, "abcd")
	assert.Equal(t, snap.Name, doc["abcd"].Name)
	assert.Equal(t, int64(10), doc["abcd"].Downloaded)
}

func TestSnapshotStoreUpsertsWithoutClobberingOthers(t *testing.T) {
	dir := t.TempDir()
	store := newSnapshotStore(dir)

	require.NoError(t, store.save(Snapshot{InfoHashHex: "a", Name: "first"}))
	require.NoError(t, store.save(Snapshot{InfoHashHex: "b", Name: "second"}))

	doc, err := store.load()
	require.NoError(t, err)
	assert.Len(t, doc, 2)
	assert.Equal(t, "first", doc["a"].Name)
	assert.Equal(t, "second", doc["b"].Name)
}

func TestSupervisorRunShutdownPersistsSnapshot(t *testing.T) {
	content := []byte("abcdefgh")
	info := singleFileTestInfo(content, int64(len(content)))
	s := newTestSupervisor(t, info, []bool{false})

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	s.Control() <- Shutdown{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	doc, err := s.store.load()
	require.NoError(t, err)
	require.Len(t, doc, 1)
}

func TestSupervisorSnapshotRequestReflectsBitfield(t *testing.T) {
	content := []byte("abcdefgh")
	info := singleFileTestInfo(content, int64(len(content)))
	s := newTestSupervisor(t, info, []bool{true}) // already complete, resumed

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	defer func() {
		s.Control() <- Shutdown{}
		<-done
	}()

	reply := make(chan Snapshot, 1)
	s.Control() <- SnapshotRequest{Reply: reply}

	var snap Snapshot
	select {
	case snap = <-reply:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot reply")
	}

	assert.Empty(t, snap.RemainingPieces, "resumed-complete torrent should have no remaining pieces")
}

func TestAvailabilityCountsEachPeerOnceAndReleasesOnDrop(t *testing.T) {
	content := []byte("abcdefgh")
	info := singleFileTestInfo(content, int64(len(content)))
	s := newTestSupervisor(t, info, []bool{false})

	s.peers["10.0.0.1:6881"] = &peerHandle{
		addr:       "10.0.0.1:6881",
		control:    make(chan peeractor.Control, 1),
		advertised: peerwire.NewBitfield(info.PieceCount),
	}

	s.recordAdvertised("10.0.0.1:6881", 0)
	s.recordAdvertised("10.0.0.1:6881", 0) // duplicate Have must not double count
	assert.Equal(t, 1, s.availability[0])

	s.dropPeer("10.0.0.1:6881")
	assert.Zero(t, s.availability[0])
	assert.Empty(t, s.peers)
}

func TestBroadcastCancelSkipsTheDeliveringPeer(t *testing.T) {
	content := []byte("abcdefgh")
	info := singleFileTestInfo(content, int64(len(content)))
	s := newTestSupervisor(t, info, []bool{false})

	winner := make(chan peeractor.Control, 1)
	loser := make(chan peeractor.Control, 1)
	s.peers["a"] = &peerHandle{addr: "a", control: winner, done: make(chan struct{})}
	s.peers["b"] = &peerHandle{addr: "b", control: loser, done: make(chan struct{})}

	s.broadcastCancel(picker.Block{PieceIndex: 0, BlockIndex: 0}, "a")

	require.Eventually(t, func() bool { return len(loser) == 1 }, time.Second, 10*time.Millisecond)
	cancel, ok := (<-loser).(peeractor.CancelBlock)
	require.True(t, ok)
	assert.Equal(t, 0, cancel.Block.PieceIndex)
	assert.Empty(t, winner, "the delivering peer must not receive a cancel")
}

func TestSupervisorDiskHaveSetsClientBitfield(t *testing.T) {
	content := []byte("0123456789abcdef")
	info := singleFileTestInfo(content, int64(len(content)))
	s := newTestSupervisor(t, info, []bool{false})

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	defer func() {
		s.Control() <- Shutdown{}
		<-done
	}()

	s.disk.Write(diskmgr.WriteRequest{PieceIndex: 0, Begin: 0, Data: content})

	require.Eventually(t, func() bool {
		return s.bitfield.Has(0)
	}, time.Second, 10*time.Millisecond)
}
