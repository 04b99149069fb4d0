// Package diskmgr implements the disk manager actor: bounded reader/writer
// worker pools that map between the torrent's piece/block geometry and the
// on-disk file concatenation, verifying each piece's hash as its last block
// lands.
package diskmgr

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvbealr/gopher/internal/bterrors"
	"github.com/lvbealr/gopher/internal/metainfo"
)

// DefaultPoolSize is the default number of concurrent reader and writer
// workers, bounding file-descriptor pressure.
const DefaultPoolSize = 6

// WriteRequest asks the manager to store a block's bytes at a
// piece-relative offset.
type WriteRequest struct {
	PieceIndex int
	Begin      int64
	Data       []byte
}

// ReadRequest asks the manager for a byte range, with the result delivered
// on Reply.
type ReadRequest struct {
	PieceIndex int
	Begin      int64
	Length     int64
	Reply      chan<- ReadResult
}

// ReadResult is what Manager sends back on a ReadRequest's Reply channel.
type ReadResult struct {
	Data []byte
	Err  error
}

// Have is emitted once a piece has been written in full and its hash
// verified successfully.
type Have struct {
	PieceIndex int
}

// HashMismatch is emitted when a fully-written piece fails hash
// verification; its blocks have been discarded and must be re-picked.
type HashMismatch struct {
	PieceIndex int
	BlockCount int
}

// FinishedDownloading is emitted once every piece has verified successfully.
type FinishedDownloading struct{}

// WriteFailed is emitted after a block write failed twice; the supervisor
// logs it and reopens the piece in the picker. No check is made for a
// persistent fault, and the failure is not reported on the control socket.
type WriteFailed struct {
	PieceIndex int
	Begin      int64
	Err        error
}

// Event is the union of messages the disk manager emits back to its owner
// (the torrent supervisor): one of Have, HashMismatch, WriteFailed, or
// FinishedDownloading.
type Event interface{}

type pieceProgress struct {
	mu          sync.Mutex
	written     map[int64]struct{} // begin offsets already on disk
	totalBlocks int
	done        bool // verified; late duplicate writes are discarded
}

// Manager is the disk manager actor: one instance per torrent, operating
// on that torrent's file concatenation.
type Manager struct {
	info    *metainfo.Info
	baseDir string
	log     *zap.SugaredLogger

	files []*os.File

	writeSem chan struct{}
	readSem  chan struct{}

	tasks errgroup.Group

	progressMu sync.Mutex
	progress   map[int]*pieceProgress
	donePieces int

	events    chan Event
	closeOnce sync.Once
}

// Open creates (or truncates-to-length) every file of info under baseDir and
// returns a Manager ready to accept Write/Read requests. existingPieces, if
// non-nil, marks pieces already verified (e.g. resumed from a snapshot) so
// they count as complete from the start and emit no Have events.
func Open(info *metainfo.Info, baseDir string, existingPieces []bool, poolSize int, log *zap.SugaredLogger) (*Manager, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	m := &Manager{
		info:     info,
		baseDir:  baseDir,
		log:      log,
		writeSem: make(chan struct{}, poolSize),
		readSem:  make(chan struct{}, poolSize),
		progress: make(map[int]*pieceProgress, info.PieceCount),
		events:   make(chan Event, info.PieceCount+1),
	}

	for _, df := range info.Files {
		path := filepath.Join(baseDir, df.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			m.closeFiles()
			return nil, bterrors.Wrap(bterrors.KindDiskIO, "creating directory for "+path, err)
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			m.closeFiles()
			return nil, bterrors.Wrap(bterrors.KindDiskIO, "opening "+path, err)
		}
		if err := f.Truncate(df.Length); err != nil {
			f.Close()
			m.closeFiles()
			return nil, bterrors.Wrap(bterrors.KindDiskIO, "truncating "+path, err)
		}
		m.files = append(m.files, f)
	}

	for i := 0; i < info.PieceCount; i++ {
		done := i < len(existingPieces) && existingPieces[i]
		m.progress[i] = &pieceProgress{
			written:     make(map[int64]struct{}, info.BlockCount(i)),
			totalBlocks: info.BlockCount(i),
			done:        done,
		}
		if done {
			m.donePieces++
		}
	}
	if m.donePieces == info.PieceCount {
		m.events <- FinishedDownloading{}
	}

	return m, nil
}

func (m *Manager) closeFiles() {
	for _, f := range m.files {
		f.Close()
	}
}

// Events returns the channel Have/HashMismatch/FinishedDownloading events
// arrive on. The owner must drain it.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Write submits a write task to the bounded writer pool; it returns once
// the task has been accepted, not once it has completed (completion and any
// resulting hash verification are reported asynchronously via Events).
func (m *Manager) Write(req WriteRequest) {
	m.writeSem <- struct{}{}
	m.tasks.Go(func() error {
		defer func() { <-m.writeSem }()
		m.doWrite(req)
		return nil
	})
}

func (m *Manager) doWrite(req WriteRequest) {
	prog := m.progress[req.PieceIndex]

	// End-game duplicates: the first arrival of a block wins; later copies
	// are discarded without touching the file.
	prog.mu.Lock()
	_, dup := prog.written[req.Begin]
	if dup || prog.done {
		prog.mu.Unlock()
		return
	}
	prog.mu.Unlock()

	pieceStart := int64(req.PieceIndex)*m.info.PieceLength + req.Begin
	err := m.writeRange(pieceStart, req.Data)
	if err != nil {
		// One retry per affected block; a second failure goes to the owner.
		m.log.Warnw("write failed, retrying", "piece", req.PieceIndex, "begin", req.Begin, "err", err)
		err = m.writeRange(pieceStart, req.Data)
	}
	if err != nil {
		m.log.Errorw("write failed after retry", "piece", req.PieceIndex, "begin", req.Begin, "err", err)
		m.events <- WriteFailed{PieceIndex: req.PieceIndex, Begin: req.Begin, Err: bterrors.Wrap(bterrors.KindDiskIO, "writing block", err)}
		return
	}

	prog.mu.Lock()
	prog.written[req.Begin] = struct{}{}
	complete := len(prog.written) >= prog.totalBlocks
	prog.mu.Unlock()

	if !complete {
		return
	}

	m.verifyPiece(req.PieceIndex)
}

// writeRange writes data starting at the torrent-wide byte offset start,
// splitting it across every file it overlaps.
func (m *Manager) writeRange(start int64, data []byte) error {
	end := start + int64(len(data))

	for i, df := range m.info.Files {
		fileStart := df.Start
		fileEnd := df.Start + df.Length

		overlapStart := maxInt64(start, fileStart)
		overlapEnd := minInt64(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		chunk := data[overlapStart-start : overlapEnd-start]
		if _, err := m.files[i].WriteAt(chunk, overlapStart-fileStart); err != nil {
			return err
		}
	}
	return nil
}

// verifyPiece reads a fully-written piece back, hashes it, and either
// emits Have or discards it and emits HashMismatch.
func (m *Manager) verifyPiece(pieceIndex int) {
	pieceStart := int64(pieceIndex) * m.info.PieceLength
	size := m.info.PieceSize(pieceIndex)

	buf := make([]byte, size)
	if err := m.readRangeInto(pieceStart, buf); err != nil {
		m.log.Errorw("reading piece for verification failed", "piece", pieceIndex, "err", err)
		return
	}

	sum := sha1.Sum(buf)
	expected := m.info.PieceHashes[pieceIndex]

	prog := m.progress[pieceIndex]

	if sum == expected {
		prog.mu.Lock()
		prog.done = true
		prog.mu.Unlock()

		m.progressMu.Lock()
		m.donePieces++
		finished := m.donePieces == m.info.PieceCount
		m.progressMu.Unlock()

		m.events <- Have{PieceIndex: pieceIndex}
		if finished {
			m.events <- FinishedDownloading{}
		}
		return
	}

	prog.mu.Lock()
	prog.written = make(map[int64]struct{}, prog.totalBlocks)
	prog.mu.Unlock()

	m.events <- HashMismatch{PieceIndex: pieceIndex, BlockCount: prog.totalBlocks}
}

// Read submits a read task to the bounded reader pool, delivering the
// result on req.Reply.
func (m *Manager) Read(req ReadRequest) {
	m.readSem <- struct{}{}
	m.tasks.Go(func() error {
		defer func() { <-m.readSem }()

		buf := make([]byte, req.Length)
		pieceStart := int64(req.PieceIndex)*m.info.PieceLength + req.Begin
		err := m.readRangeInto(pieceStart, buf)
		if err != nil {
			err = bterrors.Wrap(bterrors.KindDiskIO, "reading block", err)
		}
		req.Reply <- ReadResult{Data: buf, Err: err}
		return nil
	})
}

func (m *Manager) readRangeInto(start int64, buf []byte) error {
	end := start + int64(len(buf))

	for i, df := range m.info.Files {
		fileStart := df.Start
		fileEnd := df.Start + df.Length

		overlapStart := maxInt64(start, fileStart)
		overlapEnd := minInt64(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		chunk := buf[overlapStart-start : overlapEnd-start]
		if _, err := m.files[i].ReadAt(chunk, overlapStart-fileStart); err != nil {
			return fmt.Errorf("reading %s at %d: %w", df.Path, overlapStart-fileStart, err)
		}
	}
	return nil
}

// Shutdown waits for in-flight reads and writes to drain, then closes every
// open file.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		m.tasks.Wait()
		m.closeFiles()
		close(m.events)
	})
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
