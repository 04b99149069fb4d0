// Package engine owns every active torrent's Supervisor, keyed by info
// hash, and the single shared TCP listener that dispatches incoming peer
// connections to the right one by peeking their handshake. It holds no
// other global state.
package engine

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvbealr/gopher/internal/bterrors"
	"github.com/lvbealr/gopher/internal/config"
	"github.com/lvbealr/gopher/internal/idutil"
	"github.com/lvbealr/gopher/internal/metainfo"
	"github.com/lvbealr/gopher/internal/peerwire"
	"github.com/lvbealr/gopher/internal/supervisor"
)

// handle is everything the engine keeps about one running torrent.
type handle struct {
	sup *supervisor.Supervisor
}

// Engine is the set of running torrents: a map from info hash to
// supervisor handle, plus the shared peer listener.
type Engine struct {
	cfg    config.ClientOptions
	peerID [20]byte
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	torrents map[[20]byte]*handle

	listener net.Listener
	done     chan struct{}
	stopOnce sync.Once
}

// New builds an Engine from a validated ClientOptions. It does not yet
// listen for peers or load resumed state; call ListenForPeers and
// LoadState separately.
func New(cfg config.ClientOptions, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:      cfg,
		peerID:   idutil.NewPeerID(),
		log:      log,
		torrents: make(map[[20]byte]*handle),
		done:     make(chan struct{}),
	}
}

// metaDir is the subdirectory of StateDir holding copied .torrent files.
func (e *Engine) metaDir() string {
	return filepath.Join(e.cfg.StateDir, "torrents")
}

// LoadState resumes every torrent whose metafile is present in the state
// directory, seeding each Supervisor's bitfield from the persisted
// snapshot document.
func (e *Engine) LoadState() error {
	entries, err := os.ReadDir(e.metaDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: reading state dir: %w", err)
	}

	snaps, err := supervisor.LoadSnapshots(e.cfg.StateDir)
	if err != nil {
		return fmt.Errorf("engine: loading snapshot document: %w", err)
	}

	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".torrent" {
			continue
		}
		metaPath := filepath.Join(e.metaDir(), ent.Name())

		infoHashHex := strings.TrimSuffix(ent.Name(), ".torrent")
		destPath := e.cfg.DownloadDir
		var existingPieces []bool
		if snap, ok := snaps[infoHashHex]; ok {
			if snap.DestPath != "" {
				destPath = snap.DestPath
			}
			existingPieces = supervisor.PiecesFromBitfield(snap.Bitfield, snap.PieceCount)
		}

		if _, _, err := e.startTorrent(metaPath, destPath, existingPieces, true); err != nil {
			e.log.Warnw("resuming torrent failed", "file", ent.Name(), "err", err)
		}
	}
	return nil
}

// AddTorrent validates and parses the metafile at sourcePath, copies it
// into the state directory, and starts a Supervisor downloading into
// destPath. It returns the torrent's info hash, hex-encoded.
func (e *Engine) AddTorrent(sourcePath, destPath string) (string, error) {
	if sourcePath == "" || destPath == "" {
		return "", bterrors.New(bterrors.KindMalformedMetafile, "source and destination paths are required")
	}

	hash, _, err := e.startTorrent(sourcePath, destPath, nil, false)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash[:]), nil
}

func (e *Engine) startTorrent(metaPath, destPath string, existingPieces []bool, resuming bool) ([20]byte, *handle, error) {
	tf, err := metainfo.Parse(metaPath)
	if err != nil {
		return [20]byte{}, nil, err
	}

	e.mu.RLock()
	_, exists := e.torrents[tf.InfoHash]
	e.mu.RUnlock()
	if exists {
		return tf.InfoHash, nil, bterrors.New(bterrors.KindMalformedMetafile, "torrent already added")
	}

	info, err := tf.Derive()
	if err != nil {
		return [20]byte{}, nil, err
	}

	if !resuming {
		if err := e.copyMetafile(metaPath, tf.InfoHash); err != nil {
			return [20]byte{}, nil, err
		}
	}

	sup, err := supervisor.New(
		info,
		tf.InfoHash, e.peerID,
		e.cfg.ListenPort,
		metaPath, destPath, e.cfg.StateDir,
		tf.Announce, tf.AnnounceList,
		existingPieces,
		supervisor.Config{MaxConnsPerTorrent: e.cfg.MaxConnsPerTorrent},
		e.log.Named("supervisor").With("torrent", info.Name),
	)
	if err != nil {
		return [20]byte{}, nil, err
	}

	h := &handle{sup: sup}

	e.mu.Lock()
	e.torrents[tf.InfoHash] = h
	e.mu.Unlock()

	go sup.Run()

	return tf.InfoHash, h, nil
}

func (e *Engine) copyMetafile(sourcePath string, infoHash [20]byte) error {
	if err := os.MkdirAll(e.metaDir(), 0o755); err != nil {
		return fmt.Errorf("engine: creating state dir: %w", err)
	}

	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("engine: reading metafile: %w", err)
	}

	dest := filepath.Join(e.metaDir(), hex.EncodeToString(infoHash[:])+".torrent")
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		return fmt.Errorf("engine: copying metafile: %w", err)
	}
	return nil
}

// ListTorrents asks every running Supervisor for its current Snapshot.
func (e *Engine) ListTorrents() (interface{}, error) {
	e.mu.RLock()
	handles := make([]*handle, 0, len(e.torrents))
	for _, h := range e.torrents {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	snaps := make([]supervisor.Snapshot, 0, len(handles))
	for _, h := range handles {
		reply := make(chan supervisor.Snapshot, 1)
		h.sup.Control() <- supervisor.SnapshotRequest{Reply: reply}
		snaps = append(snaps, <-reply)
	}
	return snaps, nil
}

// Shutdown tells every torrent's Supervisor to stop and closes the peer
// listener. The signal is fire-and-forget per Supervisor; each one
// persists its final snapshot before exiting its Run loop. Calling
// Shutdown more than once is harmless.
func (e *Engine) Shutdown() error {
	e.stopOnce.Do(func() {
		e.mu.RLock()
		defer e.mu.RUnlock()

		close(e.done)
		if e.listener != nil {
			e.listener.Close()
		}
		for _, h := range e.torrents {
			h.sup.Control() <- supervisor.Shutdown{}
		}
	})
	return nil
}

// Done is closed once Shutdown has been initiated, whether from the control
// socket or the host's signal handler.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// ListenForPeers starts the shared incoming-peer TCP listener on the
// configured port and serves it until Shutdown is called.
func (e *Engine) ListenForPeers() error {
	lst, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("engine: listening for peers: %w", err)
	}
	e.listener = lst

	go e.acceptLoop(lst)
	return nil
}

func (e *Engine) acceptLoop(lst net.Listener) {
	for {
		conn, err := lst.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				e.log.Debugw("accept failed", "err", err)
				return
			}
		}
		go e.dispatchIncoming(conn)
	}
}

func (e *Engine) dispatchIncoming(conn net.Conn) {
	hs, err := peerwire.PeekHandshake(conn)
	if err != nil {
		e.log.Debugw("incoming handshake read failed", "err", err)
		conn.Close()
		return
	}

	e.mu.RLock()
	h, ok := e.torrents[hs.InfoHash]
	e.mu.RUnlock()
	if !ok {
		conn.Close()
		return
	}

	session, err := peerwire.NewAcceptedSession(conn, hs, e.peerID)
	if err != nil {
		e.log.Debugw("completing incoming handshake failed", "err", err)
		conn.Close()
		return
	}

	// The supervisor enforces the per-torrent connection limit when it
	// registers the session, closing it if the peer set is full.
	h.sup.Control() <- supervisor.AddPeerSession{Session: session}
}
