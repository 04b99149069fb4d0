package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lvbealr/gopher/internal/metainfo"
)

// RemainingPiece records a not-yet-complete piece and how many of its
// blocks are still undelivered at snapshot time.
type RemainingPiece struct {
	PieceIndex      int `json:"piece_index"`
	RemainingBlocks int `json:"remaining_blocks"`
}

// Snapshot is the serializable resume record: everything needed, alongside
// the torrent's metafile, to reconstruct a supervisor on restart.
type Snapshot struct {
	InfoHashHex     string           `json:"info_hash"`
	Name            string           `json:"name"`
	SourcePath      string           `json:"source_path"`
	DestPath        string           `json:"dest_path"`
	PieceCount      int              `json:"piece_count"`
	PieceLength     int64            `json:"piece_length"`
	TotalLength     int64            `json:"total_length"`
	Bitfield        []byte           `json:"bitfield"`
	KnownPeers      []string         `json:"known_peers"`
	Downloaded      int64            `json:"downloaded"`
	Uploaded        int64            `json:"uploaded"`
	RemainingPieces []RemainingPiece `json:"remaining_pieces"`
}

// snapshotStore persists every torrent's Snapshot in one JSON document
// keyed by info-hash (hex), under the engine's state directory.
type snapshotStore struct {
	path string
}

func newSnapshotStore(stateDir string) *snapshotStore {
	return &snapshotStore{path: filepath.Join(stateDir, "snapshots.json")}
}

// LoadSnapshots reads the shared snapshot document under stateDir, keyed by
// info-hash (hex), for a caller (the engine, on resume) that needs to seed a
// Supervisor's bitfield and destination path before constructing it. A
// missing document is not an error; it yields an empty map.
func LoadSnapshots(stateDir string) (map[string]Snapshot, error) {
	return newSnapshotStore(stateDir).load()
}

// PiecesFromBitfield expands a snapshot's raw bitfield bytes into a
// per-piece completion slice, the shape supervisor.New's existingPieces
// parameter expects.
func PiecesFromBitfield(bitfield []byte, pieceCount int) []bool {
	out := make([]bool, pieceCount)
	for i := range out {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx < len(bitfield) && bitfield[byteIdx]>>(7-bitIdx)&1 == 1 {
			out[i] = true
		}
	}
	return out
}

func (s *snapshotStore) load() (map[string]Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	doc := make(map[string]Snapshot)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("supervisor: decoding snapshot document: %w", err)
	}
	return doc, nil
}

// save upserts snap into the shared document, keyed by its info-hash.
func (s *snapshotStore) save(snap Snapshot) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[snap.InfoHashHex] = snap

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o644)
}

// buildSnapshot assembles a Snapshot from live supervisor state.
func buildSnapshot(infoHash [20]byte, info *metainfo.Info, srcPath, destPath string, bitfield []byte, knownPeers []string, downloaded, uploaded int64, remaining []RemainingPiece) Snapshot {
	return Snapshot{
		InfoHashHex:     fmt.Sprintf("%x", infoHash),
		Name:            info.Name,
		SourcePath:      srcPath,
		DestPath:        destPath,
		PieceCount:      info.PieceCount,
		PieceLength:     info.PieceLength,
		TotalLength:     info.TotalLength,
		Bitfield:        bitfield,
		KnownPeers:      knownPeers,
		Downloaded:      downloaded,
		Uploaded:        uploaded,
		RemainingPieces: remaining,
	}
}
