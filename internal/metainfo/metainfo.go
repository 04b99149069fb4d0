// Package metainfo parses and validates a .torrent metafile and derives the
// piece/block/file geometry the rest of the engine operates on.
package metainfo

import (
	"io"
	"os"
	"strings"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/lvbealr/gopher/internal/bencode"
	"github.com/lvbealr/gopher/internal/bterrors"
)

// BlockLength is the fixed wire-level request granularity: 16 KiB.
const BlockLength = 16 * 1024

// FileEntry is one element of a multi-file torrent's info.files list.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// RawInfo is the bencode-tagged shape of the metafile's "info" dictionary,
// decoded with jackpal/bencode-go.
type RawInfo struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []FileEntry `bencode:"files"`
}

// RawFile is the bencode-tagged shape of the metafile's root dictionary.
type RawFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Info         RawInfo    `bencode:"info"`
}

// TorrentFile is the validated, parsed root dictionary of a metafile,
// carrying both the raw decoded fields and the derived InfoHash.
type TorrentFile struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	Info         RawInfo
	InfoHash     [20]byte
}

// Info is the torrent's derived geometry: sizes, counts, and per-unit
// helpers that account for a short final piece/block.
type Info struct {
	Name            string
	TotalLength     int64
	PieceLength     int64
	BlockLength     int64
	PieceCount      int
	PieceHashes     [][20]byte
	Files           []DownloadableFile
	BlocksPerPiece  int
	TotalBlockCount int
}

// DownloadableFile is one file within the torrent: its slash-joined path,
// length, and absolute byte offset within the torrent-wide concatenation.
type DownloadableFile struct {
	Path   string
	Length int64
	Start  int64
}

// Parse reads and validates a .torrent file at path, decoding it with
// jackpal/bencode-go for typed field access and separately through
// internal/bencode to compute the canonical info-hash.
func Parse(path string) (*TorrentFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindMalformedMetafile, "reading metafile", err)
	}
	return ParseBytes(raw)
}

// ParseBytes is the byte-slice counterpart of Parse, used by Parse itself
// and directly by tests that already hold the metafile contents.
func ParseBytes(raw []byte) (*TorrentFile, error) {
	var rf RawFile
	if err := bencodego.Unmarshal(strings.NewReader(string(raw)), &rf); err != nil {
		return nil, bterrors.Wrap(bterrors.KindInvalidBencode, "decoding metafile", err)
	}

	if err := validate(&rf); err != nil {
		return nil, err
	}

	hash, err := bencode.InfoHash(raw)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.KindInvalidBencode, "computing info hash", err)
	}

	return &TorrentFile{
		Announce:     rf.Announce,
		AnnounceList: rf.AnnounceList,
		Comment:      rf.Comment,
		CreatedBy:    rf.CreatedBy,
		Info:         rf.Info,
		InfoHash:     hash,
	}, nil
}

func validate(rf *RawFile) error {
	if rf.Announce == "" && len(rf.AnnounceList) == 0 {
		return bterrors.New(bterrors.KindMalformedMetafile, "missing \"announce\"")
	}
	if rf.Info.Name == "" {
		return bterrors.New(bterrors.KindMalformedMetafile, "missing \"info.name\"")
	}
	if rf.Info.PieceLength <= 0 {
		return bterrors.New(bterrors.KindMalformedMetafile, "missing or non-positive \"info.piece length\"")
	}
	if len(rf.Info.Pieces)%20 != 0 {
		return bterrors.New(bterrors.KindMalformedMetafile, "\"info.pieces\" length is not a multiple of 20")
	}

	hasLength := rf.Info.Length > 0
	hasFiles := len(rf.Info.Files) > 0
	if hasLength == hasFiles {
		return bterrors.New(bterrors.KindMalformedMetafile, "exactly one of \"info.length\" or \"info.files\" is required")
	}
	for _, f := range rf.Info.Files {
		if f.Length <= 0 || len(f.Path) == 0 {
			return bterrors.New(bterrors.KindMalformedMetafile, "invalid entry in \"info.files\"")
		}
	}
	return nil
}

// Derive computes the Info geometry from a validated TorrentFile.
func (t *TorrentFile) Derive() (*Info, error) {
	pieceHashes := make([][20]byte, len(t.Info.Pieces)/20)
	for i := range pieceHashes {
		copy(pieceHashes[i][:], t.Info.Pieces[i*20:(i+1)*20])
	}

	var files []DownloadableFile
	var total int64

	if len(t.Info.Files) == 0 {
		files = []DownloadableFile{{Path: t.Info.Name, Length: t.Info.Length, Start: 0}}
		total = t.Info.Length
	} else {
		var offset int64
		for _, f := range t.Info.Files {
			files = append(files, DownloadableFile{
				Path:   strings.Join(f.Path, "/"),
				Length: f.Length,
				Start:  offset,
			})
			offset += f.Length
		}
		total = offset
	}

	pieceCount := int((total + t.Info.PieceLength - 1) / t.Info.PieceLength)
	if pieceCount != len(pieceHashes) {
		return nil, bterrors.New(bterrors.KindMalformedMetafile, "piece hash count does not match computed piece count")
	}

	blocksPerPiece := int((t.Info.PieceLength + BlockLength - 1) / BlockLength)

	info := &Info{
		Name:           t.Info.Name,
		TotalLength:    total,
		PieceLength:    t.Info.PieceLength,
		BlockLength:    BlockLength,
		PieceCount:     pieceCount,
		PieceHashes:    pieceHashes,
		Files:          files,
		BlocksPerPiece: blocksPerPiece,
	}
	info.TotalBlockCount = totalBlocks(info)
	return info, nil
}

func totalBlocks(info *Info) int {
	n := 0
	for i := 0; i < info.PieceCount; i++ {
		n += info.BlockCount(i)
	}
	return n
}

// PieceSize returns the exact byte length of piece i, accounting for a
// shorter final piece.
func (info *Info) PieceSize(i int) int64 {
	if i < info.PieceCount-1 {
		return info.PieceLength
	}
	size := info.TotalLength - int64(info.PieceCount-1)*info.PieceLength
	if size <= 0 {
		return info.PieceLength
	}
	return size
}

// BlockCount returns how many blocks piece i is divided into.
func (info *Info) BlockCount(i int) int {
	size := info.PieceSize(i)
	return int((size + info.BlockLength - 1) / info.BlockLength)
}

// BlockSize returns the exact byte length of block j within piece i,
// accounting for a shorter final block.
func (info *Info) BlockSize(i, j int) int64 {
	pieceSize := info.PieceSize(i)
	begin := int64(j) * info.BlockLength
	remaining := pieceSize - begin
	if remaining < info.BlockLength {
		return remaining
	}
	return info.BlockLength
}

// BitfieldBytes returns the number of bytes a client bitfield needs:
// ceil(PieceCount/8).
func (info *Info) BitfieldBytes() int {
	return (info.PieceCount + 7) / 8
}

// BlockLen returns the fixed wire-level request granularity, as a method so
// callers that only hold a narrow interface over Info can still get at it.
func (info *Info) BlockLen() int64 {
	return info.BlockLength
}

// ReadMetafileInfoHash is a convenience used by tests/tools that only need
// the hash without fully parsing a metafile.
func ReadMetafileInfoHash(r io.Reader) ([20]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return [20]byte{}, err
	}
	return bencode.InfoHash(raw)
}
