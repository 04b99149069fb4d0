package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gopher/internal/bencode"
)

// buildMetafile constructs a minimal single-file or multi-file bencoded
// metafile for tests, mirroring the shape jackpal/bencode-go expects.
func buildMetafile(t *testing.T, pieceLength int64, pieceData [][]byte, singleLength int64, files []FileEntry) []byte {
	t.Helper()

	var pieces []byte
	for _, p := range pieceData {
		h := sha1.Sum(p)
		pieces = append(pieces, h[:]...)
	}

	info := bencode.NewDict()
	info.Set("piece length", bencode.Int(pieceLength))
	info.Set("pieces", bencode.Str(pieces))
	info.Set("name", bencode.StrFromString("test-torrent"))

	if len(files) == 0 {
		info.Set("length", bencode.Int(singleLength))
	} else {
		var list []bencode.Value
		for _, f := range files {
			fd := bencode.NewDict()
			fd.Set("length", bencode.Int(f.Length))
			var pathItems []bencode.Value
			for _, p := range f.Path {
				pathItems = append(pathItems, bencode.StrFromString(p))
			}
			fd.Set("path", bencode.List(pathItems...))
			list = append(list, fd)
		}
		info.Set("files", bencode.List(list...))
	}

	root := bencode.NewDict()
	root.Set("announce", bencode.StrFromString("http://tracker.example/announce"))
	root.Set("info", info)

	return bencode.Encode(root)
}

func TestParseSingleFileGeometry(t *testing.T) {
	piece0 := make([]byte, 16*1024)
	piece1 := make([]byte, 16*1024)
	for i := range piece1 {
		piece1[i] = byte(i)
	}

	raw := buildMetafile(t, 16*1024, [][]byte{piece0, piece1}, 32*1024, nil)

	tf, err := ParseBytes(raw)
	require.NoError(t, err)

	info, err := tf.Derive()
	require.NoError(t, err)

	require.Equal(t, 2, info.PieceCount)
	require.Equal(t, int64(32*1024), info.TotalLength)
	require.Equal(t, int64(16*1024), info.PieceSize(0))
	require.Equal(t, int64(16*1024), info.PieceSize(1))
	require.Equal(t, 1, info.BlockCount(0))
	require.Len(t, info.Files, 1)
	require.Equal(t, "test-torrent", info.Files[0].Path)
}

func TestParseShortFinalPieceAndBlock(t *testing.T) {
	piece0 := make([]byte, 16*1024)
	piece1 := make([]byte, 5000) // short final piece, short final block

	raw := buildMetafile(t, 16*1024, [][]byte{piece0, piece1}, 16*1024+5000, nil)

	tf, err := ParseBytes(raw)
	require.NoError(t, err)
	info, err := tf.Derive()
	require.NoError(t, err)

	require.Equal(t, int64(5000), info.PieceSize(1))
	require.Equal(t, 1, info.BlockCount(1))
	require.Equal(t, int64(5000), info.BlockSize(1, 0))
}

func TestParseMultiFileOffsets(t *testing.T) {
	pieceLength := int64(16384)
	total := int64(20000 + 12768)
	pieceCount := int((total + pieceLength - 1) / pieceLength)

	pieces := make([][]byte, pieceCount)
	for i := range pieces {
		pieces[i] = make([]byte, pieceLength)
	}

	files := []FileEntry{
		{Length: 20000, Path: []string{"a", "x.bin"}},
		{Length: 12768, Path: []string{"a", "y.bin"}},
	}

	raw := buildMetafile(t, pieceLength, pieces, 0, files)
	tf, err := ParseBytes(raw)
	require.NoError(t, err)

	info, err := tf.Derive()
	require.NoError(t, err)

	require.Len(t, info.Files, 2)
	require.Equal(t, int64(0), info.Files[0].Start)
	require.Equal(t, int64(20000), info.Files[1].Start)
	require.Equal(t, "a/x.bin", info.Files[0].Path)
	require.Equal(t, "a/y.bin", info.Files[1].Path)
}

func TestParseRejectsInvalidMetafile(t *testing.T) {
	root := bencode.NewDict()
	root.Set("announce", bencode.StrFromString("http://tracker.example/announce"))
	// missing "info" entirely
	raw := bencode.Encode(root)

	_, err := ParseBytes(raw)
	require.Error(t, err)
}

func TestBitfieldBytes(t *testing.T) {
	info := &Info{PieceCount: 9}
	require.Equal(t, 2, info.BitfieldBytes())

	info2 := &Info{PieceCount: 8}
	require.Equal(t, 1, info2.BitfieldBytes())
}
