package bencode

import (
	"crypto/sha1"
	"fmt"
)

// InfoHash computes the SHA-1 over the canonical encoding of the top-level
// dictionary's "info" sub-value. For a correctly parsed metafile this
// equals the SHA-1 of the original byte range the info dictionary occupied
// in the source file, because Encode produces the unique canonical
// bencoding of whatever Decode parsed.
func InfoHash(metafileBytes []byte) ([20]byte, error) {
	root, err := Decode(metafileBytes)
	if err != nil {
		return [20]byte{}, fmt.Errorf("bencode: decoding metafile: %w", err)
	}

	info, ok := root.Get("info")
	if !ok {
		return [20]byte{}, fmt.Errorf("bencode: metafile has no \"info\" key")
	}

	return sha1.Sum(Encode(info)), nil
}
