package bencode

import "fmt"

// HashSize is the length in bytes of a single SHA-1 piece hash.
const HashSize = 20

// PeerAddrSize is the length in bytes of one compact IPv4 peer entry
// (4 address bytes + 2 port bytes).
const PeerAddrSize = 6

// DecodeHashes reinterprets a bencoded byte string (the metafile's
// info.pieces value) as a list of concatenated 20-byte SHA-1 hashes. A
// length not divisible by 20 is Malformed.
func DecodeHashes(v Value) ([][HashSize]byte, error) {
	raw, err := v.AsString()
	if err != nil {
		return nil, err
	}
	if len(raw)%HashSize != 0 {
		return nil, &Malformed{Reason: fmt.Sprintf("pieces length %d not a multiple of %d", len(raw), HashSize)}
	}

	out := make([][HashSize]byte, len(raw)/HashSize)
	for i := range out {
		copy(out[i][:], raw[i*HashSize:(i+1)*HashSize])
	}
	return out, nil
}

// CompactPeer is one IPv4+port entry from a tracker's compact peer list.
type CompactPeer struct {
	IP   [4]byte
	Port uint16
}

// DecodeCompactPeers reinterprets a bencoded byte string (the tracker
// response's peers value) as a list of compact 6-byte IPv4 address tuples. A
// length not divisible by 6 is Malformed.
func DecodeCompactPeers(v Value) ([]CompactPeer, error) {
	raw, err := v.AsString()
	if err != nil {
		return nil, err
	}
	if len(raw)%PeerAddrSize != 0 {
		return nil, &Malformed{Reason: fmt.Sprintf("peers length %d not a multiple of %d", len(raw), PeerAddrSize)}
	}

	out := make([]CompactPeer, len(raw)/PeerAddrSize)
	for i := range out {
		off := i * PeerAddrSize
		copy(out[i].IP[:], raw[off:off+4])
		out[i].Port = uint16(raw[off+4])<<8 | uint16(raw[off+5])
	}
	return out, nil
}

// EncodeCompactPeers is the inverse of DecodeCompactPeers, used by tests and
// by any component that needs to round-trip a synthetic tracker response.
func EncodeCompactPeers(peers []CompactPeer) Value {
	buf := make([]byte, 0, len(peers)*PeerAddrSize)
	for _, p := range peers {
		buf = append(buf, p.IP[0], p.IP[1], p.IP[2], p.IP[3], byte(p.Port>>8), byte(p.Port))
	}
	return Str(buf)
}
