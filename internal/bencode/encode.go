package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Encode produces the unique canonical bencoding of v. For any input that
// Decode accepts, Encode(Decode(b)) == b, and for any Value produced by
// Decode, Decode(Encode(v)) == v.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v)
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.i, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.s)))
		buf.WriteByte(':')
		buf.Write(v.s)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.l {
			writeValue(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := dictKeysSorted(v)
		for _, k := range keys {
			writeValue(buf, Str([]byte(k)))
			writeValue(buf, v.d[k])
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: encode of invalid Value kind %d", v.kind))
	}
}

// dictKeysSorted returns v's keys in the canonical lexicographic order
// required by the format, independent of insertion order recorded in dkeys
// (so that dictionaries built with NewDict/Set in arbitrary order still
// round-trip to the one canonical byte string).
func dictKeysSorted(v Value) []string {
	keys := make([]string, 0, len(v.d))
	for k := range v.d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
