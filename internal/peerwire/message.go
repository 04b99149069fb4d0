package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID is a BitTorrent peer wire message type.
type ID uint8

const (
	MsgChoke ID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

func (id ID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", id)
	}
}

// Message is a single framed peer wire message. A Message with no ID set and
// a nil Payload, returned with ok=false from ReadMessage, represents a
// keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// maxMessageSize bounds a single message to guard against a malicious or
// broken peer claiming an enormous length prefix.
const maxMessageSize = 1 << 20 // 1 MiB, comfortably above a 16KiB block message

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, lengthPrefixSize+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)

	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes a zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var buf [lengthPrefixSize]byte
	_, err := w.Write(buf[:])
	return err
}

// ReadMessage reads one framed message from r. ok is false for a keep-alive
// (zero-length frame), in which case msg is the zero Message.
func ReadMessage(r io.Reader) (msg Message, ok bool, err error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, false, fmt.Errorf("peerwire: reading length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, false, nil
	}
	if length > maxMessageSize {
		return Message{}, false, fmt.Errorf("peerwire: message too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return Message{}, false, fmt.Errorf("peerwire: reading message body: %w", err)
	}

	return Message{ID: ID(body[0]), Payload: body[1:]}, true, nil
}

// BlockRequest is the decoded payload of a Request/Cancel message.
type BlockRequest struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// EncodeRequest builds the payload for a Request message.
func EncodeRequest(r BlockRequest) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], r.Index)
	binary.BigEndian.PutUint32(buf[4:8], r.Begin)
	binary.BigEndian.PutUint32(buf[8:12], r.Length)
	return buf
}

// DecodeRequest parses the payload of a Request or Cancel message.
func DecodeRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != 12 {
		return BlockRequest{}, fmt.Errorf("peerwire: request payload must be 12 bytes, got %d", len(payload))
	}
	return BlockRequest{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// PieceBlock is the decoded payload of a Piece message.
type PieceBlock struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// EncodePiece builds the payload for a Piece message.
func EncodePiece(b PieceBlock) []byte {
	buf := make([]byte, 8+len(b.Data))
	binary.BigEndian.PutUint32(buf[0:4], b.Index)
	binary.BigEndian.PutUint32(buf[4:8], b.Begin)
	copy(buf[8:], b.Data)
	return buf
}

// DecodePiece parses the payload of a Piece message.
func DecodePiece(payload []byte) (PieceBlock, error) {
	if len(payload) < 8 {
		return PieceBlock{}, fmt.Errorf("peerwire: piece payload too short: %d bytes", len(payload))
	}
	return PieceBlock{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Data:  payload[8:],
	}, nil
}

// EncodeHave builds the payload for a Have message.
func EncodeHave(pieceIndex uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, pieceIndex)
	return buf
}

// DecodeHave parses the payload of a Have message.
func DecodeHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("peerwire: have payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodePort builds the payload for a Port message.
func EncodePort(port uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return buf
}
