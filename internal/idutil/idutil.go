// Package idutil generates the client peer id and other short random
// identifiers used for tracker announces, UDP transaction ids, and
// correlating control-surface requests.
package idutil

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// clientPrefix is the Azureus-style client identification prefix: "GO" for
// this engine, version "0001".
const clientPrefix = "-GO0001-"

// NewPeerID builds a 20-byte Azureus-style peer id: an 8-byte client prefix
// followed by 12 random bytes drawn from a UUID.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)

	u := uuid.New()
	copy(id[len(clientPrefix):], u[:20-len(clientPrefix)])
	return id
}

// NewRequestID returns a short correlation id string for control-surface
// requests.
func NewRequestID() string {
	return uuid.NewString()
}

// NewTransactionID returns a random 32-bit transaction id for UDP tracker
// requests.
func NewTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("idutil: generating transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
