// Package bterrors defines the typed error kinds of the engine's error
// taxonomy: decoding/validation failures, tracker faults, handshake/protocol
// faults, hash mismatches and disk faults. Components wrap underlying causes
// with github.com/pkg/errors so a stack trace is available at the point an
// error first crosses an actor boundary, while callers match on Kind via
// errors.As.
package bterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the engine's error taxonomy: most kinds are fatal only to
// the torrent or peer connection that produced them, never to the whole
// engine.
type Kind uint8

const (
	KindMalformedMetafile Kind = iota
	KindInvalidBencode
	KindTrackerRefused
	KindTrackerUnreachable
	KindHandshakeFailed
	KindInfoHashMismatch
	KindProtocolViolation
	KindHashMismatch
	KindDiskIO
)

func (k Kind) String() string {
	switch k {
	case KindMalformedMetafile:
		return "malformed_metafile"
	case KindInvalidBencode:
		return "invalid_bencode"
	case KindTrackerRefused:
		return "tracker_refused"
	case KindTrackerUnreachable:
		return "tracker_unreachable"
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindInfoHashMismatch:
		return "info_hash_mismatch"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindDiskIO:
		return "disk_io"
	default:
		return "unknown"
	}
}

// Error is a typed engine error: a Kind plus a human message and, usually, a
// wrapped underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no prior cause, stack-annotated via pkg/errors so
// logs retain a capture point even when the error itself is lightweight.
func New(kind Kind, message string) error {
	return errors.WithStack(&Error{Kind: kind, Message: message})
}

// Wrap attaches kind/message to an existing error, preserving it as Cause
// for errors.Is/As and preserving any stack pkg/errors already attached.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return New(kind, message)
	}
	return errors.WithStack(&Error{Kind: kind, Message: message, Cause: cause})
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			e = nil
			continue
		}
		break
	}
	return false
}
