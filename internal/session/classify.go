package session

import (
	"errors"
	"strings"
)

// FailureKind is the classifier's verdict on a raw link error.
type FailureKind int

const (
	// NotReadyYet covers the early errors BLE stacks produce while service
	// discovery or the handshake is still in flight.
	NotReadyYet FailureKind = iota
	// Transient is any other retryable failure (radio noise, timeouts).
	Transient
	// LinkFatal is reserved for errors explicitly designated as
	// non-recoverable. Nothing maps here unless wrapped in ErrLinkFatal.
	LinkFatal
)

func (k FailureKind) String() string {
	switch k {
	case NotReadyYet:
		return "not_ready_yet"
	case Transient:
		return "transient"
	case LinkFatal:
		return "link_fatal"
	default:
		return "unknown"
	}
}

// ErrLinkFatal marks an error as non-recoverable for the classifier. The
// protocol stack currently designates no such case; the hook exists so a
// driver can opt a specific condition out of retrying.
var ErrLinkFatal = errors.New("link fatal")

// notReadySignatures are the known transient error texts produced between
// raw connect and service discovery completion.
var notReadySignatures = []string{
	"service discovery has not been performed",
	"not connected",
	"disconnected",
	"failed to write",
}

// Classify maps a raw error surfaced by the link handle to a FailureKind.
// Deterministic and side-effect free.
func Classify(err error) FailureKind {
	if err == nil {
		return Transient
	}
	if errors.Is(err, ErrLinkFatal) {
		return LinkFatal
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range notReadySignatures {
		if strings.Contains(msg, sig) {
			return NotReadyYet
		}
	}
	return Transient
}
