// Package fault holds the error kinds shared by every layer of the update
// pipeline, so callers can tell a dead link from a device that said no.
package fault

import (
	"context"
	"errors"
)

var (
	// ErrTransport: the dispatcher could not send or the link went away.
	ErrTransport = errors.New("transport failure")
	// ErrUnreachable: one node refused its own connection (TCP connect or
	// routing activation). The shared bus is still fine.
	ErrUnreachable = errors.New("node unreachable")
	// ErrTimeout: no matching response inside the allowed window.
	ErrTimeout = errors.New("timeout")
	// ErrChecksum: an image or transfer failed CRC/checksum validation.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrTopology: no usable route to the target.
	ErrTopology = errors.New("topology error")
	// ErrPrecondition: a request was rejected locally before any I/O.
	ErrPrecondition = errors.New("precondition violated")
	// ErrSequence: transfer block sequence counter out of order.
	ErrSequence = errors.New("block sequence error")
	// ErrAborted: the progress callback asked to stop.
	ErrAborted = errors.New("aborted by user")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindTimeout
	KindNegativeResponse
	KindChecksum
	KindTopology
	KindPrecondition
	KindSequence
	KindAborted
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindNegativeResponse:
		return "negative response"
	case KindChecksum:
		return "checksum"
	case KindTopology:
		return "topology"
	case KindPrecondition:
		return "precondition"
	case KindSequence:
		return "sequence"
	case KindAborted:
		return "aborted"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// negativeResponse is implemented by protocol errors carrying a device reject code.
type negativeResponse interface {
	NRCode() byte
}

// Classify maps err onto one Kind. Transport wins over everything else since
// it decides whether a run may continue with the next node.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var nr negativeResponse
	switch {
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrUnreachable):
		return KindUnreachable
	case errors.As(err, &nr):
		return KindNegativeResponse
	case errors.Is(err, ErrChecksum):
		return KindChecksum
	case errors.Is(err, ErrSequence):
		return KindSequence
	case errors.Is(err, ErrTopology):
		return KindTopology
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsConnectionLevel reports whether err means the shared link is unusable.
func IsConnectionLevel(err error) bool {
	return Classify(err) == KindTransport
}
