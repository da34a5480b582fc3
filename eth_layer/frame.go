// Package eth_layer carries openSYDE traffic over Ethernet: length-prefixed
// diagnostic frames on TCP and broadcast services on UDP.
package eth_layer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	protocolVersion = 0x02
	headerSize      = 8

	// DefaultPort is used for both the TCP diagnostic channel and UDP broadcasts.
	DefaultPort = 13400

	maxPayload = 0x10000
)

// PayloadType identifies the content of one frame.
type PayloadType uint16

const (
	TypeRoutingActivationRequest  PayloadType = 0x0005
	TypeRoutingActivationResponse PayloadType = 0x0006
	TypeAliveCheckRequest         PayloadType = 0x0007
	TypeAliveCheckResponse        PayloadType = 0x0008
	TypeDiagnosticMessage         PayloadType = 0x8001
	TypeDiagnosticAck             PayloadType = 0x8002
	TypeDiagnosticNack            PayloadType = 0x8003
	TypeBroadcast                 PayloadType = 0x8100
)

const routingActivationSuccess = 0x10

var ErrBadHeader = errors.New("bad frame header")

// EncodeFrame prepends the 8 byte header to payload.
func EncodeFrame(t PayloadType, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = protocolVersion
	buf[1] = ^byte(protocolVersion)
	binary.BigEndian.PutUint16(buf[2:4], uint16(t))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// DecodeFrame parses one complete datagram.
func DecodeFrame(b []byte) (PayloadType, []byte, error) {
	if len(b) < headerSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(b))
	}
	t, n, err := parseHeader(b[:headerSize])
	if err != nil {
		return 0, nil, err
	}
	if int(n) != len(b)-headerSize {
		return 0, nil, fmt.Errorf("%w: length %d, have %d", ErrBadHeader, n, len(b)-headerSize)
	}
	return t, b[headerSize:], nil
}

// ReadFrame reads one frame from a stream.
func ReadFrame(r io.Reader) (PayloadType, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	t, n, err := parseHeader(hdr[:])
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return t, payload, nil
}

// WriteFrame writes one frame in a single call.
func WriteFrame(w io.Writer, t PayloadType, payload []byte) error {
	_, err := w.Write(EncodeFrame(t, payload))
	return err
}

func parseHeader(hdr []byte) (PayloadType, uint32, error) {
	if hdr[0] != protocolVersion || hdr[1] != ^byte(protocolVersion) {
		return 0, 0, fmt.Errorf("%w: version %02X %02X", ErrBadHeader, hdr[0], hdr[1])
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > maxPayload {
		return 0, 0, fmt.Errorf("%w: payload length %d", ErrBadHeader, n)
	}
	return PayloadType(binary.BigEndian.Uint16(hdr[2:4])), n, nil
}
