// Package node describes how a target device is reached: the bus it sits on,
// its openSYDE address and the serial number used to find it before it has one.
package node

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
)

// BusType selects the physical medium of a bus.
type BusType uint8

const (
	CAN BusType = iota
	Ethernet
)

func (b BusType) String() string {
	switch b {
	case CAN:
		return "CAN"
	case Ethernet:
		return "ETHERNET"
	default:
		return fmt.Sprintf("BusType(%d)", uint8(b))
	}
}

const (
	MaxBusID  = 15
	MaxNodeID = 127

	// ClientNodeID is the node ID the tool itself uses on every bus.
	ClientNodeID = 126
	// BroadcastNodeID addresses every server on a bus.
	BroadcastNodeID = 127
)

// Address is an openSYDE server address.
type Address struct {
	Bus  uint8
	Node uint8
}

// Client returns the tool's own address on the given bus.
func Client(bus uint8) Address { return Address{Bus: bus, Node: ClientNodeID} }

// Broadcast returns the functional address of all servers on the given bus.
func Broadcast(bus uint8) Address { return Address{Bus: bus, Node: BroadcastNodeID} }

// Raw packs the address into the 12-bit form used on the wire (bus<<7 | node).
func (a Address) Raw() uint16 {
	return uint16(a.Bus&0x1F)<<7 | uint16(a.Node&0x7F)
}

// AddressFromRaw is the inverse of Address.Raw.
func AddressFromRaw(raw uint16) Address {
	return Address{Bus: uint8(raw>>7) & 0x1F, Node: uint8(raw & 0x7F)}
}

func (a Address) Validate() error {
	if a.Bus > MaxBusID {
		return fmt.Errorf("bus id %d out of range 0..%d", a.Bus, MaxBusID)
	}
	if a.Node > MaxNodeID {
		return fmt.Errorf("node id %d out of range 0..%d", a.Node, MaxNodeID)
	}
	return nil
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d", a.Bus, a.Node)
}

// SerialFormat distinguishes the legacy 6-byte POS serial from the
// manufacturer-defined extended serial number.
type SerialFormat uint8

const (
	SerialPOS SerialFormat = iota
	SerialFSN
)

const (
	POSSerialLength    = 6
	MaxFSNSerialLength = 29
)

// SerialNumber identifies a device independent of its current address.
type SerialNumber struct {
	Format SerialFormat
	// Manufacturer is the manufacturer format tag of an extended serial number.
	Manufacturer uint8
	Bytes        []byte
}

// NewPOSSerial builds a legacy serial number from its six BCD bytes.
func NewPOSSerial(b [POSSerialLength]byte) SerialNumber {
	return SerialNumber{Format: SerialPOS, Bytes: append([]byte(nil), b[:]...)}
}

// NewFSNSerial builds an extended serial number.
func NewFSNSerial(manufacturer uint8, b []byte) (SerialNumber, error) {
	if len(b) == 0 || len(b) > MaxFSNSerialLength {
		return SerialNumber{}, fmt.Errorf("extended serial number length %d out of range 1..%d", len(b), MaxFSNSerialLength)
	}
	return SerialNumber{Format: SerialFSN, Manufacturer: manufacturer, Bytes: append([]byte(nil), b...)}, nil
}

func (s SerialNumber) IsZero() bool { return len(s.Bytes) == 0 }

func (s SerialNumber) Equal(o SerialNumber) bool {
	return s.Format == o.Format && s.Manufacturer == o.Manufacturer && bytes.Equal(s.Bytes, o.Bytes)
}

// String renders a POS serial as "xx.xxxxxx.xxxx" and an extended one as
// plain text when printable, hex otherwise.
func (s SerialNumber) String() string {
	if s.Format == SerialPOS && len(s.Bytes) == POSSerialLength {
		h := hex.EncodeToString(s.Bytes)
		return h[:2] + "." + h[2:8] + "." + h[8:]
	}
	for _, c := range s.Bytes {
		if c < 0x20 || c > 0x7E {
			return hex.EncodeToString(s.Bytes)
		}
	}
	return string(s.Bytes)
}

// Identity is everything needed to talk to one node.
type Identity struct {
	Bus     BusType
	Address Address
	IP      net.IP
	Serial  SerialNumber
	// SubNode selects one CPU of a multi-CPU device sharing a serial number.
	SubNode uint8
	// Resolved is set once a serial number has been confirmed to map to Address.
	Resolved bool
}

func (id Identity) String() string {
	if id.Bus == Ethernet && id.IP != nil {
		return fmt.Sprintf("%s %s (%s)", id.Bus, id.Address, id.IP)
	}
	return fmt.Sprintf("%s %s", id.Bus, id.Address)
}
