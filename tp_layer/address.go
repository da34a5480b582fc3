package tp_layer

import "github.com/LoveWonYoung/sydeflash/node"

// AddressType 区分物理寻址和功能寻址
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

const (
	idMarker       uint32 = 0x18000000
	idFunctional   uint32 = 1 << 24
	idAddressMask  uint32 = 0xFFF
	idMarkerMask   uint32 = 0x1E000000
	idTargetOffset        = 12
)

// ArbitrationID builds the 29 bit identifier openSYDE uses on CAN:
// marker | functional<<24 | target<<12 | source.
func ArbitrationID(source, target node.Address, functional bool) uint32 {
	id := idMarker | uint32(target.Raw())<<idTargetOffset | uint32(source.Raw())
	if functional {
		id |= idFunctional
	}
	return id
}

// ParseArbitrationID splits an identifier built by ArbitrationID. ok is false
// for identifiers that do not carry the openSYDE marker.
func ParseArbitrationID(id uint32) (source, target node.Address, functional bool, ok bool) {
	if id&idMarkerMask != idMarker {
		return node.Address{}, node.Address{}, false, false
	}
	source = node.AddressFromRaw(uint16(id & idAddressMask))
	target = node.AddressFromRaw(uint16((id >> idTargetOffset) & idAddressMask))
	return source, target, id&idFunctional != 0, true
}

// Address 描述一条点对点连接: 本端地址和对端服务器地址
type Address struct {
	Local node.Address
	Peer  node.Address

	RxPrefixSize    int
	TxPayloadPrefix []byte
}

func NewAddress(local, peer node.Address) *Address {
	return &Address{Local: local, Peer: peer}
}

// GetTxArbitrationID returns the identifier for frames sent to the peer.
func (a *Address) GetTxArbitrationID(addrType AddressType) uint32 {
	if addrType == Functional {
		return ArbitrationID(a.Local, node.Broadcast(a.Peer.Bus), true)
	}
	return ArbitrationID(a.Local, a.Peer, false)
}

// RxArbitrationID is the identifier the peer uses to answer.
func (a *Address) RxArbitrationID() uint32 {
	return ArbitrationID(a.Peer, a.Local, false)
}

// IsForMe 仅接受对端发给本端的物理寻址报文
func (a *Address) IsForMe(msg *CanMessage) bool {
	return msg.IsExtendedID && msg.ArbitrationID == a.RxArbitrationID()
}

func (a *Address) Is29Bit() bool { return true }
