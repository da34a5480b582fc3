package driver

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

type DirectionType byte

const (
	TX DirectionType = iota
	RX
)

// dataLenToDlc 将CAN/CAN-FD的实际数据字节长度转换为DLC码
func dataLenToDlc(len int) byte {
	if len <= 8 {
		return byte(len)
	}
	switch {
	case len <= 12:
		return 9
	case len <= 16:
		return 10
	case len <= 20:
		return 11
	case len <= 24:
		return 12
	case len <= 32:
		return 13
	case len <= 48:
		return 14
	default:
		return 15
	}
}

// dlcToLen 将CAN/CAN-FD的DLC码转换为实际的数据字节长度
func dlcToLen(dlc byte) int {
	if dlc <= 8 {
		return int(dlc)
	}
	switch dlc {
	case 9:
		return 12
	case 10:
		return 16
	case 11:
		return 20
	case 12:
		return 24
	case 13:
		return 32
	case 14:
		return 48
	default:
		return 64
	}
}

// logCANMessage 统一的CAN消息日志记录函数, 只在 trace 级别输出
func logCANMessage(direction DirectionType, msg UnifiedCANMessage) {
	if !log.IsLevelEnabled(log.TraceLevel) {
		return
	}
	dir := "TX"
	if direction == RX {
		dir = "RX"
	}
	typeStr := "CAN  "
	if msg.IsFD {
		typeStr = "CANFD"
	}
	if msg.IsExtended {
		log.Tracef("%s %s: ID=0x%08X, DLC=%02d, Data=% 02X", dir, typeStr, msg.ID, msg.DLC, msg.Payload())
		return
	}
	log.Tracef("%s %s: ID=0x%03X, DLC=%02d, Data=% 02X", dir, typeStr, msg.ID, msg.DLC, msg.Payload())
}

// UnifiedCANMessage 是一个通用的CAN/CAN-FD消息结构体，用于在channel中传递,它屏蔽了底层驱动帧格式的差异。
type UnifiedCANMessage struct {
	Direction  DirectionType
	ID         uint32
	DLC        byte
	Data       [64]byte // 使用64字节以兼容CAN-FD
	IsFD       bool     // 标志位，用于区分是CAN还是CAN-FD消息
	IsExtended bool     // 29 位标识符
}

// NewMessage builds a TX message, rejecting identifiers and payloads that do
// not fit the frame format.
func NewMessage(id uint32, extended bool, data []byte) (UnifiedCANMessage, error) {
	msg := UnifiedCANMessage{Direction: TX, ID: id, IsExtended: extended}
	if extended && id > maxExtendedID {
		return msg, fmt.Errorf("extended id 0x%X out of range", id)
	}
	if !extended && id > maxStandardID {
		return msg, fmt.Errorf("standard id 0x%X out of range", id)
	}
	if len(data) > len(msg.Data) {
		return msg, fmt.Errorf("payload of %d bytes does not fit a CAN frame", len(data))
	}
	msg.IsFD = len(data) > 8
	msg.DLC = dataLenToDlc(len(data))
	copy(msg.Data[:], data)
	return msg, nil
}

// Payload returns the data bytes covered by the DLC.
func (m UnifiedCANMessage) Payload() []byte {
	n := dlcToLen(m.DLC)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.Data[:n]
}

// CANDriver 定义了CAN/CAN-FD驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(msg UnifiedCANMessage) error
	RxChan() <-chan UnifiedCANMessage
	Context() context.Context
}
