package tp_layer

import (
	"errors"
	"fmt"
	"time"
)

// Frame 是解析后的 ISO-TP 协议数据单元
type Frame interface {
	frameType() byte
}

type SingleFrame struct {
	Data []byte
}

type FirstFrame struct {
	TotalSize int
	Data      []byte
}

type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func (*SingleFrame) frameType() byte      { return 0 }
func (*FirstFrame) frameType() byte       { return 1 }
func (*ConsecutiveFrame) frameType() byte { return 2 }
func (*FlowControlFrame) frameType() byte { return 3 }

// ParseFrame 将 CAN 报文解析为 ISO-TP 帧
func ParseFrame(msg *CanMessage, prefixSize int) (Frame, error) {
	if len(msg.Data) < prefixSize {
		return nil, errors.New("报文长度小于地址前缀")
	}
	data := msg.Data[prefixSize:]
	if len(data) == 0 {
		return nil, errors.New("空报文")
	}

	switch data[0] >> 4 {
	case 0:
		length := int(data[0] & 0x0F)
		offset := 1
		if length == 0 {
			// CAN FD 转义序列
			if len(data) < 2 || data[1] == 0 {
				return nil, errors.New("单帧长度无效")
			}
			length = int(data[1])
			offset = 2
		}
		if length > len(data)-offset {
			return nil, fmt.Errorf("单帧长度 %d 超出载荷 %d", length, len(data)-offset)
		}
		return &SingleFrame{Data: append([]byte(nil), data[offset:offset+length]...)}, nil

	case 1:
		if len(data) < 2 {
			return nil, errors.New("首帧过短")
		}
		total := int(data[0]&0x0F)<<8 | int(data[1])
		offset := 2
		if total == 0 {
			if len(data) < 6 {
				return nil, errors.New("转义首帧过短")
			}
			total = int(data[2])<<24 | int(data[3])<<16 | int(data[4])<<8 | int(data[5])
			offset = 6
		}
		end := len(data)
		if offset+total < end {
			end = offset + total
		}
		return &FirstFrame{TotalSize: total, Data: append([]byte(nil), data[offset:end]...)}, nil

	case 2:
		return &ConsecutiveFrame{
			SequenceNumber: int(data[0] & 0x0F),
			Data:           append([]byte(nil), data[1:]...),
		}, nil

	case 3:
		if len(data) < 3 {
			return nil, errors.New("流控帧过短")
		}
		fs := FlowStatus(data[0] & 0x0F)
		if fs > FlowStatusOverflow {
			return nil, fmt.Errorf("未知流控状态 %d", fs)
		}
		return &FlowControlFrame{
			FlowStatus: fs,
			BlockSize:  int(data[1]),
			STmin:      decodeSTmin(data[2]),
		}, nil
	}
	return nil, fmt.Errorf("未知帧类型 %d", data[0]>>4)
}

// decodeSTmin 按 ISO 15765-2 解码; 保留值按 127ms 处理
func decodeSTmin(raw byte) time.Duration {
	switch {
	case raw <= 0x7F:
		return time.Duration(raw) * time.Millisecond
	case raw >= 0xF1 && raw <= 0xF9:
		return time.Duration(raw-0xF0) * 100 * time.Microsecond
	default:
		return 0x7F * time.Millisecond
	}
}

func createSingleFramePayload(payload []byte, maxDataLength int) ([]byte, error) {
	n := len(payload)
	if n <= 7 && n+1 <= maxDataLength {
		return append([]byte{byte(n)}, payload...), nil
	}
	if n+2 <= maxDataLength && n <= 0xFF {
		return append([]byte{0x00, byte(n)}, payload...), nil
	}
	return nil, fmt.Errorf("单帧无法容纳 %d 字节", n)
}

func createFirstFramePayload(chunk []byte, totalSize int, maxDataLength int) ([]byte, error) {
	var pci []byte
	if totalSize <= 0xFFF {
		pci = []byte{0x10 | byte(totalSize>>8), byte(totalSize)}
	} else {
		pci = []byte{0x10, 0x00, byte(totalSize >> 24), byte(totalSize >> 16), byte(totalSize >> 8), byte(totalSize)}
	}
	if len(pci)+len(chunk) > maxDataLength {
		return nil, fmt.Errorf("首帧数据过长: %d", len(chunk))
	}
	return append(pci, chunk...), nil
}

func createConsecutiveFramePayload(chunk []byte, seq int) ([]byte, error) {
	if seq < 0 || seq > 0x0F {
		return nil, fmt.Errorf("序列号越界: %d", seq)
	}
	return append([]byte{0x20 | byte(seq)}, chunk...), nil
}

func createFlowControlPayload(status FlowStatus, blockSize int, stMin byte) []byte {
	return []byte{0x30 | byte(status&0x0F), byte(blockSize), stMin}
}
