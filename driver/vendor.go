package driver

import (
	"fmt"
	"strconv"
	"strings"
)

// PCAN-Basic 经典 CAN 波特率寄存器值 (BTR0BTR1)
var pcanBitrates = map[uint32]uint16{
	10:   0x672F,
	20:   0x532F,
	50:   0x472F,
	100:  0x432F,
	125:  0x031C,
	250:  0x011C,
	500:  0x001C,
	800:  0x0016,
	1000: 0x0014,
}

const (
	pcanUSBBaseLow  = 0x51
	pcanUSBBaseHigh = 0x500
	pcanMaxChannel  = 15
)

func pcanBaudCode(kbit uint32) (uint16, error) {
	code, ok := pcanBitrates[kbit]
	if !ok {
		return 0, fmt.Errorf("pcan: unsupported bitrate %d kbit/s", kbit)
	}
	return code, nil
}

// parsePCANChannel 接受 0 起始的通道号 ("0") 或 PCAN 的 1 起始写法 ("usb1")
func parsePCANChannel(device string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(device))
	oneBased := false
	if rest, ok := strings.CutPrefix(s, "usb"); ok {
		s, oneBased = rest, true
	}
	ch, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("pcan: bad channel %q", device)
	}
	if oneBased {
		ch--
	}
	if ch < 0 || ch > pcanMaxChannel {
		return 0, fmt.Errorf("pcan: channel %q out of range", device)
	}
	return ch, nil
}

// pcanUSBHandle 把通道号换成 PCAN_USBBUSn 句柄; 第 9 个起句柄不连续
func pcanUSBHandle(channel int) uint16 {
	if channel < 8 {
		return uint16(pcanUSBBaseLow + channel)
	}
	return uint16(pcanUSBBaseHigh + channel + 1)
}

// vectorHwTypeVN1640 is used when the device string names only a channel.
const vectorHwTypeVN1640 = 59

// parseVectorDevice 解析 "[hwType:]channel", channel 从 0 开始 (界面上的 CAN1 是 0)
func parseVectorDevice(device string) (hwType, channel int, err error) {
	hwType = vectorHwTypeVN1640
	s := strings.TrimSpace(device)
	if hw, ch, ok := strings.Cut(s, ":"); ok {
		if hwType, err = strconv.Atoi(hw); err != nil || hwType <= 0 {
			return 0, 0, fmt.Errorf("vector: bad hardware type in %q", device)
		}
		s = ch
	}
	if channel, err = strconv.Atoi(s); err != nil || channel < 0 || channel > 63 {
		return 0, 0, fmt.Errorf("vector: bad channel in %q", device)
	}
	return hwType, channel, nil
}
