// Package stw_flashloader 实现 STW Flashloader 旧协议: 11 位 CAN ID, 按 local ID 寻址,
// 一问一答, 没有分段和路由.
package stw_flashloader

import (
	"fmt"
)

const (
	// TxID 客户端 → 设备
	TxID uint32 = 0x51
	// RxID 设备 → 客户端
	RxID uint32 = 0x52

	// AllLocalIDs 广播到所有设备
	AllLocalIDs byte = 0xFF
	MaxLocalID  byte = 254
)

// LocalIDCount 是 local ID 地址空间大小 (0..254)
const LocalIDCount = int(MaxLocalID) + 1

// 命令字
const (
	cmdWakeupLocalID byte = 0x01
	cmdWakeupSerial  byte = 0x02
	cmdSearchID      byte = 0x03
	cmdReadInfo      byte = 0x04
	cmdUnlock        byte = 0x05
	cmdErase         byte = 0x06
	cmdSetAddress    byte = 0x07
	cmdData          byte = 0x08
	cmdBlockEnd      byte = 0x09
	cmdVerify        byte = 0x0A
	cmdNodeReset     byte = 0x0B
	cmdSetLocalID    byte = 0x0C
)

const (
	statusOK byte = 0x00

	// 每个数据帧: localID + 命令 + 6 字节数据
	dataBytesPerFrame = 6
	infoBytesPerChunk = 4
	maxInfoChunks     = 64
)

// flashRequest 是复位等待期间反复发送的激活帧
var flashRequest = []byte("FLASH")

var commandNames = map[byte]string{
	cmdWakeupLocalID: "wakeup local ID",
	cmdWakeupSerial:  "wakeup serial number",
	cmdSearchID:      "search ID",
	cmdReadInfo:      "read info",
	cmdUnlock:        "unlock",
	cmdErase:         "erase",
	cmdSetAddress:    "set address",
	cmdData:          "data",
	cmdBlockEnd:      "block end",
	cmdVerify:        "verify",
	cmdNodeReset:     "node reset",
	cmdSetLocalID:    "set local ID",
}

func commandName(cmd byte) string {
	if n, ok := commandNames[cmd]; ok {
		return n
	}
	return fmt.Sprintf("command 0x%02X", cmd)
}

// StatusError 设备以非零状态应答
type StatusError struct {
	LocalID byte
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("STW 设备 %d 拒绝 %s: 状态 0x%02X", e.LocalID, commandName(e.Command), e.Status)
}

func checksum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

func checksum32(segments [][]byte) uint32 {
	var sum uint32
	for _, s := range segments {
		for _, b := range s {
			sum += uint32(b)
		}
	}
	return sum
}
