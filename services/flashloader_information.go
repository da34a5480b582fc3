package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
)

// 闪存加载程序使用的数据标识符
const (
	DIDFlashloaderInformation uint16 = 0xA810
	DIDFingerprintDate        uint16 = 0xF15B
	DIDFingerprintTime        uint16 = 0xF15C
	DIDFingerprintUser        uint16 = 0xF15D
)

const (
	flashloaderInformationLength = 92
	fingerprintUserLength        = 20
	hardwareVersionLength        = 16
	serialFieldLength            = node.MaxFSNSerialLength
)

// Feature 是 FlashloaderInformation 中的可选功能位
type Feature uint32

const (
	FeatureSecurityAccess Feature = 1 << iota
	FeatureDebuggerEnable
	FeatureFileBasedTransfer
	FeatureMaxBlockLength
	FeatureEthernetRouting
)

// Features is the bitset the device reports.
type Features uint32

func (f Features) Has(feature Feature) bool { return uint32(f)&uint32(feature) != 0 }

type Version [3]byte

func (v Version) String() string { return fmt.Sprintf("%d.%02dr%d", v[0], v[1], v[2]) }

// Fingerprint 记录上一次刷写的时间和用户
type Fingerprint struct {
	Time time.Time
	User string
}

// FlashloaderInformation 是激活后从闪存加载程序读到的设备信息, 本次会话内只读
type FlashloaderInformation struct {
	SoftwareVersion Version
	ProtocolVersion Version
	FlashCount      uint32
	SerialNumber    node.SerialNumber
	ArticleNumber   uint32
	HardwareVersion string
	LastFlash       Fingerprint
	Features        Features
	// MaxBlockLength 为 0 表示设备没有限制
	MaxBlockLength uint16
}

// ReadFlashloaderInformation 读取 DID 0xA810
func (r *ReadDataByIdentifier) ReadFlashloaderInformation(ctx context.Context, server node.Address) (*FlashloaderInformation, error) {
	value, err := r.Read(ctx, server, DIDFlashloaderInformation)
	if err != nil {
		return nil, err
	}
	return DecodeFlashloaderInformation(value)
}

func DecodeFlashloaderInformation(data []byte) (*FlashloaderInformation, error) {
	if len(data) < flashloaderInformationLength {
		return nil, fmt.Errorf("flashloader information too short: %d bytes, want %d", len(data), flashloaderInformationLength)
	}
	info := &FlashloaderInformation{}
	off := 0
	next := func(n int) []byte {
		b := data[off : off+n]
		off += n
		return b
	}

	copy(info.SoftwareVersion[:], next(3))
	copy(info.ProtocolVersion[:], next(3))
	fc := next(3)
	info.FlashCount = uint32(fc[0])<<16 | uint32(fc[1])<<8 | uint32(fc[2])

	format, snLen := next(1)[0], int(next(1)[0])
	snField := next(serialFieldLength)
	sn, err := decodeSerialField(format, snLen, snField)
	if err != nil {
		return nil, err
	}
	info.SerialNumber = sn

	info.ArticleNumber = binary.BigEndian.Uint32(next(4))
	info.HardwareVersion = trimNUL(next(hardwareVersionLength))

	date, clock := next(3), next(3)
	info.LastFlash.User = trimNUL(next(fingerprintUserLength))
	if date[1] != 0 && date[2] != 0 {
		info.LastFlash.Time = time.Date(2000+int(date[0]), time.Month(date[1]), int(date[2]),
			int(clock[0]), int(clock[1]), int(clock[2]), 0, time.UTC)
	}

	info.Features = Features(binary.BigEndian.Uint32(next(4)))
	info.MaxBlockLength = binary.BigEndian.Uint16(next(2))
	return info, nil
}

// format 0 为 POS 序列号, 其他值为 FSN 的厂商格式
func decodeSerialField(format byte, snLen int, field []byte) (node.SerialNumber, error) {
	if format == 0 {
		var pos [node.POSSerialLength]byte
		copy(pos[:], field)
		return node.NewPOSSerial(pos), nil
	}
	if snLen > len(field) {
		return node.SerialNumber{}, fmt.Errorf("serial number length %d exceeds field", snLen)
	}
	return node.NewFSNSerial(format, field[:snLen])
}

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
