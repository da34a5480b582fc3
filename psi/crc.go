// Package psi 读写参数集镜像 (.syde_psi).
//
// 镜像前两个字节是大端 CRC-CCITT, 覆盖其后的全部字节.
package psi

import (
	"encoding/binary"
	"fmt"

	"github.com/LoveWonYoung/sydeflash/fault"
)

const (
	crcPolynomial = 0x1021
	crcSeed       = 0x1D0F
	crcLength     = 2
)

// Checksum computes CRC-CCITT (poly 0x1021, seed 0x1D0F, no final xor).
func Checksum(data []byte) uint16 {
	crc := uint16(crcSeed)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ChecksumError 镜像内容和存储的 CRC 不一致
type ChecksumError struct {
	Stored   uint16
	Computed uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("parameter set CRC mismatch: stored 0x%04X, computed 0x%04X", e.Stored, e.Computed)
}

func (e *ChecksumError) Unwrap() error { return fault.ErrChecksum }

// Sign writes the CRC over buf[2:] into buf[0:2].
func Sign(buf []byte) error {
	if len(buf) <= crcLength {
		return fmt.Errorf("parameter set of %d bytes has no payload: %w", len(buf), fault.ErrPrecondition)
	}
	binary.BigEndian.PutUint16(buf, Checksum(buf[crcLength:]))
	return nil
}

// Validate checks the CRC written by Sign.
func Validate(buf []byte) error {
	if len(buf) <= crcLength {
		return fmt.Errorf("parameter set of %d bytes has no payload: %w", len(buf), fault.ErrChecksum)
	}
	stored := binary.BigEndian.Uint16(buf)
	if computed := Checksum(buf[crcLength:]); computed != stored {
		return &ChecksumError{Stored: stored, Computed: computed}
	}
	return nil
}
