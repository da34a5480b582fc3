package psi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/LoveWonYoung/sydeflash/fault"
	log "github.com/sirupsen/logrus"
)

// Extension is the file extension of parameter set images.
const Extension = ".syde_psi"

const (
	formatVersion = 1
	maxNameLength = 255
)

var magic = []byte("PSI1")

// ErrFormat 镜像结构无法解析
var ErrFormat = errors.New("malformed parameter set image")

// ValueType 参数值的类型标签
type ValueType uint8

const (
	TypeUint8 ValueType = iota + 1
	TypeUint16
	TypeUint32
	TypeUint64
	TypeSint8
	TypeSint16
	TypeSint32
	TypeSint64
	TypeFloat32
	TypeFloat64
	TypeArray
)

// Entry is one parameter of a datapool.
type Entry struct {
	Name  string
	Type  ValueType
	Value []byte
}

// Image is the content of one .syde_psi file.
type Image struct {
	Version  uint8
	Datapool string
	Entries  []Entry
}

// IsImageFile reports whether path names a parameter set image.
func IsImageFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Marshal 生成带 CRC 的镜像字节
func (img *Image) Marshal() ([]byte, error) {
	if len(img.Datapool) > maxNameLength {
		return nil, fmt.Errorf("datapool name of %d bytes: %w", len(img.Datapool), fault.ErrPrecondition)
	}
	if len(img.Entries) > 0xFFFF {
		return nil, fmt.Errorf("%d entries: %w", len(img.Entries), fault.ErrPrecondition)
	}
	version := img.Version
	if version == 0 {
		version = formatVersion
	}

	var buf bytes.Buffer
	buf.Write([]byte{0, 0})
	buf.Write(magic)
	buf.WriteByte(version)
	buf.WriteByte(byte(len(img.Datapool)))
	buf.WriteString(img.Datapool)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(img.Entries)))
	for _, e := range img.Entries {
		if len(e.Name) > maxNameLength || len(e.Value) > 0xFFFF {
			return nil, fmt.Errorf("entry %q too large: %w", e.Name, fault.ErrPrecondition)
		}
		buf.WriteByte(byte(len(e.Name)))
		buf.WriteString(e.Name)
		buf.WriteByte(byte(e.Type))
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(e.Value)))
		buf.Write(e.Value)
	}

	out := buf.Bytes()
	if err := Sign(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Parse 先校验 CRC, 再解析内容
func Parse(data []byte) (*Image, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	r := reader{buf: data[crcLength:]}
	if !bytes.Equal(r.next(len(magic)), magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	img := &Image{Version: r.u8()}
	img.Datapool = string(r.next(int(r.u8())))
	count := int(r.u16())
	img.Entries = make([]Entry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		var e Entry
		e.Name = string(r.next(int(r.u8())))
		e.Type = ValueType(r.u8())
		e.Value = bytes.Clone(r.next(int(r.u16())))
		img.Entries = append(img.Entries, e)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(r.buf))
	}
	return img, nil
}

// ReadFile loads and validates a parameter set image.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ValidateFile 只校验 CRC, 用于传输前的检查
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := Validate(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// WriteFile writes the signed image to path.
func (img *Image) WriteFile(path string) error {
	data, err := img.Marshal()
	if err != nil {
		return err
	}
	return writeImage(path, data, img)
}

func writeImage(path string, data []byte, img *Image) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	log.Debugf("wrote parameter set %q (%d entries) to %s", img.Datapool, len(img.Entries), path)
	return nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrFormat)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}
