package services

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

var (
	ErrRecordChecksum = errors.New("record checksum mismatch")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrOverlap        = errors.New("overlapping segments")
)

type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func ReadSrecFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := ParseSrec(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ParseSrec 解析 Motorola S-record; S0 头和 S5/S6 计数记录被忽略
func ParseSrec(r io.Reader) (*Image, error) {
	var segments []Segment
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		record := strings.TrimSpace(sc.Text())
		if record == "" {
			continue
		}
		recType, address, data, err := parseSrecRecord(record)
		if err != nil {
			return nil, &ParseError{Line: line, Err: err}
		}
		switch recType {
		case '1', '2', '3':
			segments = append(segments, Segment{Address: address, Data: data})
		case '0', '5', '6', '7', '8', '9':
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	merged, err := mergeSegments(segments)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, errors.New("no data records")
	}
	return &Image{Segments: merged}, nil
}

func parseSrecRecord(record string) (byte, uint32, []byte, error) {
	if len(record) < 4 || record[0] != 'S' {
		return 0, 0, nil, fmt.Errorf("%w: %q", ErrInvalidRecord, record)
	}
	value, err := hex.DecodeString(record[2:])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: bad hex data", ErrInvalidRecord)
	}
	if len(value) < 2 || int(value[0]) != len(value)-1 {
		return 0, 0, nil, fmt.Errorf("%w: wrong size", ErrInvalidRecord)
	}

	recType := record[1]
	width, err := srecAddressWidth(recType)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(value) < 1+width+1 {
		return 0, 0, nil, fmt.Errorf("%w: record too short for address", ErrInvalidRecord)
	}

	var sum byte
	for _, b := range value[:len(value)-1] {
		sum += b
	}
	if want, got := ^sum, value[len(value)-1]; want != got {
		return 0, 0, nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrRecordChecksum, want, got)
	}

	var address uint32
	for _, b := range value[1 : 1+width] {
		address = address<<8 | uint32(b)
	}
	data := append([]byte(nil), value[1+width:len(value)-1]...)
	return recType, address, data, nil
}

func srecAddressWidth(recType byte) (int, error) {
	switch recType {
	case '0', '1', '5', '9':
		return 2, nil
	case '2', '6', '8':
		return 3, nil
	case '3', '7':
		return 4, nil
	}
	return 0, fmt.Errorf("%w: unsupported S-record type %q", ErrInvalidRecord, recType)
}

// mergeSegments 排序并合并相邻段, 重叠时报错
func mergeSegments(segments []Segment) ([]Segment, error) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Address < segments[j].Address
	})

	var merged []Segment
	for _, seg := range segments {
		if len(seg.Data) == 0 {
			continue
		}
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			switch {
			case seg.Address < last.End():
				return nil, fmt.Errorf("%w at 0x%08X", ErrOverlap, seg.Address)
			case seg.Address == last.End():
				last.Data = append(last.Data, seg.Data...)
				continue
			}
		}
		merged = append(merged, Segment{Address: seg.Address, Data: append([]byte(nil), seg.Data...)})
	}
	return merged, nil
}
