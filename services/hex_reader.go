package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Segment 是镜像中一段连续地址的数据
type Segment struct {
	Address uint32
	Data    []byte
}

func (s Segment) End() uint32 {
	return s.Address + uint32(len(s.Data))
}

// Image 是按地址排列的刷写镜像
type Image struct {
	Segments []Segment
}

// Size 返回所有段的数据总长度
func (img *Image) Size() uint64 {
	var n uint64
	for _, s := range img.Segments {
		n += uint64(len(s.Data))
	}
	return n
}

func SplitBlock(data []byte, bs int) [][]byte {
	if bs <= 0 {
		return nil
	}
	chunkCount := (len(data) + bs - 1) / bs
	smallSlices := make([][]byte, 0, chunkCount)

	// 循环拆分大切片
	for i := 0; i < len(data); i += bs {
		end := i + bs
		// 如果最后一个切片长度不足 bs，则 end 设置为实际长度
		if end > len(data) {
			end = len(data)
		}
		smallSlices = append(smallSlices, data[i:end])
	}
	return smallSlices
}

// IsAddressBased 根据扩展名判断文件是否为按地址下载的镜像 (HEX / S-record)
func IsAddressBased(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".s19", ".srec", ".mot":
		return true
	}
	return false
}

// ReadImage 按扩展名读取 Intel HEX 或 S-record 镜像
func ReadImage(path string) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return ReadHexFile(path)
	case ".s19", ".srec", ".mot":
		return ReadSrecFile(path)
	}
	return nil, fmt.Errorf("%s: not an address based image", path)
}

func ReadHexFile(path string) (*Image, error) {
	hexFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer hexFile.Close()

	readHex := gohex.NewMemory()
	if err := readHex.ParseIntelHex(hexFile); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	segments := readHex.GetDataSegments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("%s: no data segments found in hex file", path)
	}

	img := &Image{Segments: make([]Segment, 0, len(segments))}
	for _, seg := range segments {
		img.Segments = append(img.Segments, Segment{Address: seg.Address, Data: seg.Data})
	}
	return img, nil
}
