package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const (
	requestDownloadSID      = 0x34
	requestDownloadPositive = 0x74

	// 未压缩未加密; 地址和长度各 4 字节
	downloadDataFormat = 0x00
	downloadALFID      = 0x44
)

// RequestDownloadResponse.MaxLength 是设备接受的单条 TransferData 请求最大长度 (含 SID 和序号)
type RequestDownloadResponse struct {
	MaxLength uint64
	Raw       []byte
}

type RequestDownload struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewRequestDownload(client *osy_client.Client) *RequestDownload {
	return &RequestDownload{client: client}
}

func (r *RequestDownload) SetTimeout(timeout time.Duration) {
	if r == nil {
		return
	}
	r.timeout = timeout
}

// RequestDownload 打开 [address, address+size) 的地址型下载; 设备在应答前擦除该区域,
// 所以超时要覆盖擦除时间
func (r *RequestDownload) RequestDownload(ctx context.Context, server node.Address, address, size uint32) (*RequestDownloadResponse, error) {
	if r == nil || r.client == nil {
		return nil, errNilClient
	}
	req := make([]byte, 11)
	req[0], req[1], req[2] = requestDownloadSID, downloadDataFormat, downloadALFID
	binary.BigEndian.PutUint32(req[3:7], address)
	binary.BigEndian.PutUint32(req[7:11], size)

	resp, err := request(ctx, r.client, server, req, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("request download 0x%08X+%d: %w", address, size, err)
	}
	if err := validateResponseSID(resp, requestDownloadPositive); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("request download: short response % X", resp)
	}
	// lengthFormatIdentifier 高 4 位是长度字段字节数
	maxLen, err := decodeMaxLength(resp, int(resp[1]>>4), resp[2:])
	if err != nil {
		return nil, err
	}
	return &RequestDownloadResponse{MaxLength: maxLen, Raw: resp}, nil
}

// decodeMaxLength 读取 n 字节大端的 maxNumberOfBlockLength
func decodeMaxLength(resp []byte, n int, field []byte) (uint64, error) {
	if n < 1 || n > 8 || len(field) < n {
		return 0, fmt.Errorf("bad max block length field: % X", resp)
	}
	var maxLen uint64
	for _, b := range field[:n] {
		maxLen = maxLen<<8 | uint64(b)
	}
	if maxLen < transferDataOverhead+1 {
		return 0, fmt.Errorf("max block length %d leaves no room for data", maxLen)
	}
	return maxLen, nil
}
