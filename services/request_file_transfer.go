package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const (
	requestFileTransferSID      = 0x38
	requestFileTransferPositive = 0x78

	fileTransferModeAddFile = 0x01
	maxFilePathLength       = 0xFFFF
)

type RequestFileTransfer struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewRequestFileTransfer(client *osy_client.Client) *RequestFileTransfer {
	return &RequestFileTransfer{client: client}
}

func (r *RequestFileTransfer) SetTimeout(timeout time.Duration) {
	if r == nil {
		return
	}
	r.timeout = timeout
}

// AddFile 请求向设备文件系统写入 path (只使用文件名部分), 返回协商的最大块长度
func (r *RequestFileTransfer) AddFile(ctx context.Context, server node.Address, path string, size uint32) (*RequestDownloadResponse, error) {
	if r == nil || r.client == nil {
		return nil, errNilClient
	}
	name := filepath.Base(path)
	if len(name) == 0 || len(name) > maxFilePathLength {
		return nil, fmt.Errorf("file name length %d out of range", len(name))
	}
	sizeBytes := binary.BigEndian.AppendUint32(nil, size)

	req := make([]byte, 0, 4+len(name)+2+2*len(sizeBytes))
	req = append(req, requestFileTransferSID, fileTransferModeAddFile, byte(len(name)>>8), byte(len(name)))
	req = append(req, name...)
	// dataFormatIdentifier (未压缩未加密), fileSizeParameterLength
	req = append(req, 0x00, byte(len(sizeBytes)))
	req = append(req, sizeBytes...) // 解压后大小
	req = append(req, sizeBytes...) // 压缩后大小

	resp, err := request(ctx, r.client, server, req, r.timeout)
	if err != nil {
		return nil, err
	}
	return parseRequestFileTransferResponse(resp)
}

func parseRequestFileTransferResponse(resp []byte) (*RequestDownloadResponse, error) {
	if err := validatePositiveResponse(resp, requestFileTransferSID, fileTransferModeAddFile); err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("response data too short: % X", resp)
	}
	maxLen, err := decodeMaxLength(resp, int(resp[2]), resp[3:])
	if err != nil {
		return nil, err
	}
	return &RequestDownloadResponse{MaxLength: maxLen, Raw: resp}, nil
}
