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
	readDataByIdentifierSID      = 0x22
	readDataByIdentifierPositive = 0x62
)

// 已知 DID 的值长度; 不在表中的 DID 不校验长度
var didValueLength = map[uint16]int{
	DIDFlashloaderInformation: flashloaderInformationLength,
	DIDFingerprintDate:        3,
	DIDFingerprintTime:        3,
	DIDFingerprintUser:        fingerprintUserLength,
}

// ReadDataByIdentifier 一次请求只读一个 DID, 闪存加载程序不支持多 DID 请求
type ReadDataByIdentifier struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewReadDataByIdentifier(client *osy_client.Client) *ReadDataByIdentifier {
	return &ReadDataByIdentifier{client: client}
}

func (r *ReadDataByIdentifier) SetTimeout(timeout time.Duration) {
	if r == nil {
		return
	}
	r.timeout = timeout
}

// Read 返回 did 的值; 已知 DID 的值短于约定长度时报错, 多余的尾部字节被截掉
func (r *ReadDataByIdentifier) Read(ctx context.Context, server node.Address, did uint16) ([]byte, error) {
	if r == nil || r.client == nil {
		return nil, errNilClient
	}
	resp, err := request(ctx, r.client, server, []byte{readDataByIdentifierSID, byte(did >> 8), byte(did)}, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("read DID 0x%04X from %s: %w", did, server, err)
	}
	return decodeDataRecord(resp, did)
}

func decodeDataRecord(resp []byte, did uint16) ([]byte, error) {
	if err := validateResponseSID(resp, readDataByIdentifierPositive); err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("read DID 0x%04X: short response % X", did, resp)
	}
	if got := binary.BigEndian.Uint16(resp[1:3]); got != did {
		return nil, fmt.Errorf("read DID 0x%04X: answer carries DID 0x%04X", did, got)
	}
	value := resp[3:]
	if n, ok := didValueLength[did]; ok {
		if len(value) < n {
			return nil, fmt.Errorf("read DID 0x%04X: %d bytes, want %d", did, len(value), n)
		}
		value = value[:n]
	}
	return value, nil
}
