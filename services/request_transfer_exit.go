package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const (
	requestTransferExitSID      = 0x37
	requestTransferExitPositive = 0x77
)

type RequestTransferExitResponse struct {
	ParameterRecord []byte
	Raw             []byte
}

type RequestTransferExit struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewRequestTransferExit(client *osy_client.Client) *RequestTransferExit {
	return &RequestTransferExit{client: client}
}

func (r *RequestTransferExit) SetTimeout(timeout time.Duration) {
	if r == nil {
		return
	}
	r.timeout = timeout
}

// AddressBased 结束按地址的下载; signatureAddress 非空时携带安全启动签名块地址
func (r *RequestTransferExit) AddressBased(ctx context.Context, session *TransferSession, signatureAddress *uint32) (*RequestTransferExitResponse, error) {
	var data []byte
	if signatureAddress != nil {
		data = make([]byte, 5)
		data[0] = 0x01
		binary.BigEndian.PutUint32(data[1:], *signatureAddress)
	}
	return r.exit(ctx, session, data)
}

// FileBased 结束按文件的下载, 携带整个文件的 CRC32; 设备端校验失败视为校验和错误
func (r *RequestTransferExit) FileBased(ctx context.Context, session *TransferSession, content []byte) (*RequestTransferExitResponse, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, crc32.ChecksumIEEE(content))
	resp, err := r.exit(ctx, session, data)
	var nrErr *osy_client.NegativeResponseError
	if errors.As(err, &nrErr) && isChecksumReject(nrErr.NRC) {
		return resp, fmt.Errorf("file CRC rejected: %w: %w", fault.ErrChecksum, err)
	}
	return resp, err
}

func isChecksumReject(nrc byte) bool {
	return nrc == osy_client.NRCGeneralProgrammingFailure ||
		nrc == osy_client.NRCRequestOutOfRange ||
		nrc == osy_client.NRCRequestSequenceError
}

func (r *RequestTransferExit) exit(ctx context.Context, session *TransferSession, data []byte) (*RequestTransferExitResponse, error) {
	if r == nil || r.client == nil {
		return nil, errNilClient
	}
	if session == nil {
		return nil, errors.New("no transfer session")
	}
	// 无论结果如何会话都到此结束
	defer session.Close()
	if session.Remaining() != 0 {
		return nil, fmt.Errorf("%d bytes still pending: %w", session.Remaining(), fault.ErrPrecondition)
	}

	req := make([]byte, 0, 1+len(data))
	req = append(req, requestTransferExitSID)
	req = append(req, data...)

	resp, err := request(ctx, r.client, session.Server(), req, r.timeout)
	if err != nil {
		return nil, err
	}
	return parseRequestTransferExitResponse(resp)
}

func parseRequestTransferExitResponse(resp []byte) (*RequestTransferExitResponse, error) {
	if err := validateResponseSID(resp, requestTransferExitPositive); err != nil {
		return nil, err
	}

	return &RequestTransferExitResponse{
		ParameterRecord: resp[1:],
		Raw:             resp,
	}, nil
}
