package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const (
	transferDataSID      = 0x36
	transferDataPositive = 0x76

	// SID + 块序号
	transferDataOverhead = 2
)

type TransferDataResponse struct {
	SequenceNumber  byte
	ParameterRecord []byte
	Raw             []byte
}

type TransferData struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewTransferData(client *osy_client.Client) *TransferData {
	return &TransferData{client: client}
}

func (t *TransferData) SetTimeout(timeout time.Duration) {
	if t == nil {
		return
	}
	t.timeout = timeout
}

// TransferData 发送一个数据块; 序号由调用方给出, 这里不会自增
func (t *TransferData) TransferData(ctx context.Context, server node.Address, sequenceNumber byte, data []byte) (*TransferDataResponse, error) {
	if t == nil || t.client == nil {
		return nil, errNilClient
	}

	req := make([]byte, 0, transferDataOverhead+len(data))
	req = append(req, transferDataSID, sequenceNumber)
	req = append(req, data...)

	resp, err := request(ctx, t.client, server, req, t.timeout)
	if err != nil {
		return nil, err
	}
	return parseTransferDataResponse(resp, sequenceNumber)
}

func parseTransferDataResponse(resp []byte, expectedSeq byte) (*TransferDataResponse, error) {
	if err := validateResponseSID(resp, transferDataPositive); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("response data too short: % X", resp)
	}

	seq := resp[1]
	if seq != expectedSeq {
		return nil, fmt.Errorf("sequence echo 0x%02X, want 0x%02X: %w", seq, expectedSeq, fault.ErrSequence)
	}
	return &TransferDataResponse{
		SequenceNumber:  seq,
		ParameterRecord: resp[2:],
		Raw:             resp,
	}, nil
}

// TransferKind 区分按地址下载 (0x34) 和按文件下载 (0x38)
type TransferKind int

const (
	AddressBased TransferKind = iota
	FileBased
)

func (k TransferKind) String() string {
	if k == FileBased {
		return "file based"
	}
	return "address based"
}

var errSessionClosed = errors.New("transfer session closed")

// TransferSession 是一次 RequestDownload/RequestFileTransfer 到 RequestTransferExit 之间的状态.
// 序号必须严格按 mod 256 递增, 同一时刻只有一个数据块在传输; 任何失败都会结束会话, 不做重同步.
type TransferSession struct {
	td     *TransferData
	server node.Address
	kind   TransferKind

	maxBlockLength int
	remaining      uint64
	lastSeq        byte
	started        bool
	closed         bool
}

// NewTransferSession 用协商得到的 maxBlockLength (整条请求的长度) 建立会话
func NewTransferSession(td *TransferData, server node.Address, kind TransferKind, maxBlockLength uint64, total uint64) (*TransferSession, error) {
	if td == nil {
		return nil, errNilClient
	}
	if maxBlockLength <= transferDataOverhead {
		return nil, fmt.Errorf("max block length %d too small: %w", maxBlockLength, fault.ErrPrecondition)
	}
	if maxBlockLength > 0xFFFFFF {
		maxBlockLength = 0xFFFFFF
	}
	return &TransferSession{
		td:             td,
		server:         server,
		kind:           kind,
		maxBlockLength: int(maxBlockLength),
		remaining:      total,
	}, nil
}

func (s *TransferSession) Kind() TransferKind { return s.kind }

func (s *TransferSession) Server() node.Address { return s.server }

// MaxBlockLength 是单条 TransferData 请求的上限, 含 SID 和序号
func (s *TransferSession) MaxBlockLength() int { return s.maxBlockLength }

// PayloadLimit 是每块可携带的数据字节数
func (s *TransferSession) PayloadLimit() int { return s.maxBlockLength - transferDataOverhead }

func (s *TransferSession) Remaining() uint64 { return s.remaining }

// NextSequence 返回下一块应使用的序号, 第一块为 1
func (s *TransferSession) NextSequence() byte {
	if !s.started {
		return 1
	}
	return s.lastSeq + 1
}

func (s *TransferSession) Closed() bool { return s.closed }

// Send 发送一个块. 序号不连续或数据超长时在发送前本地拒绝
func (s *TransferSession) Send(ctx context.Context, seq byte, data []byte) error {
	if s.closed {
		return fmt.Errorf("server %s: %w", s.server, errSessionClosed)
	}
	if want := s.NextSequence(); seq != want {
		s.closed = true
		return fmt.Errorf("block sequence 0x%02X, want 0x%02X: %w", seq, want, fault.ErrSequence)
	}
	if len(data) == 0 || len(data) > s.PayloadLimit() {
		return fmt.Errorf("block of %d bytes outside 1..%d: %w", len(data), s.PayloadLimit(), fault.ErrPrecondition)
	}
	if uint64(len(data)) > s.remaining {
		return fmt.Errorf("block of %d bytes exceeds %d remaining: %w", len(data), s.remaining, fault.ErrPrecondition)
	}

	if _, err := s.td.TransferData(ctx, s.server, seq, data); err != nil {
		s.closed = true
		var nrErr *osy_client.NegativeResponseError
		if errors.As(err, &nrErr) && nrErr.NRC == osy_client.NRCWrongBlockSequenceCounter {
			return fmt.Errorf("%w: %w", fault.ErrSequence, err)
		}
		return err
	}
	s.lastSeq = seq
	s.started = true
	s.remaining -= uint64(len(data))
	return nil
}

// Close 结束会话; 之后的 Send 都会失败
func (s *TransferSession) Close() {
	s.closed = true
}
