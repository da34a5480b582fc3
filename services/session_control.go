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
	diagnosticSessionControlSID = 0x10
)

// 会话类型
const (
	SessionDefault        byte = 0x01
	SessionProgramming    byte = 0x02
	SessionExtended       byte = 0x03
	SessionPreProgramming byte = 0x60
)

type DiagnosticSessionControlResponse struct {
	Session byte
	P2      time.Duration
	P2Star  time.Duration
	Raw     []byte
}

type DiagnosticSessionControl struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewDiagnosticSessionControl(client *osy_client.Client) *DiagnosticSessionControl {
	return &DiagnosticSessionControl{client: client}
}

func (d *DiagnosticSessionControl) SetTimeout(timeout time.Duration) {
	if d == nil {
		return
	}
	d.timeout = timeout
}

// Start 切换 server 的诊断会话
func (d *DiagnosticSessionControl) Start(ctx context.Context, server node.Address, session byte) (*DiagnosticSessionControlResponse, error) {
	if d == nil || d.client == nil {
		return nil, errNilClient
	}
	resp, err := request(ctx, d.client, server, []byte{diagnosticSessionControlSID, session}, d.timeout)
	if err != nil {
		return nil, err
	}
	return parseDiagnosticSessionControlResponse(resp, session)
}

func parseDiagnosticSessionControlResponse(resp []byte, session byte) (*DiagnosticSessionControlResponse, error) {
	if err := validatePositiveResponse(resp, diagnosticSessionControlSID, session); err != nil {
		return nil, err
	}
	out := &DiagnosticSessionControlResponse{Session: resp[1], Raw: resp}
	// P2 以毫秒为单位, P2* 以 10ms 为单位
	if len(resp) >= 6 {
		out.P2 = time.Duration(binary.BigEndian.Uint16(resp[2:4])) * time.Millisecond
		out.P2Star = time.Duration(binary.BigEndian.Uint16(resp[4:6])) * 10 * time.Millisecond
	} else if len(resp) != 2 {
		return nil, fmt.Errorf("response data too short: % X", resp)
	}
	return out, nil
}
