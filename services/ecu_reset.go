package services

import (
	"context"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const (
	ecuResetSID = 0x11

	suppressPositiveResponse = 0x80
)

const (
	ResetHard          byte = 0x01
	ResetKeyOffOn      byte = 0x02
	ResetToFlashloader byte = 0x60
)

type ECUReset struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewECUReset(client *osy_client.Client) *ECUReset {
	return &ECUReset{client: client}
}

func (r *ECUReset) SetTimeout(timeout time.Duration) {
	if r == nil {
		return
	}
	r.timeout = timeout
}

// Reset 请求复位并等待正响应
func (r *ECUReset) Reset(ctx context.Context, server node.Address, resetType byte) error {
	if r == nil || r.client == nil {
		return errNilClient
	}
	resp, err := request(ctx, r.client, server, []byte{ecuResetSID, resetType}, r.timeout)
	if err != nil {
		return err
	}
	return validatePositiveResponse(resp, ecuResetSID, resetType)
}

// ResetNoResponse 发送抑制正响应的复位请求, 设备复位时通常来不及应答
func (r *ECUReset) ResetNoResponse(server node.Address, resetType byte) error {
	if r == nil || r.client == nil {
		return errNilClient
	}
	return r.client.Send(server, []byte{ecuResetSID, resetType | suppressPositiveResponse})
}
