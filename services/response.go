package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

var errNilClient = errors.New("osy client is nil")

// request 以服务级超时发送一次请求; 负响应由 osy_client 转成 *NegativeResponseError
func request(ctx context.Context, client *osy_client.Client, server node.Address, req []byte, timeout time.Duration) ([]byte, error) {
	if client == nil {
		return nil, errNilClient
	}
	opts := osy_client.DefaultRequestOptions()
	opts.Timeout = resolveTimeout(timeout)
	return client.Request(ctx, server, req, opts)
}

func validateResponseSID(resp []byte, expectedSID byte) error {
	if len(resp) == 0 {
		return fmt.Errorf("short response: % X", resp)
	}
	if resp[0] == osy_client.NegativeResponseSID {
		if len(resp) >= 3 {
			return osy_client.NewNegativeResponseError(resp[1], resp[2])
		}
		return errors.New("negative response")
	}
	if resp[0] != expectedSID {
		return fmt.Errorf("unexpected response: % X", resp)
	}
	return nil
}

func validatePositiveResponse(resp []byte, serviceID, subFunc byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("short response: % X", resp)
	}
	if err := validateResponseSID(resp, serviceID+0x40); err != nil {
		return err
	}
	if resp[1] != subFunc {
		return fmt.Errorf("unexpected response: % X", resp)
	}
	return nil
}
