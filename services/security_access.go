package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const securityAccessSID = 0x27

// KeyFunc 根据安全等级和种子计算密钥; 算法由设备厂商提供
type KeyFunc func(level byte, seed []byte) ([]byte, error)

var ErrNoKeyFunc = errors.New("no security key function configured")

type SecurityAccess struct {
	client  *osy_client.Client
	keyFn   KeyFunc
	timeout time.Duration
}

func NewSecurityAccess(client *osy_client.Client, keyFn KeyFunc) *SecurityAccess {
	return &SecurityAccess{client: client, keyFn: keyFn}
}

func (s *SecurityAccess) SetTimeout(timeout time.Duration) {
	if s == nil {
		return
	}
	s.timeout = timeout
}

// seedLevel 奇数子功能请求种子, 紧随其后的偶数发送密钥
func seedLevel(level byte) (byte, error) {
	if level < 1 || level > 0x7E {
		return 0, fmt.Errorf("security level out of range: 0x%02X", level)
	}
	if level%2 == 0 {
		level--
	}
	return level, nil
}

// Unlock 请求种子, 计算密钥并发送. 种子全为 0 表示已解锁, 不再发送密钥
func (s *SecurityAccess) Unlock(ctx context.Context, server node.Address, level byte) error {
	seed, err := s.RequestSeed(ctx, server, level)
	if err != nil {
		return err
	}
	if len(bytes.Trim(seed, "\x00")) == 0 {
		return nil
	}
	if s.keyFn == nil {
		return ErrNoKeyFunc
	}
	sl, _ := seedLevel(level)
	key, err := s.keyFn(sl, seed)
	if err != nil {
		return fmt.Errorf("compute key: %w", err)
	}
	return s.SendKey(ctx, server, level, key)
}

func (s *SecurityAccess) RequestSeed(ctx context.Context, server node.Address, level byte) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errNilClient
	}
	sl, err := seedLevel(level)
	if err != nil {
		return nil, err
	}
	resp, err := request(ctx, s.client, server, []byte{securityAccessSID, sl}, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("request seed on %s: %w", server, err)
	}
	if err := validatePositiveResponse(resp, securityAccessSID, sl); err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, errors.New("security access: empty seed")
	}
	return resp[2:], nil
}

func (s *SecurityAccess) SendKey(ctx context.Context, server node.Address, level byte, key []byte) error {
	if s == nil || s.client == nil {
		return errNilClient
	}
	sl, err := seedLevel(level)
	if err != nil {
		return err
	}
	kl := sl + 1
	resp, err := request(ctx, s.client, server, append([]byte{securityAccessSID, kl}, key...), s.timeout)
	if err != nil {
		return fmt.Errorf("send key on %s: %w", server, err)
	}
	return validatePositiveResponse(resp, securityAccessSID, kl)
}
