package flash_driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/routing"
	"github.com/LoveWonYoung/sydeflash/services"
	"github.com/LoveWonYoung/sydeflash/stw_flashloader"
	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// stwSession 驱动旧的 STW 闪存加载程序; 只支持本地 CAN 总线
type stwSession struct {
	cfg     *Config
	addr    Addressing
	client  *stw_flashloader.Client
	localID byte
}

func newSTWSession(cfg *Config, conn Connection, addr Addressing) (*stwSession, error) {
	if conn.CAN == nil {
		return nil, fmt.Errorf("STW flashloader needs a CAN bus: %w", fault.ErrPrecondition)
	}
	if addr.Routed {
		return nil, fmt.Errorf("STW flashloader cannot be reached through a gateway: %w", fault.ErrTopology)
	}
	return &stwSession{
		cfg:     cfg,
		addr:    addr,
		client:  stw_flashloader.New(conn.CAN, cfg.STWOptions...),
		localID: addr.LocalID,
	}, nil
}

func (s *stwSession) activate(ctx context.Context, wait time.Duration) error {
	if !s.addr.InFlashloader {
		// 按序列号寻址时 local ID 要等唤醒后才知道, 先复位所有设备
		target := s.localID
		if !s.addr.Serial.IsZero() {
			target = stw_flashloader.AllLocalIDs
		}
		if err := s.client.NodeReset(target); err != nil {
			return err
		}
	}
	// 复位后持续发送 FLASH 帧, 设备才会停在闪存加载程序中
	if err := s.client.SendFlashRequests(ctx, wait); err != nil {
		return err
	}

	cfg := s.cfg
	step := cfg.PollTimeout + cfg.PollInterval
	attempts := uint(1)
	if step > 0 {
		attempts += uint(cfg.ActivateWindow / step)
	}
	return retry.Do(
		func() error {
			if !s.addr.Serial.IsZero() {
				id, err := s.client.WakeupSerialNumber(ctx, s.addr.Serial)
				if err != nil {
					return err
				}
				s.localID = id
				return nil
			}
			return s.client.WakeupLocalID(ctx, s.localID)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, fault.ErrTimeout) }),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("STW node %d not awake yet (attempt %d/%d): %v", s.localID, n+1, attempts, err)
		}),
	)
}

func (s *stwSession) readInfo(ctx context.Context) (*DeviceInfo, error) {
	text, err := s.client.ReadInfo(ctx, s.localID)
	if err != nil {
		return nil, err
	}
	log.Infof("STW node %d: %s", s.localID, text)
	return &DeviceInfo{Protocol: ProtocolSTW, Text: text}, nil
}

func (s *stwSession) adoptInfo(*DeviceInfo) {}

func (s *stwSession) checkMemory(context.Context, uint32, uint32) error {
	return fmt.Errorf("STW flashloader has no memory check: %w", fault.ErrPrecondition)
}

func (s *stwSession) update(ctx context.Context, files []string, _ timeouts, _ updateOptions, r report.Reporter) error {
	if len(files) != 1 || !services.IsAddressBased(files[0]) {
		return fmt.Errorf("STW node takes exactly one HEX or S-record file, got %v: %w", files, fault.ErrPrecondition)
	}
	return s.client.DoFlash(ctx, s.localID, files[0], r)
}

func (s *stwSession) reset(context.Context) error {
	if !s.cfg.StartApplication {
		log.Infof("leaving STW node %d in flashloader", s.localID)
		return nil
	}
	return s.client.NodeReset(s.localID)
}

func (s *stwSession) hops() routing.HopController { return noRouting{} }

func (s *stwSession) close() error { return nil }

type noRouting struct{}

func (noRouting) StartRoutingSpecific(context.Context, routing.Hop, routing.Route) error {
	return fmt.Errorf("routing not supported by STW flashloader: %w", fault.ErrTopology)
}

func (noRouting) StopRoutingSpecific(context.Context, routing.Hop, routing.Route) error {
	return nil
}
