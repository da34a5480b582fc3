package stw_flashloader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	log "github.com/sirupsen/logrus"
)

// Bus 是 STW 客户端需要的 CAN 能力, *driver.Adapter 满足该接口
type Bus interface {
	Subscribe(buffer int, filter driver.Filter) (<-chan driver.UnifiedCANMessage, func())
	SendFrame(id uint32, extended bool, data []byte) error
}

type Config struct {
	ResponseTimeout time.Duration
	// EraseTimeout 擦除和校验命令的应答超时
	EraseTimeout time.Duration
	SearchWindow time.Duration
	// FrameGap 相邻数据帧之间的间隔; 旧设备对命令间隔敏感
	FrameGap  time.Duration
	BlockSize int
	// CompanyID 解锁命令携带的厂商标识
	CompanyID []byte
	// FlashInterval 复位等待期间 "FLASH" 帧的发送间隔
	FlashInterval time.Duration
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ResponseTimeout: 200 * time.Millisecond,
		EraseTimeout:    10 * time.Second,
		SearchWindow:    500 * time.Millisecond,
		FrameGap:        500 * time.Microsecond,
		BlockSize:       1024,
		CompanyID:       []byte("Y*"),
		FlashInterval:   5 * time.Millisecond,
	}
}

func WithResponseTimeout(d time.Duration) Option { return func(c *Config) { c.ResponseTimeout = d } }
func WithEraseTimeout(d time.Duration) Option    { return func(c *Config) { c.EraseTimeout = d } }
func WithSearchWindow(d time.Duration) Option    { return func(c *Config) { c.SearchWindow = d } }
func WithFrameGap(d time.Duration) Option        { return func(c *Config) { c.FrameGap = d } }
func WithFlashInterval(d time.Duration) Option   { return func(c *Config) { c.FlashInterval = d } }

func WithBlockSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BlockSize = n
		}
	}
}

func WithCompanyID(id []byte) Option {
	return func(c *Config) { c.CompanyID = append([]byte(nil), id...) }
}

// Client 一次只与一个 local ID 交互; 请求串行执行
type Client struct {
	bus Bus
	cfg Config
	mu  sync.Mutex
}

func New(bus Bus, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{bus: bus, cfg: cfg}
}

func validLocalID(id byte) error {
	if id > MaxLocalID {
		return fmt.Errorf("local ID %d out of range 0..%d: %w", id, MaxLocalID, fault.ErrPrecondition)
	}
	return nil
}

func isResponse(msg driver.UnifiedCANMessage) bool {
	return msg.ID == RxID && !msg.IsExtended && len(msg.Payload()) >= 3
}

func (c *Client) send(localID, cmd byte, params []byte) error {
	if len(params) > 6 {
		return fmt.Errorf("%s: %d parameter bytes do not fit one frame", commandName(cmd), len(params))
	}
	frame := append([]byte{localID, cmd}, params...)
	return c.bus.SendFrame(TxID, false, frame)
}

// request 发送一条命令并等待来自 localID 的同命令应答; 应答格式 [localID, cmd, status, data...]
func (c *Client) request(ctx context.Context, localID, cmd byte, params []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rx, unsubscribe := c.bus.Subscribe(16, func(msg driver.UnifiedCANMessage) bool {
		p := msg.Payload()
		return isResponse(msg) && p[1] == cmd && (localID == AllLocalIDs || p[0] == localID)
	})
	defer unsubscribe()

	if err := c.send(localID, cmd, params); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("STW %s to local ID %d: no response within %v: %w", commandName(cmd), localID, timeout, fault.ErrTimeout)
	case msg, ok := <-rx:
		if !ok {
			return nil, fmt.Errorf("STW receive closed: %w", fault.ErrTransport)
		}
		p := msg.Payload()
		if p[2] != statusOK {
			return nil, &StatusError{LocalID: p[0], Command: cmd, Status: p[2]}
		}
		return append([]byte(nil), p...), nil
	}
}

// SearchID 广播搜索, 在窗口期内收集所有应答的 local ID
func (c *Client) SearchID(ctx context.Context) (present [LocalIDCount]bool, found int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rx, unsubscribe := c.bus.Subscribe(LocalIDCount, func(msg driver.UnifiedCANMessage) bool {
		return isResponse(msg) && msg.Payload()[1] == cmdSearchID
	})
	defer unsubscribe()

	if err = c.send(AllLocalIDs, cmdSearchID, nil); err != nil {
		return present, 0, err
	}

	window := time.NewTimer(c.cfg.SearchWindow)
	defer window.Stop()
	for {
		select {
		case <-ctx.Done():
			return present, found, ctx.Err()
		case <-window.C:
			log.Debugf("STW search: %d devices", found)
			return present, found, nil
		case msg, ok := <-rx:
			if !ok {
				return present, found, fmt.Errorf("STW receive closed: %w", fault.ErrTransport)
			}
			id := msg.Payload()[0]
			if id > MaxLocalID || present[id] {
				continue
			}
			present[id] = true
			found++
		}
	}
}

// WakeupLocalID 选中已知 local ID 的设备
func (c *Client) WakeupLocalID(ctx context.Context, localID byte) error {
	if err := validLocalID(localID); err != nil {
		return err
	}
	_, err := c.request(ctx, localID, cmdWakeupLocalID, nil, c.cfg.ResponseTimeout)
	return err
}

// WakeupSerialNumber 广播序列号, 匹配的设备应答它当前的 local ID
func (c *Client) WakeupSerialNumber(ctx context.Context, sn node.SerialNumber) (byte, error) {
	if sn.Format != node.SerialPOS || len(sn.Bytes) != node.POSSerialLength {
		return 0, fmt.Errorf("STW wakeup needs a %d byte POS serial number: %w", node.POSSerialLength, fault.ErrPrecondition)
	}
	resp, err := c.request(ctx, AllLocalIDs, cmdWakeupSerial, sn.Bytes, c.cfg.ResponseTimeout)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

// SetLocalID 修改设备的 local ID; 设备用旧 ID 应答
func (c *Client) SetLocalID(ctx context.Context, localID, newID byte) error {
	if err := validLocalID(localID); err != nil {
		return err
	}
	if err := validLocalID(newID); err != nil {
		return err
	}
	_, err := c.request(ctx, localID, cmdSetLocalID, []byte{newID}, c.cfg.ResponseTimeout)
	return err
}

// ReadInfo 分块读取设备信息字符串, 直到出现不足一块或 NUL
func (c *Client) ReadInfo(ctx context.Context, localID byte) (string, error) {
	if err := validLocalID(localID); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for idx := 0; idx < maxInfoChunks; idx++ {
		resp, err := c.request(ctx, localID, cmdReadInfo, []byte{byte(idx)}, c.cfg.ResponseTimeout)
		if err != nil {
			return "", err
		}
		if len(resp) < 4 || int(resp[3]) != idx {
			return "", fmt.Errorf("info chunk %d: unexpected response % X", idx, resp)
		}
		chunk := resp[4:]
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			buf.Write(chunk[:i])
			break
		}
		buf.Write(chunk)
		if len(chunk) < infoBytesPerChunk {
			break
		}
	}
	return buf.String(), nil
}

func (c *Client) unlock(ctx context.Context, localID byte) error {
	_, err := c.request(ctx, localID, cmdUnlock, c.cfg.CompanyID, c.cfg.ResponseTimeout)
	return err
}

func (c *Client) setAddress(ctx context.Context, localID byte, address uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, address)
	_, err := c.request(ctx, localID, cmdSetAddress, p, c.cfg.ResponseTimeout)
	return err
}

// erase 从当前地址开始擦除 size 字节
func (c *Client) erase(ctx context.Context, localID byte, size uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, size)
	_, err := c.request(ctx, localID, cmdErase, p, c.cfg.EraseTimeout)
	return err
}

// writeBlock 按帧发送一个数据块 (数据帧无应答), 然后用块结束命令提交长度和校验和;
// 设备校验失败时返回 fault.ErrChecksum
func (c *Client) writeBlock(ctx context.Context, localID byte, block []byte) error {
	for off := 0; off < len(block); off += dataBytesPerFrame {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + dataBytesPerFrame
		if end > len(block) {
			end = len(block)
		}
		if err := c.send(localID, cmdData, block[off:end]); err != nil {
			return err
		}
		if c.cfg.FrameGap > 0 {
			time.Sleep(c.cfg.FrameGap)
		}
	}

	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], uint16(len(block)))
	binary.BigEndian.PutUint16(p[2:4], checksum16(block))
	_, err := c.request(ctx, localID, cmdBlockEnd, p, c.cfg.ResponseTimeout)
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("block checksum rejected: %w: %w", fault.ErrChecksum, se)
	}
	return err
}

func (c *Client) verify(ctx context.Context, localID byte, sum uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, sum)
	_, err := c.request(ctx, localID, cmdVerify, p, c.cfg.EraseTimeout)
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("image verify failed: %w: %w", fault.ErrChecksum, se)
	}
	return err
}

// NodeReset 复位设备, 不等待应答
func (c *Client) NodeReset(localID byte) error {
	if localID != AllLocalIDs {
		if err := validLocalID(localID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(localID, cmdNodeReset, nil)
}

// SendFlashRequests 在 wait 时间内反复发送 "FLASH" 激活帧, 让刚复位的设备停在闪存加载程序中
func (c *Client) SendFlashRequests(ctx context.Context, wait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	interval := c.cfg.FlashInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.bus.SendFrame(TxID, false, flashRequest); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}
