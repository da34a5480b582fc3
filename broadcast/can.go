package broadcast

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
	"github.com/LoveWonYoung/sydeflash/tp_layer"
	log "github.com/sirupsen/logrus"
)

// CAN 广播服务字节
const (
	canReadSerialNumber        byte = 0xBA
	canSetNodeIDBySerial       byte = 0xBB
	canSetNodeIDBySerialExt    byte = 0xBC
	canRequestProgramming      byte = 0xB8
	canSetBitrate              byte = 0xBD
	canSessionControl          byte = 0x10
	canECUReset                byte = 0x11
	canReadSerialResponse      byte = 0xFA
	canReadSerialResponseExt   byte = 0xF9
	canSetNodeIDResponse       byte = 0xFB
	canSetNodeIDResponseExt    byte = 0xFC
	canRequestProgrammingReply byte = 0xF8
	canSetBitrateResponse      byte = 0xFD
)

// Bus is the CAN access the resolver needs; *driver.Adapter implements it.
type Bus interface {
	Subscribe(buffer int, filter driver.Filter) (<-chan driver.UnifiedCANMessage, func())
	SendFrame(id uint32, extended bool, data []byte) error
}

// SerialNumberResult is one answer to ReadSerialNumbers.
type SerialNumberResult struct {
	Address node.Address
	Serial  node.SerialNumber
}

// ExtSerialNumberResult is the answer of a device supporting extended
// serial numbers; SubNode tells the CPUs of a multi-CPU device apart.
type ExtSerialNumberResult struct {
	Address node.Address
	SubNode uint8
	Serial  node.SerialNumber
}

// CAN runs broadcast services on one CAN bus.
type CAN struct {
	tracker
	bus   Bus
	busID uint8
	cfg   Config
	reqMu sync.Mutex
}

func NewCAN(bus Bus, busID uint8, opts ...Option) *CAN {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CAN{tracker: tracker{name: "CAN"}, bus: bus, busID: busID, cfg: cfg}
}

func (c *CAN) requestID() uint32 {
	return tp_layer.ArbitrationID(node.Client(c.busID), node.Broadcast(c.busID), true)
}

// responseFilter 只接受发给本客户端的功能寻址应答帧
func (c *CAN) responseFilter(msg driver.UnifiedCANMessage) bool {
	if !msg.IsExtended || len(msg.Payload()) == 0 {
		return false
	}
	src, dst, functional, ok := tp_layer.ParseArbitrationID(msg.ID)
	return ok && functional && dst == node.Client(c.busID) && src.Node != node.BroadcastNodeID
}

func (c *CAN) send(data []byte) error {
	frame := make([]byte, 8)
	copy(frame, data)
	return c.bus.SendFrame(c.requestID(), true, frame)
}

// exchange sends frames and hands every response frame to fn until window
// elapses or fn returns false.
func (c *CAN) exchange(ctx context.Context, frames [][]byte, window time.Duration, fn func(src node.Address, p []byte) bool) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.set(Idle)
	rx, unsubscribe := c.bus.Subscribe(driver.SubscriberBuffer, c.responseFilter)
	defer unsubscribe()

	for _, f := range frames {
		if err := c.send(f); err != nil {
			c.set(Idle)
			return err
		}
	}
	c.set(BroadcastSent)

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case msg, ok := <-rx:
			if !ok {
				return fmt.Errorf("CAN broadcast receive closed: %w", fault.ErrTransport)
			}
			c.set(CollectingResponses)
			src, _, _, _ := tp_layer.ParseArbitrationID(msg.ID)
			if !fn(src, append([]byte(nil), msg.Payload()...)) {
				return nil
			}
		}
	}
}

type extAssembly struct {
	subNode  uint8
	format   uint8
	length   int
	data     []byte
	next     byte
	complete bool
}

// ReadSerialNumbers 广播读取序列号, 在窗口期内收集所有应答.
// 旧格式和扩展格式的应答分别返回; 没有应答时两个切片都为空, err 为 nil.
func (c *CAN) ReadSerialNumbers(ctx context.Context) ([]SerialNumberResult, []ExtSerialNumberResult, error) {
	legacy := []SerialNumberResult{}
	extended := []ExtSerialNumberResult{}
	pending := make(map[node.Address]*extAssembly)
	answers := 0

	err := c.exchange(ctx, [][]byte{{canReadSerialNumber}}, c.cfg.Window, func(src node.Address, p []byte) bool {
		switch p[0] {
		case canReadSerialResponse:
			if len(p) < 1+node.POSSerialLength {
				log.Debugf("ignoring short serial number response from %s: % X", src, p)
				return true
			}
			var sn [node.POSSerialLength]byte
			copy(sn[:], p[1:7])
			legacy = append(legacy, SerialNumberResult{Address: src, Serial: node.NewPOSSerial(sn)})
			answers++
		case canReadSerialResponseExt:
			if res, ok := assembleExtended(pending, src, p); ok {
				extended = append(extended, res)
				answers++
			}
		default:
			log.Debugf("ignoring response from %s: % X", src, p)
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	c.finish(answers)
	return legacy, extended, nil
}

// assembleExtended 组装多帧扩展序列号应答; 格式不对的帧直接丢弃
//
//	idx 0: [F9 00 subNode mfgFormat snLen sn0 sn1 sn2]
//	idx n: [F9 n  sn...(6)]
func assembleExtended(pending map[node.Address]*extAssembly, src node.Address, p []byte) (ExtSerialNumberResult, bool) {
	if len(p) < 2 {
		return ExtSerialNumberResult{}, false
	}
	idx := p[1]
	if idx == 0 {
		if len(p) < 5 {
			return ExtSerialNumberResult{}, false
		}
		a := &extAssembly{subNode: p[2], format: p[3], length: int(p[4]), next: 1}
		if a.length == 0 || a.length > node.MaxFSNSerialLength {
			return ExtSerialNumberResult{}, false
		}
		pending[src] = a
		a.data = append(a.data, p[5:]...)
	} else {
		a, ok := pending[src]
		if !ok || a.complete || idx != a.next {
			return ExtSerialNumberResult{}, false
		}
		a.next++
		a.data = append(a.data, p[2:]...)
	}

	a := pending[src]
	if a.complete || len(a.data) < a.length {
		return ExtSerialNumberResult{}, false
	}
	a.complete = true
	sn, err := node.NewFSNSerial(a.format, a.data[:a.length])
	if err != nil {
		return ExtSerialNumberResult{}, false
	}
	return ExtSerialNumberResult{Address: src, SubNode: a.subNode, Serial: sn}, true
}

// awaitAnswer waits for the first positive (or negative) answer to sid.
func (c *CAN) awaitAnswer(ctx context.Context, frames [][]byte, sid byte, positive func(p []byte) bool) error {
	answered := false
	var nrErr error
	err := c.exchange(ctx, frames, c.cfg.ResponseTimeout, func(src node.Address, p []byte) bool {
		switch {
		case positive(p):
			answered = true
			return false
		case len(p) >= 3 && p[0] == osy_client.NegativeResponseSID && p[1] == sid:
			nrErr = fmt.Errorf("server %s: %w", src, osy_client.NewNegativeResponseError(sid, p[2]))
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if nrErr != nil {
		c.set(Resolved)
		return nrErr
	}
	if !answered {
		c.set(TimedOut)
		return fmt.Errorf("broadcast 0x%02X: no answer within %v: %w", sid, c.cfg.ResponseTimeout, fault.ErrTimeout)
	}
	c.set(Resolved)
	return nil
}

// SetNodeIDBySerialNumber 只有序列号匹配的设备会修改自己的节点 ID
func (c *CAN) SetNodeIDBySerialNumber(ctx context.Context, sn node.SerialNumber, newAddr node.Address) error {
	if sn.Format != node.SerialPOS || len(sn.Bytes) != node.POSSerialLength {
		return fmt.Errorf("legacy set node ID needs a POS serial number: %w", fault.ErrPrecondition)
	}
	if err := newAddr.Validate(); err != nil {
		return fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
	}
	part1 := append([]byte{canSetNodeIDBySerial, 0x01}, sn.Bytes...)
	part2 := []byte{canSetNodeIDBySerial, 0x02, newAddr.Bus, newAddr.Node}
	return c.awaitAnswer(ctx, [][]byte{part1, part2}, canSetNodeIDBySerial, func(p []byte) bool {
		return len(p) >= 2 && p[0] == canSetNodeIDResponse && p[1] == 0x02
	})
}

// SetNodeIDBySerialNumberExtended 额外携带 sub-node ID; 只有序列号和 sub-node 都匹配的设备响应
func (c *CAN) SetNodeIDBySerialNumberExtended(ctx context.Context, sn node.SerialNumber, subNode uint8, newAddr node.Address) error {
	if sn.Format != node.SerialFSN || sn.IsZero() || len(sn.Bytes) > node.MaxFSNSerialLength {
		return fmt.Errorf("extended set node ID needs an extended serial number: %w", fault.ErrPrecondition)
	}
	if err := newAddr.Validate(); err != nil {
		return fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
	}
	frames := [][]byte{{canSetNodeIDBySerialExt, 0x00, subNode, sn.Manufacturer, byte(len(sn.Bytes)), newAddr.Bus, newAddr.Node, 0x00}}
	for i, idx := 0, byte(1); i < len(sn.Bytes); i, idx = i+6, idx+1 {
		end := i + 6
		if end > len(sn.Bytes) {
			end = len(sn.Bytes)
		}
		frames = append(frames, append([]byte{canSetNodeIDBySerialExt, idx}, sn.Bytes[i:end]...))
	}
	return c.awaitAnswer(ctx, frames, canSetNodeIDBySerialExt, func(p []byte) bool {
		return len(p) >= 2 && p[0] == canSetNodeIDResponseExt && p[1] == 0x00
	})
}

// RequestProgramming 请求总线上所有设备在下次复位后停留在闪存加载程序中; 返回拒绝的设备
func (c *CAN) RequestProgramming(ctx context.Context) ([]node.Address, error) {
	rejected := []node.Address{}
	answers := 0
	err := c.exchange(ctx, [][]byte{{canRequestProgramming}}, c.cfg.Window, func(src node.Address, p []byte) bool {
		switch {
		case p[0] == canRequestProgrammingReply:
			answers++
		case len(p) >= 3 && p[0] == osy_client.NegativeResponseSID && p[1] == canRequestProgramming:
			log.Warnf("server %s rejected request programming: %s", src, osy_client.DescribeNRC(p[2]))
			rejected = append(rejected, src)
			answers++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	c.finish(answers)
	return rejected, nil
}

// SetBitrate 通知所有设备切换波特率 (bit/s); 返回拒绝的设备
func (c *CAN) SetBitrate(ctx context.Context, bitrate uint32) ([]node.Address, error) {
	req := make([]byte, 5)
	req[0] = canSetBitrate
	binary.BigEndian.PutUint32(req[1:], bitrate)
	rejected := []node.Address{}
	answers := 0
	err := c.exchange(ctx, [][]byte{req}, c.cfg.Window, func(src node.Address, p []byte) bool {
		switch {
		case p[0] == canSetBitrateResponse:
			answers++
		case len(p) >= 3 && p[0] == osy_client.NegativeResponseSID && p[1] == canSetBitrate:
			rejected = append(rejected, src)
			answers++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	c.finish(answers)
	return rejected, nil
}

// EnterPreProgrammingSession 广播进入预编程会话, 不等待应答
func (c *CAN) EnterPreProgrammingSession() error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.send([]byte{canSessionControl, 0x60})
}

// Reset 广播复位, 不等待应答
func (c *CAN) Reset() error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.send([]byte{canECUReset, 0x01})
}
