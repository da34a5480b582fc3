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
	routineControlSID      = 0x31
	routineControlPositive = 0x71

	routineStart byte = 0x01
	routineStop  byte = 0x02
)

// openSYDE 闪存加载程序例程
const (
	RoutineCheckFlashMemoryAvailable   uint16 = 0x0203
	RoutineCheckApplicationCRC         uint16 = 0x0204
	RoutineRouteDiagnosisCommunication uint16 = 0x0206
)

// RoutineControl 只开放闪存加载程序用到的例程
type RoutineControl struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewRoutineControl(client *osy_client.Client) *RoutineControl {
	return &RoutineControl{client: client}
}

func (r *RoutineControl) SetTimeout(timeout time.Duration) {
	if r == nil {
		return
	}
	r.timeout = timeout
}

// run 发送 31 ctl idHi idLo option..., 返回应答中例程 ID 之后的状态字节
func (r *RoutineControl) run(ctx context.Context, server node.Address, ctl byte, id uint16, option []byte, timeout time.Duration) ([]byte, error) {
	if r == nil || r.client == nil {
		return nil, errNilClient
	}
	req := append([]byte{routineControlSID, ctl, byte(id >> 8), byte(id)}, option...)
	resp, err := request(ctx, r.client, server, req, timeout)
	if err != nil {
		return nil, fmt.Errorf("routine 0x%04X on %s: %w", id, server, err)
	}
	if err := validatePositiveResponse(resp, routineControlSID, ctl); err != nil {
		return nil, err
	}
	if len(resp) < 4 || binary.BigEndian.Uint16(resp[2:4]) != id {
		return nil, fmt.Errorf("routine 0x%04X: unexpected echo % X", id, resp)
	}
	return resp[4:], nil
}

// CheckFlashMemoryAvailable 检查 [address, address+size) 是否可写
func (r *RoutineControl) CheckFlashMemoryAvailable(ctx context.Context, server node.Address, address, size uint32) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], address)
	binary.BigEndian.PutUint32(data[4:8], size)
	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultProgrammingTimeout
	}
	_, err := r.run(ctx, server, routineStart, RoutineCheckFlashMemoryAvailable, data, timeout)
	if err != nil {
		return fmt.Errorf("check flash memory 0x%08X+%d: %w", address, size, err)
	}
	return nil
}

// CheckApplicationCRC 让设备比较 block 处的应用 CRC32 与 expected;
// 返回 true 表示设备上已是相同内容
func (r *RoutineControl) CheckApplicationCRC(ctx context.Context, server node.Address, block uint32, expected uint32) (bool, error) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], block)
	binary.BigEndian.PutUint32(data[4:8], expected)
	status, err := r.run(ctx, server, routineStart, RoutineCheckApplicationCRC, data, r.timeout)
	if err != nil {
		return false, err
	}
	if len(status) < 1 {
		return false, fmt.Errorf("check application CRC: no status byte")
	}
	return status[0] == 0x00, nil
}

// RouteHop 描述网关节点上的一次转发: 从 InBus 收到发往 Target 的请求后转发到 OutBus
type RouteHop struct {
	InBus  uint8
	OutBus uint8
	Target node.Address
}

func (h RouteHop) encode() []byte {
	return []byte{h.InBus, h.OutBus, h.Target.Bus, h.Target.Node}
}

// StartRouting 在 gateway 上打开一条路由会话
func (r *RoutineControl) StartRouting(ctx context.Context, gateway node.Address, hop RouteHop) error {
	_, err := r.run(ctx, gateway, routineStart, RoutineRouteDiagnosisCommunication, hop.encode(), r.timeout)
	return err
}

// StopRouting 关闭 StartRouting 打开的路由会话
func (r *RoutineControl) StopRouting(ctx context.Context, gateway node.Address, hop RouteHop) error {
	_, err := r.run(ctx, gateway, routineStop, RoutineRouteDiagnosisCommunication, hop.encode(), r.timeout)
	return err
}
