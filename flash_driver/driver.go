// Package flash_driver combines the openSYDE and STW flashloader protocols
// behind one step by step update API with an explicit state machine.
package flash_driver

import (
	"context"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/routing"
	"github.com/jellydator/ttlcache/v3"
	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"
)

// 驱动状态
const (
	StateUninitialized     = "uninitialized"
	StateInitialized       = "initialized"
	StateFlashloaderActive = "flashloader_active"
	StateDeviceInfoRead    = "device_info_read"
	StateUpdating          = "updating"
	StateCompleted         = "completed"
	StateFailed            = "failed"
	StateReset             = "reset"
)

const (
	evInit     = "init"
	evReinit   = "reinit"
	evActivate = "activate"
	evReadInfo = "read_info"
	evUpdate   = "update"
	evComplete = "complete"
	evFail     = "fail"
	evReset    = "reset"
)

// Step 标识更新流程中的一步, 用于错误报告和退出码
type Step int

const (
	StepInit Step = iota + 1
	StepActivate
	StepReadInfo
	StepCheckMemory
	StepUpdate
	StepReset
)

func (s Step) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepActivate:
		return "activate flashloader"
	case StepReadInfo:
		return "read device information"
	case StepCheckMemory:
		return "check memory"
	case StepUpdate:
		return "update node"
	case StepReset:
		return "reset system"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// StepError 记录失败发生在哪一步
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return e.Step.String() + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// Driver 一次只服务一个节点; 不可并发使用
type Driver struct {
	cfg Config
	fsm *fsm.FSM

	conn    Connection
	addr    Addressing
	bitrate uint32
	session nodeSession

	info        *ttlcache.Cache[string, *DeviceInfo]
	current     *DeviceInfo
	pendingWait time.Duration
}

func New(opts ...Option) *Driver {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Driver{
		cfg:  cfg,
		info: ttlcache.New[string, *DeviceInfo](ttlcache.WithTTL[string, *DeviceInfo](cfg.InfoTTL)),
	}
	d.fsm = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: evInit, Src: []string{StateUninitialized}, Dst: StateInitialized},
			{Name: evReinit, Src: []string{StateInitialized, StateFlashloaderActive, StateDeviceInfoRead, StateCompleted, StateFailed, StateReset}, Dst: StateInitialized},
			{Name: evActivate, Src: []string{StateInitialized}, Dst: StateFlashloaderActive},
			{Name: evReadInfo, Src: []string{StateFlashloaderActive}, Dst: StateDeviceInfoRead},
			{Name: evUpdate, Src: []string{StateDeviceInfoRead, StateCompleted}, Dst: StateUpdating},
			{Name: evComplete, Src: []string{StateUpdating}, Dst: StateCompleted},
			{Name: evFail, Src: []string{StateInitialized, StateFlashloaderActive, StateDeviceInfoRead, StateUpdating}, Dst: StateFailed},
			{Name: evReset, Src: []string{StateInitialized, StateFlashloaderActive, StateDeviceInfoRead, StateCompleted, StateFailed}, Dst: StateReset},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("flash driver %s: %s -> %s (%s)", d.addr, e.Src, e.Dst, e.Event)
			},
		},
	)
	return d
}

// State 返回当前状态名
func (d *Driver) State() string { return d.fsm.Current() }

// Information 返回最近一次读到的设备信息, 未读过时为 nil
func (d *Driver) Information() *DeviceInfo { return d.current }

// fire 推进状态机; 事件回调不应被调用方的取消打断
func (d *Driver) fire(ctx context.Context, event string) {
	if err := d.fsm.Event(context.WithoutCancel(ctx), event); err != nil {
		log.Debugf("flash driver event %s: %v", event, err)
	}
}

func (d *Driver) fail(ctx context.Context, s Step, err error) error {
	if d.fsm.Can(evFail) {
		d.fire(ctx, evFail)
	}
	log.WithFields(log.Fields{
		"node":  d.addr.String(),
		"step":  s.String(),
		"error": fault.Classify(err).String(),
	}).Errorf("%v", err)
	return &StepError{Step: s, Err: err}
}

// step 检查状态, 执行 fn, 成功后触发 event
func (d *Driver) step(ctx context.Context, s Step, event string, fn func() error) error {
	if !d.fsm.Can(event) {
		return &StepError{Step: s, Err: fmt.Errorf("not allowed in state %s: %w", d.State(), fault.ErrPrecondition)}
	}
	if err := fn(); err != nil {
		return d.fail(ctx, s, err)
	}
	d.fire(ctx, event)
	return nil
}

// Init 选择连接和目标节点; 可以在任何状态下重新初始化
func (d *Driver) Init(ctx context.Context, conn Connection, bitrate uint32, addr Addressing) error {
	event := evInit
	if d.State() != StateUninitialized {
		event = evReinit
	}
	if err := d.validate(conn, bitrate, addr); err != nil {
		return &StepError{Step: StepInit, Err: err}
	}
	if d.session != nil {
		if err := d.session.close(); err != nil {
			log.Debugf("close previous session: %v", err)
		}
		d.session = nil
	}

	var (
		s   nodeSession
		err error
	)
	if addr.Protocol == ProtocolSTW {
		s, err = newSTWSession(&d.cfg, conn, addr)
	} else {
		s, err = newOsySession(ctx, &d.cfg, conn, addr)
	}
	if err != nil {
		return &StepError{Step: StepInit, Err: err}
	}
	d.session = s
	d.conn = conn
	d.addr = addr
	d.bitrate = bitrate
	d.current = nil
	d.fire(ctx, event)
	log.Infof("flash driver initialised for %s on %s bus %d", addr, conn.Type, conn.BusID)
	return nil
}

func (d *Driver) validate(conn Connection, bitrate uint32, addr Addressing) error {
	if conn.Type == node.CAN {
		if conn.CAN == nil {
			return fmt.Errorf("CAN connection without bus: %w", fault.ErrPrecondition)
		}
		if bitrate == 0 {
			return fmt.Errorf("CAN bitrate not set: %w", fault.ErrPrecondition)
		}
	}
	if addr.Protocol == ProtocolSTW {
		if conn.Type != node.CAN {
			return fmt.Errorf("STW flashloader only runs on CAN: %w", fault.ErrPrecondition)
		}
		return nil
	}
	if err := addr.Server.Validate(); err != nil {
		return fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
	}
	return nil
}

// ActivateFlashloader 复位节点进入闪存加载程序并等待它应答.
// 实际等待取 resetWait 与已记录配置变更所需等待时间中的较大者.
func (d *Driver) ActivateFlashloader(ctx context.Context, resetWait time.Duration) error {
	wait := max(resetWait, d.pendingWait)
	return d.step(ctx, StepActivate, evActivate, func() error {
		if err := d.session.activate(ctx, wait); err != nil {
			return err
		}
		d.pendingWait = 0
		return nil
	})
}

// ReadDeviceInformation 读取闪存加载程序信息; 同一节点在缓存有效期内不重复读取
func (d *Driver) ReadDeviceInformation(ctx context.Context) (*DeviceInfo, error) {
	err := d.step(ctx, StepReadInfo, evReadInfo, func() error {
		key := d.addr.String()
		if item := d.info.Get(key); item != nil {
			d.current = item.Value()
			d.session.adoptInfo(d.current)
			log.Debugf("device information of %s from cache", key)
			return nil
		}
		info, err := d.session.readInfo(ctx)
		if err != nil {
			return err
		}
		d.current = info
		d.info.Set(key, info, ttlcache.DefaultTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.current, nil
}

// CheckMemoryAvailable 询问设备 [address, address+size) 是否可写; 不改变状态
func (d *Driver) CheckMemoryAvailable(ctx context.Context, address, size uint32) error {
	switch d.State() {
	case StateFlashloaderActive, StateDeviceInfoRead, StateCompleted:
	default:
		return &StepError{Step: StepCheckMemory, Err: fmt.Errorf("not allowed in state %s: %w", d.State(), fault.ErrPrecondition)}
	}
	if err := d.session.checkMemory(ctx, address, size); err != nil {
		return &StepError{Step: StepCheckMemory, Err: err}
	}
	return nil
}

// UpdateNode 按顺序写入 files. 文件在第一次设备通信之前全部检查,
// 任何一块失败都会结束本次更新, 不会从中间恢复.
func (d *Driver) UpdateNode(ctx context.Context, files []string, downloadTimeout, transferTimeout time.Duration, opts ...UpdateOption) error {
	if !d.fsm.Can(evUpdate) {
		return &StepError{Step: StepUpdate, Err: fmt.Errorf("not allowed in state %s: %w", d.State(), fault.ErrPrecondition)}
	}
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	d.fire(ctx, evUpdate)
	// 写入后设备信息 (例如应用版本) 可能变化
	defer d.info.Delete(d.addr.String())

	t := timeouts{download: downloadTimeout, transfer: transferTimeout}
	if err := d.session.update(ctx, files, t, o, d.cfg.Reporter); err != nil {
		return d.fail(ctx, StepUpdate, err)
	}
	d.fire(ctx, evComplete)
	return nil
}

// ResetSystem 结束会话并 (按配置) 启动应用程序
func (d *Driver) ResetSystem(ctx context.Context) error {
	return d.step(ctx, StepReset, evReset, func() error {
		return d.session.reset(ctx)
	})
}

// RecordConfigurationChange 记录一次配置变更, 下一次激活至少等待该类别的时间
func (d *Driver) RecordConfigurationChange(kind ChangeKind) {
	d.pendingWait = max(d.pendingWait, d.cfg.ResetWait.Get(kind))
}

// MinimumFlashloaderResetWaitTime 返回该类别配置变更后复位所需的最短等待
func (d *Driver) MinimumFlashloaderResetWaitTime(kind ChangeKind) time.Duration {
	return d.cfg.ResetWait.Get(kind)
}

// HopController 返回当前会话的路由控制, 供 routing.WithRoute 使用
func (d *Driver) HopController() routing.HopController {
	if d.session == nil {
		return nil
	}
	return d.session.hops()
}

func (d *Driver) Close() error {
	d.info.DeleteAll()
	if d.session == nil {
		return nil
	}
	err := d.session.close()
	d.session = nil
	return err
}
