//go:build windows

package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

const (
	vectorDLLName32 = "vxlapi.dll"
	vectorDLLName64 = "vxlapi64.dll"

	vectorHwIndex     = 0
	vectorRxQueueSize = 16384

	vectorBusTypeCAN        = 1
	vectorInterfaceVersion  = 3
	vectorOutputModeNormal  = 1
	vectorInvalidPortHandle = -1

	vectorStatusSuccess      = 0
	vectorStatusQueueIsEmpty = 10

	vectorTagReceiveMsg  = 1
	vectorTagTransmitMsg = 10

	vectorMsgFlagErrorFrame  = 0x01
	vectorMsgFlagTxCompleted = 0x40
	// 扩展帧在 ID 的最高位标记
	vectorExtMsgID uint32 = 0x80000000
)

// s_xl_can_msg
type xlCanMsg struct {
	ID    uint32
	Flags uint16
	DLC   uint16
	Res1  uint64
	Data  [8]byte
	Res2  uint64
}

// XLevent
type xlEvent struct {
	Tag        uint8
	ChanIndex  uint8
	TransID    uint16
	PortHandle uint16
	Flags      uint8
	Reserved   uint8
	TimeStamp  uint64
	Msg        xlCanMsg
}

// Vector drives one channel of a Vector interface through the XL driver
// library, classic CAN only.
type Vector struct {
	hwType  int
	channel int
	bitrate uint32 // bit/s

	rxChan chan UnifiedCANMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	procs       map[string]*windows.LazyProc
	portHandle  int32
	channelMask uint64
	access      uint64
}

var vectorProcNames = []string{
	"xlOpenDriver", "xlCloseDriver", "xlOpenPort", "xlClosePort",
	"xlGetChannelIndex", "xlActivateChannel", "xlDeactivateChannel",
	"xlCanSetChannelBitrate", "xlCanSetChannelOutput", "xlCanSetChannelMode",
	"xlReceive", "xlCanTransmit", "xlGetErrorString",
}

// NewVector creates a driver for hwType/channel running at bitrate bit/s.
func NewVector(hwType, channel int, bitrate uint32) *Vector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Vector{
		hwType:     hwType,
		channel:    channel,
		bitrate:    bitrate,
		rxChan:     make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		portHandle: vectorInvalidPortHandle,
	}
}

func (v *Vector) Init() error {
	name := vectorDLLName64
	if runtime.GOARCH == "386" {
		name = vectorDLLName32
	}
	dll, err := loadDLL([]string{bundledDLL(name), name}, vectorProcNames...)
	if err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	v.procs = make(map[string]*windows.LazyProc, len(vectorProcNames))
	for _, n := range vectorProcNames {
		v.procs[n] = dll.NewProc(n)
	}

	if err := v.call("xlOpenDriver"); err != nil {
		return err
	}
	if err := v.openChannel(); err != nil {
		v.release()
		return err
	}
	log.Debugf("vector hw type %d channel %d initialised at %d bit/s", v.hwType, v.channel, v.bitrate)
	return nil
}

func (v *Vector) openChannel() error {
	r1, _, _ := v.procs["xlGetChannelIndex"].Call(uintptr(v.hwType), vectorHwIndex, uintptr(v.channel))
	idx := int32(r1)
	if idx < 0 || idx > 63 {
		return fmt.Errorf("vector: no channel %d on hw type %d", v.channel, v.hwType)
	}
	v.channelMask = uint64(1) << uint(idx)

	appName, _ := windows.BytePtrFromString("sydeflash")
	access := v.channelMask
	if err := v.call("xlOpenPort",
		uintptr(unsafe.Pointer(&v.portHandle)),
		uintptr(unsafe.Pointer(appName)),
		uintptr(v.channelMask),
		uintptr(unsafe.Pointer(&access)),
		vectorRxQueueSize,
		vectorInterfaceVersion,
		vectorBusTypeCAN,
	); err != nil {
		return err
	}
	if v.portHandle == vectorInvalidPortHandle {
		return errors.New("vector: xlOpenPort returned no port")
	}
	v.access = access & v.channelMask

	// 没有初始化权限时 (其他程序已打开通道) 沿用现有波特率
	if v.access != 0 {
		if err := v.call("xlCanSetChannelBitrate", uintptr(v.portHandle), uintptr(v.access), uintptr(v.bitrate)); err != nil {
			return err
		}
		if err := v.call("xlCanSetChannelOutput", uintptr(v.portHandle), uintptr(v.access), vectorOutputModeNormal); err != nil {
			return err
		}
	} else {
		log.Warnf("vector channel %d: no init access, keeping the configured bitrate", v.channel)
	}
	// 不要发送回执
	if err := v.call("xlCanSetChannelMode", uintptr(v.portHandle), uintptr(v.channelMask), 0, 0); err != nil {
		return err
	}
	return v.call("xlActivateChannel", uintptr(v.portHandle), uintptr(v.channelMask), vectorBusTypeCAN, 0)
}

func (v *Vector) Start() {
	v.wg.Add(1)
	go v.readLoop()
}

func (v *Vector) Stop() {
	v.cancel()
	v.wg.Wait()
	v.release()
}

// release 关闭端口和驱动; 可重复调用
func (v *Vector) release() {
	if v.procs == nil {
		return
	}
	if v.portHandle != vectorInvalidPortHandle {
		_, _, _ = v.procs["xlDeactivateChannel"].Call(uintptr(v.portHandle), uintptr(v.channelMask))
		_, _, _ = v.procs["xlClosePort"].Call(uintptr(v.portHandle))
		v.portHandle = vectorInvalidPortHandle
	}
	_, _, _ = v.procs["xlCloseDriver"].Call()
	v.procs = nil
}

func (v *Vector) Write(msg UnifiedCANMessage) error {
	if msg.IsFD {
		return fmt.Errorf("vector driver does not support CAN FD frames")
	}
	ev := xlEvent{Tag: vectorTagTransmitMsg}
	ev.Msg.ID = msg.ID
	if msg.IsExtended {
		ev.Msg.ID |= vectorExtMsgID
	}
	ev.Msg.DLC = uint16(msg.DLC)
	copy(ev.Msg.Data[:], msg.Payload())
	count := uint32(1)
	return v.call("xlCanTransmit",
		uintptr(v.portHandle),
		uintptr(v.channelMask),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Pointer(&ev)),
	)
}

func (v *Vector) RxChan() <-chan UnifiedCANMessage { return v.rxChan }

func (v *Vector) Context() context.Context { return v.ctx }

func (v *Vector) readLoop() {
	defer v.wg.Done()
	ticker := time.NewTicker(PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			for v.readOne() {
			}
		}
	}
}

// readOne 取一个事件, 队列空或出错时返回 false
func (v *Vector) readOne() bool {
	var ev xlEvent
	count := uint32(1)
	status, _, _ := v.procs["xlReceive"].Call(
		uintptr(v.portHandle),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Pointer(&ev)),
	)
	switch int16(status) {
	case vectorStatusSuccess:
	case vectorStatusQueueIsEmpty:
		return false
	default:
		log.Warnf("vector receive: %s", v.errorString(int16(status)))
		return false
	}
	if ev.Tag != vectorTagReceiveMsg || ev.Msg.Flags&(vectorMsgFlagErrorFrame|vectorMsgFlagTxCompleted) != 0 {
		return true
	}
	msg := UnifiedCANMessage{
		Direction:  RX,
		ID:         ev.Msg.ID &^ vectorExtMsgID,
		DLC:        byte(min(ev.Msg.DLC, 8)),
		IsExtended: ev.Msg.ID&vectorExtMsgID != 0,
	}
	copy(msg.Data[:], ev.Msg.Data[:msg.DLC])
	logCANMessage(RX, msg)
	select {
	case v.rxChan <- msg:
	default:
		log.Warn("vector rx buffer full, dropping frame")
	}
	return true
}

func (v *Vector) call(name string, args ...uintptr) error {
	proc, ok := v.procs[name]
	if !ok {
		return fmt.Errorf("vector: %s not loaded", name)
	}
	status, _, _ := proc.Call(args...)
	if int16(status) != vectorStatusSuccess {
		return fmt.Errorf("vector %s: %s", name, v.errorString(int16(status)))
	}
	return nil
}

func (v *Vector) errorString(status int16) string {
	proc, ok := v.procs["xlGetErrorString"]
	if !ok {
		return fmt.Sprintf("status %d", status)
	}
	ptr, _, _ := proc.Call(uintptr(status))
	if ptr == 0 {
		return fmt.Sprintf("status %d", status)
	}
	return windows.BytePtrToString((*byte)(unsafe.Pointer(ptr)))
}
