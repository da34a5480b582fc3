//go:build windows

package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

const (
	pcanDLLName     = "PCANBasic.dll"
	pcanLangEnglish = 0x09

	pcanErrorOK        = 0x00000
	pcanErrorBusLight  = 0x00004
	pcanErrorBusHeavy  = 0x00008
	pcanErrorBusOff    = 0x00010
	pcanErrorQRCVEmpty = 0x00020
	pcanErrorIllData   = 0x20000

	pcanMessageStandard = 0x00
	pcanMessageExtended = 0x02
	pcanMessageFD       = 0x04
	pcanMessageErrFrame = 0x40
	pcanMessageStatus   = 0x80
)

// TPCANMsg
type pcanMsg struct {
	ID      uint32
	MsgType uint8
	Len     uint8
	Data    [8]byte
}

// TPCANTimestamp
type pcanTimestamp struct {
	Millis         uint32
	MillisOverflow uint16
	Micros         uint16
}

// PCAN drives a PEAK USB adapter through PCAN-Basic, classic CAN only.
type PCAN struct {
	channel int
	handle  uint16
	baud    uint16

	rxChan chan UnifiedCANMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	initProc    *windows.LazyProc
	uninitProc  *windows.LazyProc
	readProc    *windows.LazyProc
	writeProc   *windows.LazyProc
	errTextProc *windows.LazyProc
}

// NewPCAN creates a driver for the 0 based USB channel; baud is a PCAN-Basic
// BTR0BTR1 code.
func NewPCAN(channel int, baud uint16) *PCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &PCAN{
		channel: channel,
		handle:  pcanUSBHandle(channel),
		baud:    baud,
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func pcanDLLCandidates() []string {
	var out []string
	if p := os.Getenv("PCAN_DLL_PATH"); p != "" {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			p = filepath.Join(p, pcanDLLName)
		}
		out = append(out, p)
	}
	out = append(out, bundledDLL(pcanDLLName), pcanDLLName)

	arch := "x64"
	if runtime.GOARCH == "386" {
		arch = "Win32"
	}
	for _, root := range []string{os.Getenv("ProgramFiles"), os.Getenv("ProgramFiles(x86)")} {
		if root != "" {
			out = append(out, filepath.Join(root, "PEAK-System", "PCAN-Basic", arch, pcanDLLName))
		}
	}
	return out
}

func (p *PCAN) Init() error {
	dll, err := loadDLL(pcanDLLCandidates(), "CAN_Initialize", "CAN_Uninitialize", "CAN_Read", "CAN_Write", "CAN_GetErrorText")
	if err != nil {
		return fmt.Errorf("pcan: %w", err)
	}
	p.initProc = dll.NewProc("CAN_Initialize")
	p.uninitProc = dll.NewProc("CAN_Uninitialize")
	p.readProc = dll.NewProc("CAN_Read")
	p.writeProc = dll.NewProc("CAN_Write")
	p.errTextProc = dll.NewProc("CAN_GetErrorText")

	// 即插即用设备忽略后三个参数
	status, _, _ := p.initProc.Call(uintptr(p.handle), uintptr(p.baud), 0, 0, 0)
	if uint32(status) != pcanErrorOK {
		return fmt.Errorf("pcan channel %d: %s", p.channel, p.statusText(uint32(status)))
	}
	log.Debugf("pcan channel %d (handle 0x%X) initialised", p.channel, p.handle)
	return nil
}

func (p *PCAN) Start() {
	// 丢弃打开通道之前积压的帧
	for {
		var msg pcanMsg
		var ts pcanTimestamp
		if p.read(&msg, &ts) != pcanErrorOK {
			break
		}
	}
	p.wg.Add(1)
	go p.readLoop()
}

func (p *PCAN) Stop() {
	p.cancel()
	p.wg.Wait()
	if p.uninitProc != nil {
		_, _, _ = p.uninitProc.Call(uintptr(p.handle))
	}
}

func (p *PCAN) Write(msg UnifiedCANMessage) error {
	if msg.IsFD {
		return fmt.Errorf("pcan driver does not support CAN FD frames")
	}
	frame := pcanMsg{ID: msg.ID, MsgType: pcanMessageStandard, Len: msg.DLC}
	if msg.IsExtended {
		frame.MsgType = pcanMessageExtended
	}
	copy(frame.Data[:], msg.Payload())
	status, _, _ := p.writeProc.Call(uintptr(p.handle), uintptr(unsafe.Pointer(&frame)))
	if uint32(status) != pcanErrorOK {
		return fmt.Errorf("pcan write: %s", p.statusText(uint32(status)))
	}
	return nil
}

func (p *PCAN) RxChan() <-chan UnifiedCANMessage { return p.rxChan }

func (p *PCAN) Context() context.Context { return p.ctx }

func (p *PCAN) readLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.readBurst()
		}
	}
}

// readBurst 读空驱动队列
func (p *PCAN) readBurst() {
	for {
		var frame pcanMsg
		var ts pcanTimestamp
		status := p.read(&frame, &ts)
		switch {
		case status == pcanErrorOK:
		case status == pcanErrorQRCVEmpty:
			return
		case status&pcanErrorBusOff != 0:
			log.Errorf("pcan channel %d: %s", p.channel, p.statusText(status))
			return
		case status&(pcanErrorBusLight|pcanErrorBusHeavy) != 0:
			log.Warnf("pcan channel %d: %s", p.channel, p.statusText(status))
			continue
		default:
			log.Warnf("pcan read: %s", p.statusText(status))
			return
		}
		if frame.MsgType&(pcanMessageErrFrame|pcanMessageStatus|pcanMessageFD) != 0 {
			continue
		}
		msg := UnifiedCANMessage{
			Direction:  RX,
			ID:         frame.ID,
			DLC:        min(frame.Len, 8),
			IsExtended: frame.MsgType&pcanMessageExtended != 0,
		}
		copy(msg.Data[:], frame.Data[:msg.DLC])
		logCANMessage(RX, msg)
		select {
		case p.rxChan <- msg:
		default:
			log.Warn("pcan rx buffer full, dropping frame")
		}
	}
}

func (p *PCAN) read(msg *pcanMsg, ts *pcanTimestamp) uint32 {
	if p.readProc == nil {
		return pcanErrorIllData
	}
	status, _, _ := p.readProc.Call(uintptr(p.handle), uintptr(unsafe.Pointer(msg)), uintptr(unsafe.Pointer(ts)))
	return uint32(status)
}

func (p *PCAN) statusText(status uint32) string {
	if p.errTextProc == nil {
		return fmt.Sprintf("status 0x%X", status)
	}
	var buf [256]byte
	ret, _, _ := p.errTextProc.Call(uintptr(status), pcanLangEnglish, uintptr(unsafe.Pointer(&buf[0])))
	if uint32(ret) != pcanErrorOK {
		return fmt.Sprintf("status 0x%X", status)
	}
	if n := bytes.IndexByte(buf[:], 0); n >= 0 {
		return string(buf[:n])
	}
	return string(buf[:])
}
