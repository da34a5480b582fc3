//go:build !windows

package driver

import (
	"context"
	"errors"
)

var errNeedsWindows = errors.New("vendor CAN driver requires windows")

// vendorStub 在非 Windows 平台上代替 PCAN 和 Vector 驱动, Init 总是失败
type vendorStub struct {
	ctx    context.Context
	cancel context.CancelFunc
	rxChan chan UnifiedCANMessage
}

func newVendorStub() *vendorStub {
	ctx, cancel := context.WithCancel(context.Background())
	return &vendorStub{ctx: ctx, cancel: cancel, rxChan: make(chan UnifiedCANMessage)}
}

func NewPCAN(int, uint16) CANDriver { return newVendorStub() }

func NewVector(int, int, uint32) CANDriver { return newVendorStub() }

func (s *vendorStub) Init() error                      { return errNeedsWindows }
func (s *vendorStub) Start()                           {}
func (s *vendorStub) Stop()                            { s.cancel() }
func (s *vendorStub) Write(UnifiedCANMessage) error    { return errNeedsWindows }
func (s *vendorStub) RxChan() <-chan UnifiedCANMessage { return s.rxChan }
func (s *vendorStub) Context() context.Context         { return s.ctx }
