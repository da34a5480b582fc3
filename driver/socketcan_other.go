//go:build !linux

package driver

import (
	"context"
	"errors"
)

// SocketCAN is only available on Linux.
type SocketCAN struct {
	ctx    context.Context
	cancel context.CancelFunc
	rxChan chan UnifiedCANMessage
}

func NewSocketCAN(string) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{ctx: ctx, cancel: cancel, rxChan: make(chan UnifiedCANMessage)}
}

func (s *SocketCAN) Init() error                      { return errors.New("socketcan requires linux") }
func (s *SocketCAN) Start()                           {}
func (s *SocketCAN) Stop()                            { s.cancel() }
func (s *SocketCAN) Write(UnifiedCANMessage) error    { return errors.New("socketcan requires linux") }
func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }
func (s *SocketCAN) Context() context.Context         { return s.ctx }
