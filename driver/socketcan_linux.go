//go:build linux

package driver

import (
	"context"
	"fmt"
	"net"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

const (
	effFlag uint32 = 1 << 31
	effMask uint32 = 0x1FFFFFFF
	sffMask uint32 = 0x7FF
)

// SocketCAN drives a Linux SocketCAN interface (can0, vcan0, ...). The bit
// rate is a property of the interface and configured outside the process.
type SocketCAN struct {
	iface  string
	bus    *can.Bus
	rxChan chan UnifiedCANMessage
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSocketCAN(iface string) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *SocketCAN) Init() error {
	ifc, err := net.InterfaceByName(s.iface)
	if err != nil {
		return fmt.Errorf("socketcan interface %s: %w", s.iface, err)
	}
	conn, err := can.NewReadWriteCloserForInterface(ifc)
	if err != nil {
		return fmt.Errorf("open socketcan %s: %w", s.iface, err)
	}
	s.bus = can.NewBus(conn)
	s.bus.SubscribeFunc(s.handle)
	return nil
}

func (s *SocketCAN) Start() {
	go func() {
		if err := s.bus.ConnectAndPublish(); err != nil && s.ctx.Err() == nil {
			log.Errorf("socketcan %s: %v", s.iface, err)
			s.cancel()
		}
	}()
}

func (s *SocketCAN) Stop() {
	s.cancel()
	if s.bus != nil {
		_ = s.bus.Disconnect()
	}
}

func (s *SocketCAN) Write(msg UnifiedCANMessage) error {
	if msg.IsFD {
		return fmt.Errorf("socketcan driver does not support CAN FD frames")
	}
	frame := can.Frame{
		ID:     msg.ID & sffMask,
		Length: msg.DLC,
	}
	if msg.IsExtended {
		frame.ID = (msg.ID & effMask) | effFlag
	}
	copy(frame.Data[:], msg.Payload())
	return s.bus.Publish(frame)
}

func (s *SocketCAN) handle(frame can.Frame) {
	msg := UnifiedCANMessage{
		Direction:  RX,
		ID:         frame.ID & sffMask,
		DLC:        frame.Length,
		IsExtended: frame.ID&effFlag != 0,
	}
	if msg.IsExtended {
		msg.ID = frame.ID & effMask
	}
	if msg.DLC > 8 {
		msg.DLC = 8
	}
	copy(msg.Data[:], frame.Data[:msg.DLC])
	logCANMessage(RX, msg)
	select {
	case s.rxChan <- msg:
	default:
		log.Warn("socketcan rx buffer full, dropping frame")
	}
}

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SocketCAN) Context() context.Context { return s.ctx }
