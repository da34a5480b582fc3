package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// slcanBitrates maps kbit/s to the SLCAN "Sn" setup command.
var slcanBitrates = map[uint32]byte{
	10: '0', 20: '1', 50: '2', 100: '3', 125: '4',
	250: '5', 500: '6', 800: '7', 1000: '8',
}

// SLCAN drives a serial-line CAN adapter (CANable, USBtin, Lawicel).
type SLCAN struct {
	portName string
	bitrate  uint32
	baud     int

	port   io.ReadWriteCloser
	open   func(name string, baud int) (io.ReadWriteCloser, error)
	wmu    sync.Mutex
	rxChan chan UnifiedCANMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSLCAN creates a driver for the adapter on portName running the CAN bus at
// bitrate kbit/s.
func NewSLCAN(portName string, bitrate uint32) *SLCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		portName: portName,
		bitrate:  bitrate,
		baud:     115200,
		open:     openSerial,
		rxChan:   make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(50 * time.Millisecond); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (s *SLCAN) Init() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return fmt.Errorf("slcan: unsupported bitrate %d kbit/s", s.bitrate)
	}
	p, err := s.open(s.portName, s.baud)
	if err != nil {
		return fmt.Errorf("slcan: open %s: %w", s.portName, err)
	}
	s.port = p
	// close any open channel, set the bit rate and open again
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := io.WriteString(p, cmd); err != nil {
			p.Close()
			return fmt.Errorf("slcan: setup %q: %w", strings.TrimSpace(cmd), err)
		}
		time.Sleep(InitDelay)
	}
	return nil
}

func (s *SLCAN) Start() {
	s.wg.Add(1)
	go s.readLoop()
}

func (s *SLCAN) Stop() {
	s.cancel()
	if s.port != nil {
		s.wmu.Lock()
		_, _ = io.WriteString(s.port, "C\r")
		s.wmu.Unlock()
		s.port.Close()
	}
	s.wg.Wait()
}

func (s *SLCAN) Write(msg UnifiedCANMessage) error {
	if msg.IsFD {
		return errors.New("slcan does not support CAN FD frames")
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := io.WriteString(s.port, encodeSLCAN(msg))
	return err
}

func (s *SLCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SLCAN) Context() context.Context { return s.ctx }

func (s *SLCAN) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 256)
	var line []byte
	for s.ctx.Err() == nil {
		n, err := s.port.Read(buf)
		if err != nil {
			if s.ctx.Err() == nil {
				log.Errorf("slcan read: %v", err)
				s.cancel()
			}
			return
		}
		// n == 0: read timeout on an idle bus
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				if len(line) == 0 {
					continue
				}
				s.deliver(string(line))
				line = line[:0]
			case 0x07: // BEL: adapter rejected the last command
				log.Warn("slcan adapter reported an error")
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (s *SLCAN) deliver(line string) {
	msg, err := decodeSLCAN(line)
	if err != nil {
		log.Debugf("slcan: %v", err)
		return
	}
	logCANMessage(RX, msg)
	select {
	case s.rxChan <- msg:
	default:
		log.Warn("slcan rx buffer full, dropping frame")
	}
}

func encodeSLCAN(msg UnifiedCANMessage) string {
	var b strings.Builder
	if msg.IsExtended {
		fmt.Fprintf(&b, "T%08X", msg.ID&0x1FFFFFFF)
	} else {
		fmt.Fprintf(&b, "t%03X", msg.ID&0x7FF)
	}
	data := msg.Payload()
	b.WriteByte('0' + byte(len(data)))
	for _, d := range data {
		fmt.Fprintf(&b, "%02X", d)
	}
	b.WriteByte('\r')
	return b.String()
}

func decodeSLCAN(line string) (UnifiedCANMessage, error) {
	msg := UnifiedCANMessage{Direction: RX}
	if line == "" {
		return msg, errors.New("empty line")
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		msg.IsExtended = true
	default:
		return msg, fmt.Errorf("ignoring %q", line)
	}
	if len(line) < 1+idLen+1 {
		return msg, fmt.Errorf("short frame %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return msg, fmt.Errorf("bad id in %q: %w", line, err)
	}
	dlc := line[1+idLen] - '0'
	if dlc > 8 {
		return msg, fmt.Errorf("bad dlc in %q", line)
	}
	hexData := line[2+idLen:]
	// some adapters append a 4 digit timestamp
	if len(hexData) < int(dlc)*2 {
		return msg, fmt.Errorf("short data in %q", line)
	}
	for i := 0; i < int(dlc); i++ {
		v, err := strconv.ParseUint(hexData[i*2:i*2+2], 16, 8)
		if err != nil {
			return msg, fmt.Errorf("bad data in %q: %w", line, err)
		}
		msg.Data[i] = byte(v)
	}
	msg.ID = uint32(id)
	msg.DLC = dlc
	return msg, nil
}
