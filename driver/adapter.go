package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/tp_layer"
	log "github.com/sirupsen/logrus"
)

// Adapter owns one CAN device and shares its receive stream between the
// protocol layers running on top of it. All writes go through the adapter so
// there is a single writer per bus.
type Adapter struct {
	driver CANDriver
	fanout *rxFanout
	txMu   sync.Mutex
	closed bool
}

// NewAdapter initialises and starts dev.
func NewAdapter(dev CANDriver) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w: %w", fault.ErrTransport, err)
	}
	dev.Start()

	adapter := &Adapter{
		driver: dev,
		fanout: newRxFanout(dev.Context(), dev.RxChan()),
	}

	log.Debug("CAN adapter created and device started")
	return adapter, nil
}

// Close stops the driver and closes every subscription.
func (t *Adapter) Close() {
	t.txMu.Lock()
	if t.closed {
		t.txMu.Unlock()
		return
	}
	t.closed = true
	t.txMu.Unlock()
	log.Debug("closing CAN adapter")
	t.driver.Stop()
	t.fanout.Close()
}

// Subscribe registers a receiver for frames accepted by filter.
func (t *Adapter) Subscribe(buffer int, filter Filter) (<-chan UnifiedCANMessage, func()) {
	return t.fanout.Subscribe(buffer, filter)
}

// Send writes one raw frame.
func (t *Adapter) Send(msg UnifiedCANMessage) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	if t.closed {
		return fmt.Errorf("adapter closed: %w", fault.ErrTransport)
	}
	logCANMessage(TX, msg)
	if err := t.driver.Write(msg); err != nil {
		return fmt.Errorf("can write 0x%X: %w: %w", msg.ID, fault.ErrTransport, err)
	}
	return nil
}

// SendFrame is Send for callers holding an identifier and payload.
func (t *Adapter) SendFrame(id uint32, extended bool, data []byte) error {
	msg, err := NewMessage(id, extended, data)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// TxFunc sends an ISO-TP frame.
func (t *Adapter) TxFunc(msg tp_layer.CanMessage) error {
	return t.SendFrame(msg.ArbitrationID, msg.IsExtendedID, msg.Data)
}

// ToTP converts a received frame for the ISO-TP layer.
func ToTP(msg UnifiedCANMessage) tp_layer.CanMessage {
	return tp_layer.CanMessage{
		ArbitrationID: msg.ID,
		Data:          append([]byte(nil), msg.Payload()...),
		IsExtendedID:  msg.IsExtended,
		IsFD:          msg.IsFD,
	}
}
