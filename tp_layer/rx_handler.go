package tp_layer

import (
	"fmt"

	"github.com/LoveWonYoung/sydeflash/node"
	log "github.com/sirupsen/logrus"
)

// ProcessRx 处理一帧接收报文; txChan 用于直接回复流控帧
func (t *Transport) ProcessRx(msg CanMessage, txChan chan<- CanMessage) {
	addr := t.currentAddress()
	if !addr.IsForMe(&msg) {
		return
	}
	source := addr.Peer
	if src, _, _, ok := ParseArbitrationID(msg.ArbitrationID); ok {
		source = src
	}
	frame, err := ParseFrame(&msg, addr.RxPrefixSize)
	if err != nil {
		t.fireError(fmt.Errorf("tp: bad frame %s: %w", msg.String(), err))
		return
	}

	switch f := frame.(type) {
	case *FlowControlFrame:
		t.handleTxFlowControl(f)
	case *SingleFrame:
		t.interruptRx("single frame")
		t.deliver(source, f.Data)
	case *FirstFrame:
		t.interruptRx("first frame")
		t.startRx(source, f, txChan)
	case *ConsecutiveFrame:
		t.continueRx(f, txChan)
	}
}

// interruptRx 新消息开头打断了正在重组的消息
func (t *Transport) interruptRx(by string) {
	if t.rx.state != StateIdle {
		t.fireError(fmt.Errorf("tp: reception of %d bytes interrupted by %s", t.rx.size, by))
	}
	t.rx.reset()
}

func (t *Transport) deliver(source node.Address, data []byte) {
	select {
	case t.rxDataChan <- inbound{source: source, data: data}:
	default:
		log.Warnf("tp %s: rx buffer full, %d bytes dropped", t.Peer(), len(data))
	}
}

func (t *Transport) startRx(source node.Address, f *FirstFrame, txChan chan<- CanMessage) {
	rx := &t.rx
	if len(f.Data) >= f.TotalSize {
		t.deliver(source, f.Data[:f.TotalSize])
		return
	}
	rx.source = source
	rx.size = f.TotalSize
	rx.buf = append(make([]byte, 0, f.TotalSize), f.Data...)
	rx.seq = 1
	rx.state = StateWaitCF
	t.sendFlowControl(FlowStatusContinueToSend, txChan)
	restartTimer(rx.timeout, t.config.TimeoutN_Cr)
}

func (t *Transport) continueRx(f *ConsecutiveFrame, txChan chan<- CanMessage) {
	rx := &t.rx
	if rx.state != StateWaitCF {
		return
	}
	if f.SequenceNumber != rx.seq {
		t.fireError(fmt.Errorf("tp: sequence number %d, want %d", f.SequenceNumber, rx.seq))
		rx.reset()
		return
	}
	rx.seq = (rx.seq + 1) & 0x0F

	data := f.Data
	if missing := rx.size - len(rx.buf); len(data) > missing {
		data = data[:missing]
	}
	rx.buf = append(rx.buf, data...)
	if len(rx.buf) == rx.size {
		t.deliver(rx.source, rx.buf)
		rx.buf = nil
		rx.reset()
		return
	}

	restartTimer(rx.timeout, t.config.TimeoutN_Cr)
	rx.blockCount++
	if t.config.BlockSize > 0 && rx.blockCount >= t.config.BlockSize {
		rx.blockCount = 0
		t.sendFlowControl(FlowStatusContinueToSend, txChan)
	}
}

func (t *Transport) sendFlowControl(status FlowStatus, txChan chan<- CanMessage) {
	t.emit(t.makeTxMsg(createFlowControlPayload(status, t.config.BlockSize, t.config.StMin), Physical), txChan)
}
