package tp_layer

import (
	"errors"
	"fmt"
)

var (
	errFlowControlTimeout = errors.New("tp: flow control timeout")
	errOverflow           = errors.New("tp: receiver reported overflow")
	errTooManyWaits       = errors.New("tp: too many wait flow control frames")
	errTxChannelFull      = errors.New("tp: tx channel full, frame dropped")
)

// initiateTx 开始发送一条新消息, 仅在发送方向空闲时由 Run 调用
func (t *Transport) initiateTx(payload []byte, txChan chan<- CanMessage) {
	// 经典 CAN 单帧最多 7 字节
	if len(payload) < frameLength {
		data, err := createSingleFramePayload(payload, frameLength)
		if err != nil {
			t.fireError(fmt.Errorf("tp: single frame: %w", err))
			return
		}
		t.emit(t.makeTxMsg(data, Physical), txChan)
		return
	}

	head := frameLength - 2
	if len(payload) > 0xFFF {
		head = frameLength - 6
	}
	data, err := createFirstFramePayload(payload[:head], len(payload), frameLength)
	if err != nil {
		t.fireError(fmt.Errorf("tp: first frame: %w", err))
		return
	}
	if !t.emit(t.makeTxMsg(data, Physical), txChan) {
		return
	}
	t.tx.pending = payload[head:]
	t.tx.seq = 1
	t.tx.state = StateWaitFC
	restartTimer(t.tx.fcTimeout, t.config.TimeoutN_Bs)
}

func (t *Transport) handleTxFlowControl(fc *FlowControlFrame) {
	tx := &t.tx
	if tx.state != StateWaitFC {
		// 迟到或多余的流控帧
		return
	}
	stopTimer(tx.fcTimeout)

	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		tx.waits = 0
		tx.blockSize = fc.BlockSize
		tx.stMin = fc.STmin
		tx.blockCount = 0
		tx.state = StateTransmit
		// 第一个连续帧也经 STmin 定时器发出, 不在接收路径里连续发送
		restartTimer(tx.stMinTimer, fc.STmin)

	case FlowStatusWait:
		tx.waits++
		if t.config.MaxWait > 0 && tx.waits > t.config.MaxWait {
			t.fireError(errTooManyWaits)
			tx.reset()
			return
		}
		restartTimer(tx.fcTimeout, t.config.TimeoutN_Bs)

	case FlowStatusOverflow:
		t.fireError(errOverflow)
		tx.reset()
	}
}

// sendConsecutive 在 STmin 到期时发送下一个连续帧
func (t *Transport) sendConsecutive(txChan chan<- CanMessage) {
	tx := &t.tx
	chunk := tx.pending
	if len(chunk) > frameLength-1 {
		chunk = chunk[:frameLength-1]
	}
	data, err := createConsecutiveFramePayload(chunk, tx.seq)
	if err != nil {
		t.fireError(fmt.Errorf("tp: consecutive frame: %w", err))
		tx.reset()
		return
	}
	if !t.emit(t.makeTxMsg(data, Physical), txChan) {
		// 丢了一个连续帧, 整条消息作废
		tx.reset()
		return
	}
	tx.pending = tx.pending[len(chunk):]
	tx.seq = (tx.seq + 1) & 0x0F
	tx.blockCount++

	switch {
	case len(tx.pending) == 0:
		tx.reset()
	case tx.blockSize > 0 && tx.blockCount >= tx.blockSize:
		tx.state = StateWaitFC
		restartTimer(tx.fcTimeout, t.config.TimeoutN_Bs)
	default:
		restartTimer(tx.stMinTimer, tx.stMin)
	}
}
