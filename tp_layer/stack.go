package tp_layer

import (
	"context"
	"sync"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	log "github.com/sirupsen/logrus"
)

// openSYDE 的 CAN 传输层只用经典 CAN 帧
const frameLength = 8

// inbound 是一条完整接收的消息和发送它的服务器
type inbound struct {
	source node.Address
	data   []byte
}

// receiver 是接收方向的分段重组状态
type receiver struct {
	source     node.Address
	state      State
	buf        []byte
	size       int
	seq        int
	blockCount int
	timeout    *time.Timer // N_Cr
}

func (r *receiver) reset() {
	r.source = node.Address{}
	r.state = StateIdle
	r.buf = nil
	r.size = 0
	r.seq = 0
	r.blockCount = 0
	stopTimer(r.timeout)
}

// sender 是发送方向的分段状态; 流控参数来自对端最近一次 FC
type sender struct {
	state      State
	pending    []byte
	seq        int
	blockCount int
	waits      int
	blockSize  int
	stMin      time.Duration
	fcTimeout  *time.Timer // N_Bs
	stMinTimer *time.Timer
}

func (s *sender) reset() {
	s.state = StateIdle
	s.pending = nil
	s.seq = 0
	s.blockCount = 0
	s.waits = 0
	stopTimer(s.fcTimeout)
	stopTimer(s.stMinTimer)
}

// Transport 是一条点对点连接的 ISO-TP 协议栈, 所有状态只在 Run 的 goroutine 中修改
type Transport struct {
	addrMu  sync.RWMutex
	address *Address
	config  Config

	rx receiver
	tx sender

	rxDataChan chan inbound
	txDataChan chan []byte

	ErrorChan chan error
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func NewTransport(address *Address, cfg Config) *Transport {
	t := &Transport{
		address:    address,
		config:     cfg,
		rx:         receiver{timeout: newStoppedTimer()},
		tx:         sender{fcTimeout: newStoppedTimer(), stMinTimer: newStoppedTimer()},
		rxDataChan: make(chan inbound, 16),
		txDataChan: make(chan []byte, 16),
		ErrorChan:  make(chan error, 16),
	}
	return t
}

// SetPeer 切换对端服务器地址; 之后只接收该服务器发给本端的报文
func (t *Transport) SetPeer(peer node.Address) {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	if t.address.Peer == peer {
		return
	}
	next := *t.address
	next.Peer = peer
	t.address = &next
}

// Peer returns the server currently addressed.
func (t *Transport) Peer() node.Address {
	return t.currentAddress().Peer
}

func (t *Transport) currentAddress() *Address {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	return t.address
}

// Send queues one message. It blocks while the send buffer is full.
func (t *Transport) Send(data []byte) {
	t.txDataChan <- data
}

// Recv 非阻塞地取出一条完整接收的消息
func (t *Transport) Recv() ([]byte, bool) {
	_, data, ok := t.RecvFrom()
	return data, ok
}

// RecvFrom 同 Recv, 同时返回帧到达时的发送方地址 (之后 SetPeer 不影响它)
func (t *Transport) RecvFrom() (node.Address, []byte, bool) {
	select {
	case m := <-t.rxDataChan:
		return m.source, m.data, true
	default:
		return node.Address{}, nil, false
	}
}

// Run 协议栈事件循环, 直到 ctx 结束或 rxChan 关闭
func (t *Transport) Run(ctx context.Context, rxChan <-chan CanMessage, txChan chan<- CanMessage) {
	defer func() {
		t.rx.reset()
		t.tx.reset()
	}()

	for {
		// 上一条消息发完之前不取新的发送请求
		var next <-chan []byte
		if t.tx.state == StateIdle {
			next = t.txDataChan
		}

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-rxChan:
			if !ok {
				return
			}
			t.ProcessRx(msg, txChan)

		case data := <-next:
			t.initiateTx(data, txChan)

		case <-t.rx.timeout.C:
			log.Warnf("tp %s: consecutive frame timeout, %d/%d bytes dropped", t.Peer(), len(t.rx.buf), t.rx.size)
			t.rx.reset()

		case <-t.tx.fcTimeout.C:
			log.Warnf("tp %s: no flow control frame", t.Peer())
			t.fireError(errFlowControlTimeout)
			t.tx.reset()

		case <-t.tx.stMinTimer.C:
			if t.tx.state == StateTransmit {
				t.sendConsecutive(txChan)
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func restartTimer(timer *time.Timer, d time.Duration) {
	stopTimer(timer)
	timer.Reset(d)
}

// makeTxMsg 加上地址前缀, 配置了填充字节时补齐到 8 字节
func (t *Transport) makeTxMsg(data []byte, addrType AddressType) CanMessage {
	addr := t.currentAddress()
	payload := append(append([]byte(nil), addr.TxPayloadPrefix...), data...)
	if pad := t.config.PaddingByte; pad != nil {
		for len(payload) < frameLength {
			payload = append(payload, *pad)
		}
	}
	return CanMessage{
		ArbitrationID: addr.GetTxArbitrationID(addrType),
		Data:          payload,
		IsExtendedID:  addr.Is29Bit(),
	}
}

func (t *Transport) emit(msg CanMessage, txChan chan<- CanMessage) bool {
	select {
	case txChan <- msg:
		return true
	default:
		t.fireError(errTxChannelFull)
		return false
	}
}

// fireError 不阻塞; 没人读错误时只记日志
func (t *Transport) fireError(err error) {
	select {
	case t.ErrorChan <- err:
	default:
		log.Warnf("tp error dropped: %v", err)
	}
}
