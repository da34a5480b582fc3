package osy_client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	isotp "github.com/LoveWonYoung/sydeflash/tp_layer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 通道缓冲区大小常量
const (
	adapterRxBufferSize = 100 // 适配器接收缓冲区大小
	adapterTxBufferSize = 100 // 适配器发送缓冲区大小
)

var errAdapterClosed = errors.New("CAN adapter closed")

// CANLink 把 ISO-TP 协议栈接到共享的 CAN 适配器上
type CANLink struct {
	stack       *isotp.Transport
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}

	mu  sync.Mutex
	err error
}

// NewCANLink 在 bus 上以客户端地址运行一个 ISO-TP 协议栈
func NewCANLink(adapter *driver.Adapter, bus uint8, cfg isotp.Config) *CANLink {
	client := node.Client(bus)
	stack := isotp.NewTransport(isotp.NewAddress(client, node.Broadcast(bus)), cfg)

	// 只订阅发给本端的物理寻址报文, 广播响应交给 broadcast 包
	sub, unsubscribe := adapter.Subscribe(driver.SubscriberBuffer, func(m driver.UnifiedCANMessage) bool {
		if !m.IsExtended {
			return false
		}
		_, target, functional, ok := isotp.ParseArbitrationID(m.ID)
		return ok && !functional && target == client
	})

	ctx, cancel := context.WithCancel(context.Background())
	l := &CANLink{
		stack:       stack,
		cancel:      cancel,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}

	rxFromAdapter := make(chan isotp.CanMessage, adapterRxBufferSize)
	txToAdapter := make(chan isotp.CanMessage, adapterTxBufferSize)

	g, gctx := errgroup.WithContext(ctx)
	// a. 从适配器接收数据，送入协议栈
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-sub:
				if !ok {
					if gctx.Err() != nil {
						return nil
					}
					return errAdapterClosed
				}
				select {
				case rxFromAdapter <- driver.ToTP(msg):
				case <-gctx.Done():
					return nil
				}
			}
		}
	})
	// b. 从协议栈获取待发送数据，通过适配器发送
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-txToAdapter:
				if err := adapter.TxFunc(msg); err != nil {
					return err
				}
			}
		}
	})
	// c. 驱动协议栈核心状态机
	g.Go(func() error {
		stack.Run(gctx, rxFromAdapter, txToAdapter)
		return nil
	})
	// d. 协议栈错误只记录日志, 上层通过超时感知
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-stack.ErrorChan:
				log.Warnf("[ISOTP] %v", err)
			}
		}
	})

	go func() {
		defer close(l.done)
		if err := g.Wait(); err != nil {
			l.mu.Lock()
			l.err = fmt.Errorf("can link: %w: %w", fault.ErrTransport, err)
			l.mu.Unlock()
			log.Error(l.err)
		}
	}()

	log.Debugf("CAN link started on bus %d", bus)
	return l
}

func (l *CANLink) Send(target node.Address, data []byte) error {
	if err := l.Err(); err != nil {
		return err
	}
	l.stack.SetPeer(target)
	l.stack.Send(data)
	return nil
}

func (l *CANLink) Recv() (node.Address, []byte, bool) {
	return l.stack.RecvFrom()
}

func (l *CANLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close 停止后台 goroutine; 适配器由调用方关闭
func (l *CANLink) Close() error {
	l.cancel()
	l.unsubscribe()
	<-l.done
	return nil
}
