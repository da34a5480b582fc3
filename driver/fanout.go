package driver

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Filter selects the frames a subscriber wants; nil accepts everything.
type Filter func(UnifiedCANMessage) bool

type subscriber struct {
	ch     chan UnifiedCANMessage
	filter Filter
}

type rxFanout struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newRxFanout(ctx context.Context, source <-chan UnifiedCANMessage) *rxFanout {
	f := &rxFanout{
		subs: make(map[*subscriber]struct{}),
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				f.closeAll()
				return
			case msg, ok := <-source:
				if !ok {
					f.closeAll()
					return
				}
				f.dispatch(msg)
			}
		}
	}()
	return f
}

// Subscribe returns a channel of matching frames and a function that removes
// the subscription again.
func (f *rxFanout) Subscribe(buffer int, filter Filter) (<-chan UnifiedCANMessage, func()) {
	sub := &subscriber{ch: make(chan UnifiedCANMessage, buffer), filter: filter}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	f.subs[sub] = struct{}{}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { f.unsubscribe(sub) })
	}
}

func (f *rxFanout) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
}

func (f *rxFanout) dispatch(msg UnifiedCANMessage) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			log.Warnf("订阅者缓冲区已满，丢弃报文 ID=0x%X", msg.ID)
		}
	}
}

func (f *rxFanout) closeAll() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for sub := range subs {
		close(sub.ch)
	}
}

func (f *rxFanout) Close() {
	f.closeAll()
	f.wg.Wait()
}
