package eth_layer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	log "github.com/sirupsen/logrus"
)

type packet struct {
	source node.Address
	data   []byte
}

// TCPLink is one diagnostic connection to a server or a routing gateway.
// 每个节点一条连接, 它的错误都只算这个节点的失败 (fault.ErrUnreachable).
type TCPLink struct {
	conn   net.Conn
	client node.Address
	rx     chan packet

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

// Dial connects to ip and performs routing activation. port 0 selects DefaultPort.
// 失败只影响这一个节点, 错误包装 fault.ErrUnreachable.
func Dial(ctx context.Context, ip net.IP, port int, client node.Address) (*TCPLink, error) {
	if port == 0 {
		port = DefaultPort
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %w", ip, fault.ErrUnreachable, err)
	}
	l := &TCPLink{
		conn:   conn,
		client: client,
		rx:     make(chan packet, 32),
		done:   make(chan struct{}),
	}
	if err := l.activateRouting(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	go l.readLoop()
	log.Debugf("tcp link to %s established", conn.RemoteAddr())
	return l, nil
}

func (l *TCPLink) activateRouting(ctx context.Context) error {
	req := make([]byte, 7)
	binary.BigEndian.PutUint16(req[0:2], l.client.Raw())
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetDeadline(deadline)
	defer l.conn.SetDeadline(time.Time{})

	if err := WriteFrame(l.conn, TypeRoutingActivationRequest, req); err != nil {
		return fmt.Errorf("routing activation: %w: %w", fault.ErrUnreachable, err)
	}
	for {
		t, payload, err := ReadFrame(l.conn)
		if err != nil {
			return fmt.Errorf("routing activation response: %w: %w", fault.ErrUnreachable, err)
		}
		if t != TypeRoutingActivationResponse {
			continue
		}
		if len(payload) < 5 {
			return fmt.Errorf("routing activation response too short: %w", fault.ErrUnreachable)
		}
		if code := payload[4]; code != routingActivationSuccess {
			return fmt.Errorf("routing activation denied (code 0x%02X): %w", code, fault.ErrUnreachable)
		}
		return nil
	}
}

func (l *TCPLink) readLoop() {
	defer close(l.done)
	for {
		t, payload, err := ReadFrame(l.conn)
		if err != nil {
			l.fail(err)
			return
		}
		switch t {
		case TypeDiagnosticMessage:
			if len(payload) < 4 {
				log.Debug("short diagnostic message dropped")
				continue
			}
			p := packet{
				source: node.AddressFromRaw(binary.BigEndian.Uint16(payload[0:2])),
				data:   append([]byte(nil), payload[4:]...),
			}
			select {
			case l.rx <- p:
			default:
				log.Warn("tcp rx buffer full, dropping message")
			}
		case TypeDiagnosticNack:
			code := byte(0)
			if len(payload) >= 5 {
				code = payload[4]
			}
			log.Warnf("server rejected diagnostic message (nack 0x%02X)", code)
		case TypeAliveCheckRequest:
			resp := make([]byte, 2)
			binary.BigEndian.PutUint16(resp, l.client.Raw())
			l.mu.Lock()
			_ = WriteFrame(l.conn, TypeAliveCheckResponse, resp)
			l.mu.Unlock()
		}
	}
}

func (l *TCPLink) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.err != nil {
		return
	}
	l.err = fmt.Errorf("tcp link: %w: %w", fault.ErrUnreachable, err)
	log.Error(l.err)
}

// Send wraps data into a diagnostic message for target.
func (l *TCPLink) Send(target node.Address, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.closed {
		return fmt.Errorf("tcp link closed: %w", fault.ErrUnreachable)
	}
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(payload[0:2], l.client.Raw())
	binary.BigEndian.PutUint16(payload[2:4], target.Raw())
	copy(payload[4:], data)
	if err := WriteFrame(l.conn, TypeDiagnosticMessage, payload); err != nil {
		return fmt.Errorf("tcp send: %w: %w", fault.ErrUnreachable, err)
	}
	return nil
}

// Recv returns a pending message without blocking.
func (l *TCPLink) Recv() (node.Address, []byte, bool) {
	select {
	case p := <-l.rx:
		return p.source, p.data, true
	default:
		return node.Address{}, nil, false
	}
}

// Err reports a broken connection.
func (l *TCPLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *TCPLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	err := l.conn.Close()
	<-l.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
