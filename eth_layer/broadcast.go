package eth_layer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	log "github.com/sirupsen/logrus"
)

// BroadcastSocket sends openSYDE broadcast services over UDP and collects the
// answers of every server on the subnet.
type BroadcastSocket struct {
	conn   *net.UDPConn
	target *net.UDPAddr
}

// ListenBroadcast opens a socket sending to target; nil means
// 255.255.255.255:13400.
func ListenBroadcast(ctx context.Context, target *net.UDPAddr) (*BroadcastSocket, error) {
	if target == nil {
		target = &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort}
	}
	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open udp broadcast socket: %w: %w", fault.ErrTransport, err)
	}
	return &BroadcastSocket{conn: pc.(*net.UDPConn), target: target}, nil
}

// Send transmits one broadcast service request.
func (b *BroadcastSocket) Send(payload []byte) error {
	if _, err := b.conn.WriteToUDP(EncodeFrame(TypeBroadcast, payload), b.target); err != nil {
		return fmt.Errorf("udp broadcast: %w: %w", fault.ErrTransport, err)
	}
	return nil
}

// Collect hands every broadcast response to fn until window elapses, ctx ends
// or fn returns false. Malformed datagrams are skipped.
func (b *BroadcastSocket) Collect(ctx context.Context, window time.Duration, fn func(from *net.UDPAddr, payload []byte) bool) error {
	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// wake up regularly so ctx cancellation is noticed
		next := time.Now().Add(50 * time.Millisecond)
		if next.After(deadline) {
			next = deadline
		}
		if err := b.conn.SetReadDeadline(next); err != nil {
			return fmt.Errorf("udp deadline: %w: %w", fault.ErrTransport, err)
		}
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if !time.Now().Before(deadline) {
					return nil
				}
				continue
			}
			return fmt.Errorf("udp receive: %w: %w", fault.ErrTransport, err)
		}
		t, payload, err := DecodeFrame(buf[:n])
		if err != nil || t != TypeBroadcast {
			log.Debugf("ignoring datagram from %s: %v", from, err)
			continue
		}
		if !fn(from, append([]byte(nil), payload...)) {
			return nil
		}
	}
}

func (b *BroadcastSocket) Close() error {
	return b.conn.Close()
}
