package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
	log "github.com/sirupsen/logrus"
)

// 以太网广播服务字节
const (
	ethGetDeviceInfo         byte = 0xBA
	ethSetIPAddress          byte = 0xB5
	ethSetIPAddressExt       byte = 0xB6
	ethRequestProgramming    byte = 0xB8
	ethNetReset              byte = 0xB1
	ethGetDeviceInfoResponse byte = 0xFA
	ethSetIPResponse         byte = 0xF5
	ethSetIPResponseExt      byte = 0xF6
	ethRequestProgrammingOK  byte = 0xF8
)

// Socket is the UDP access the resolver needs; *eth_layer.BroadcastSocket
// implements it.
type Socket interface {
	Send(payload []byte) error
	Collect(ctx context.Context, window time.Duration, fn func(from *net.UDPAddr, payload []byte) bool) error
}

// DeviceInfo is one answer to GetDeviceInformation.
type DeviceInfo struct {
	Address    node.Address
	IP         net.IP
	NetMask    net.IP
	Gateway    net.IP
	MAC        net.HardwareAddr
	Serial     node.SerialNumber
	DeviceName string
	// From is where the answer came from; it may differ from IP while the
	// device is not yet configured for this subnet.
	From *net.UDPAddr
}

// IPConfig is what SetIPAddress assigns.
type IPConfig struct {
	IP      net.IP
	NetMask net.IP
	Gateway net.IP
	Address node.Address
}

func (c IPConfig) encode() ([]byte, error) {
	ip, mask, gw := c.IP.To4(), c.NetMask.To4(), c.Gateway.To4()
	if ip == nil || mask == nil {
		return nil, fmt.Errorf("IPv4 address and netmask required: %w", fault.ErrPrecondition)
	}
	if gw == nil {
		gw = net.IPv4zero.To4()
	}
	if err := c.Address.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
	}
	out := make([]byte, 0, 14)
	out = append(out, ip...)
	out = append(out, mask...)
	out = append(out, gw...)
	return append(out, c.Address.Bus, c.Address.Node), nil
}

// Ethernet runs broadcast services on one Ethernet subnet.
type Ethernet struct {
	tracker
	sock  Socket
	cfg   Config
	reqMu sync.Mutex
}

func NewEthernet(sock Socket, opts ...Option) *Ethernet {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Ethernet{tracker: tracker{name: "ETH"}, sock: sock, cfg: cfg}
}

func (e *Ethernet) exchange(ctx context.Context, req []byte, window time.Duration, fn func(from *net.UDPAddr, p []byte) bool) error {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	e.set(Idle)
	if err := e.sock.Send(req); err != nil {
		return err
	}
	e.set(BroadcastSent)
	return e.sock.Collect(ctx, window, func(from *net.UDPAddr, p []byte) bool {
		if len(p) == 0 {
			return true
		}
		e.set(CollectingResponses)
		return fn(from, p)
	})
}

// GetDeviceInformation 收集子网内所有设备的信息; 格式错误的应答被忽略
func (e *Ethernet) GetDeviceInformation(ctx context.Context) ([]DeviceInfo, error) {
	devices := []DeviceInfo{}
	err := e.exchange(ctx, []byte{ethGetDeviceInfo}, e.cfg.Window, func(from *net.UDPAddr, p []byte) bool {
		if p[0] != ethGetDeviceInfoResponse {
			return true
		}
		info, err := parseDeviceInfo(p)
		if err != nil {
			log.Debugf("ignoring device information from %s: %v", from, err)
			return true
		}
		info.From = from
		devices = append(devices, info)
		return true
	})
	if err != nil {
		return nil, err
	}
	e.finish(len(devices))
	return devices, nil
}

// [FA bus node ip4 mask4 gw4 mac6 snFormat snLen sn... nameLen name...]
func parseDeviceInfo(p []byte) (DeviceInfo, error) {
	const fixed = 1 + 2 + 4 + 4 + 4 + 6 + 2
	if len(p) < fixed {
		return DeviceInfo{}, fmt.Errorf("response too short: %d bytes", len(p))
	}
	info := DeviceInfo{
		Address: node.Address{Bus: p[1], Node: p[2]},
		IP:      net.IPv4(p[3], p[4], p[5], p[6]),
		NetMask: net.IPv4(p[7], p[8], p[9], p[10]),
		Gateway: net.IPv4(p[11], p[12], p[13], p[14]),
		MAC:     net.HardwareAddr(append([]byte(nil), p[15:21]...)),
	}
	if err := info.Address.Validate(); err != nil {
		return DeviceInfo{}, err
	}
	format, snLen := p[21], int(p[22])
	rest := p[23:]
	if len(rest) < snLen+1 {
		return DeviceInfo{}, fmt.Errorf("serial number truncated")
	}
	sn := rest[:snLen]
	if format == 0 {
		if snLen != node.POSSerialLength {
			return DeviceInfo{}, fmt.Errorf("POS serial number of %d bytes", snLen)
		}
		var pos [node.POSSerialLength]byte
		copy(pos[:], sn)
		info.Serial = node.NewPOSSerial(pos)
	} else {
		s, err := node.NewFSNSerial(format, sn)
		if err != nil {
			return DeviceInfo{}, err
		}
		info.Serial = s
	}
	rest = rest[snLen:]
	nameLen := int(rest[0])
	if len(rest) < 1+nameLen {
		return DeviceInfo{}, fmt.Errorf("device name truncated")
	}
	info.DeviceName = string(rest[1 : 1+nameLen])
	return info, nil
}

// awaitIP waits for the echo of a set-IP request and checks that the device
// applied the address that was asked for.
func (e *Ethernet) awaitIP(ctx context.Context, req []byte, sid, positive byte, want net.IP) (net.IP, error) {
	var applied net.IP
	var nrErr error
	err := e.exchange(ctx, req, e.cfg.ResponseTimeout, func(from *net.UDPAddr, p []byte) bool {
		switch {
		case p[0] == positive && len(p) >= 5:
			applied = net.IPv4(p[1], p[2], p[3], p[4])
			return false
		case len(p) >= 3 && p[0] == osy_client.NegativeResponseSID && p[1] == sid:
			nrErr = fmt.Errorf("device %s: %w", from, osy_client.NewNegativeResponseError(sid, p[2]))
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if nrErr != nil {
		e.set(Resolved)
		return nil, nrErr
	}
	if applied == nil {
		e.set(TimedOut)
		return nil, fmt.Errorf("set IP: no answer within %v: %w", e.cfg.ResponseTimeout, fault.ErrTimeout)
	}
	e.set(Resolved)
	if !applied.Equal(want) {
		return applied, fmt.Errorf("device applied %s instead of %s: %w", applied, want, fault.ErrPrecondition)
	}
	return applied, nil
}

// SetIPAddress 按 POS 序列号设置 IP 和节点地址; 返回设备实际应用的 IP
func (e *Ethernet) SetIPAddress(ctx context.Context, sn node.SerialNumber, cfg IPConfig) (net.IP, error) {
	if sn.Format != node.SerialPOS || len(sn.Bytes) != node.POSSerialLength {
		return nil, fmt.Errorf("set IP needs a POS serial number: %w", fault.ErrPrecondition)
	}
	body, err := cfg.encode()
	if err != nil {
		return nil, err
	}
	req := append([]byte{ethSetIPAddress}, sn.Bytes...)
	req = append(req, body...)
	return e.awaitIP(ctx, req, ethSetIPAddress, ethSetIPResponse, cfg.IP)
}

// SetIPAddressExtended 同 SetIPAddress, 使用扩展序列号和 sub-node ID
func (e *Ethernet) SetIPAddressExtended(ctx context.Context, sn node.SerialNumber, subNode uint8, cfg IPConfig) (net.IP, error) {
	if sn.Format != node.SerialFSN || sn.IsZero() {
		return nil, fmt.Errorf("extended set IP needs an extended serial number: %w", fault.ErrPrecondition)
	}
	body, err := cfg.encode()
	if err != nil {
		return nil, err
	}
	req := []byte{ethSetIPAddressExt, subNode, sn.Manufacturer, byte(len(sn.Bytes))}
	req = append(req, sn.Bytes...)
	req = append(req, body...)
	return e.awaitIP(ctx, req, ethSetIPAddressExt, ethSetIPResponseExt, cfg.IP)
}

// RequestProgramming 请求所有设备在下次复位后停留在闪存加载程序中; 返回拒绝的设备
func (e *Ethernet) RequestProgramming(ctx context.Context) ([]*net.UDPAddr, error) {
	rejected := []*net.UDPAddr{}
	answers := 0
	err := e.exchange(ctx, []byte{ethRequestProgramming}, e.cfg.Window, func(from *net.UDPAddr, p []byte) bool {
		switch {
		case p[0] == ethRequestProgrammingOK:
			answers++
		case len(p) >= 3 && p[0] == osy_client.NegativeResponseSID && p[1] == ethRequestProgramming:
			rejected = append(rejected, from)
			answers++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	e.finish(answers)
	return rejected, nil
}

// NetReset 广播复位, 不等待应答
func (e *Ethernet) NetReset(resetType byte) error {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	return e.sock.Send([]byte{ethNetReset, resetType})
}
