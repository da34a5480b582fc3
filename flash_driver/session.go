package flash_driver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/LoveWonYoung/sydeflash/broadcast"
	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/eth_layer"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/routing"
	"github.com/LoveWonYoung/sydeflash/services"
	"github.com/LoveWonYoung/sydeflash/tp_layer"
)

// Protocol 节点使用的闪存加载程序协议
type Protocol uint8

const (
	ProtocolOpenSYDE Protocol = iota
	ProtocolSTW
)

func (p Protocol) String() string {
	if p == ProtocolSTW {
		return "stw"
	}
	return "osy"
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "osy", "opensyde", "":
		return ProtocolOpenSYDE, nil
	case "stw":
		return ProtocolSTW, nil
	}
	return 0, fmt.Errorf("unknown flashloader protocol %q: %w", s, fault.ErrPrecondition)
}

// Addressing 描述要刷写的节点
type Addressing struct {
	Protocol Protocol
	// Server 是 openSYDE 目标地址; 经路由访问时 Bus 为目标所在总线
	Server node.Address
	// Routed 目标不在本地总线上; 激活时改为定向复位, 不发广播
	Routed bool
	// IP 以太网连接的对端 (目标本身或第一个网关)
	IP net.IP
	// LocalID / Serial 用于 STW 闪存加载程序; Serial 非空时按序列号唤醒
	LocalID byte
	Serial  node.SerialNumber
	// InFlashloader 设备已处于闪存加载程序中, 跳过复位请求
	InFlashloader bool
}

func (a Addressing) String() string {
	if a.Protocol == ProtocolSTW {
		return fmt.Sprintf("stw:%d", a.LocalID)
	}
	return "osy:" + a.Server.String()
}

// LinkFunc opens the openSYDE packet link for addr.
type LinkFunc func(ctx context.Context, addr Addressing) (osy_client.Link, error)

// Connection 是一次运行中驱动独占的传输通道
type Connection struct {
	Type  node.BusType
	BusID uint8
	// CAN 广播和 STW 协议直接收发帧; *driver.Adapter 满足该接口
	CAN broadcast.Bus
	// Socket 以太网 UDP 广播
	Socket broadcast.Socket
	Link   LinkFunc
}

// CANConnection runs ISO-TP links on adapter.
func CANConnection(adapter *driver.Adapter, busID uint8, cfg tp_layer.Config) Connection {
	return Connection{
		Type:  node.CAN,
		BusID: busID,
		CAN:   adapter,
		Link: func(context.Context, Addressing) (osy_client.Link, error) {
			return osy_client.NewCANLink(adapter, busID, cfg), nil
		},
	}
}

// EthernetConnection dials a TCP link per node; port 0 selects the default port.
func EthernetConnection(sock broadcast.Socket, busID uint8, port int) Connection {
	return Connection{
		Type:   node.Ethernet,
		BusID:  busID,
		Socket: sock,
		Link: func(ctx context.Context, addr Addressing) (osy_client.Link, error) {
			if addr.IP == nil {
				return nil, fmt.Errorf("no IP address for %s: %w", addr, fault.ErrPrecondition)
			}
			l, err := eth_layer.Dial(ctx, addr.IP, port, node.Client(busID))
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	}
}

// DeviceInfo 是 ReadDeviceInformation 的结果; 按协议只填其中一项
type DeviceInfo struct {
	Protocol    Protocol
	Flashloader *services.FlashloaderInformation
	Text        string
}

type timeouts struct {
	download time.Duration
	transfer time.Duration
}

type updateOptions struct {
	skipIfIdentical bool
}

// UpdateOption tunes one UpdateNode call.
type UpdateOption func(*updateOptions)

// WithSkipIfIdentical 设备上已有相同 CRC 的镜像时跳过该文件
func WithSkipIfIdentical(skip bool) UpdateOption {
	return func(o *updateOptions) { o.skipIfIdentical = skip }
}

// nodeSession 对一个节点的协议会话; openSYDE 和 STW 各有一个实现
type nodeSession interface {
	activate(ctx context.Context, wait time.Duration) error
	readInfo(ctx context.Context) (*DeviceInfo, error)
	adoptInfo(info *DeviceInfo)
	checkMemory(ctx context.Context, address, size uint32) error
	update(ctx context.Context, files []string, t timeouts, opts updateOptions, r report.Reporter) error
	reset(ctx context.Context) error
	hops() routing.HopController
	close() error
}

// sleep 等待 d, ctx 取消时提前返回
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// progress 把字节计数换算成千分比, 并把回调的返回值当作继续标志
type progress struct {
	r     report.Reporter
	text  string
	done  uint64
	total uint64
}

func (p *progress) add(n int) bool {
	p.done += uint64(n)
	return p.r.ReportProgress(report.Permille(int(p.done), int(p.total)), p.text)
}
