package update_sequence

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/routing"
)

// NodeInfo 是拓扑之外、刷写时需要的节点属性
type NodeInfo struct {
	Protocol      flash_driver.Protocol
	LocalID       byte
	IP            net.IP
	InFlashloader bool
}

// System 是一次运行的系统定义: 拓扑, 节点属性和刷写条目
type System struct {
	Topology  routing.Topology
	Nodes     []NodeInfo // 与 Topology.Nodes 一一对应
	ActiveBus int
	// Bitrate in bit/s, only used on CAN
	Bitrate uint32

	ResetWait       time.Duration
	DownloadTimeout time.Duration
	TransferTimeout time.Duration
	ResetWaitTable  flash_driver.ResetWaitTable

	Entries []Entry
}

// TOML 文件结构; 时间一律以毫秒为单位
type systemFile struct {
	ActiveBus         int    `toml:"active_bus"`
	BitrateKbit       uint32 `toml:"bitrate"`
	ResetWaitMs       int64  `toml:"reset_wait_ms"`
	DownloadTimeoutMs int64  `toml:"download_timeout_ms"`
	TransferTimeoutMs int64  `toml:"transfer_timeout_ms"`

	ResetWaitTable resetWaitFile `toml:"reset_wait"`
	Buses          []busFile     `toml:"bus"`
	Nodes          []nodeFile    `toml:"node"`
	Entries        []Entry       `toml:"flash"`
}

type busFile struct {
	Name string `toml:"name"`
	ID   uint8  `toml:"id"`
	Type string `toml:"type"`
}

type nodeFile struct {
	Name          string              `toml:"name"`
	Protocol      string              `toml:"protocol"`
	LocalID       byte                `toml:"local_id"`
	IP            string              `toml:"ip"`
	InFlashloader bool                `toml:"in_flashloader"`
	Interfaces    []routing.Interface `toml:"interfaces"`
}

type resetWaitFile struct {
	NoChangesCAN                    int64 `toml:"no_changes_can_ms"`
	NoChangesEthernet               int64 `toml:"no_changes_ethernet_ms"`
	NoFundamentalComChangesCAN      int64 `toml:"no_fundamental_changes_can_ms"`
	NoFundamentalComChangesEthernet int64 `toml:"no_fundamental_changes_ethernet_ms"`
	FundamentalComChangesCAN        int64 `toml:"fundamental_changes_can_ms"`
	FundamentalComChangesEthernet   int64 `toml:"fundamental_changes_ethernet_ms"`
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (r resetWaitFile) table() flash_driver.ResetWaitTable {
	return flash_driver.DefaultResetWaitTable().Merge(flash_driver.ResetWaitTable{
		NoChangesCAN:                    ms(r.NoChangesCAN),
		NoChangesEthernet:               ms(r.NoChangesEthernet),
		NoFundamentalComChangesCAN:      ms(r.NoFundamentalComChangesCAN),
		NoFundamentalComChangesEthernet: ms(r.NoFundamentalComChangesEthernet),
		FundamentalComChangesCAN:        ms(r.FundamentalComChangesCAN),
		FundamentalComChangesEthernet:   ms(r.FundamentalComChangesEthernet),
	})
}

func parseBusType(s string) (node.BusType, error) {
	switch strings.ToLower(s) {
	case "can", "":
		return node.CAN, nil
	case "eth", "ethernet":
		return node.Ethernet, nil
	}
	return 0, fmt.Errorf("unknown bus type %q", s)
}

// LoadSystem reads a TOML system definition.
func LoadSystem(path string) (*System, error) {
	var f systemFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, fault.ErrPrecondition, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v: %w", path, undecoded, fault.ErrPrecondition)
	}
	sys, err := f.build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sys, nil
}

func (f *systemFile) build() (*System, error) {
	sys := &System{
		ActiveBus:       f.ActiveBus,
		Bitrate:         f.BitrateKbit * 1000,
		ResetWait:       ms(f.ResetWaitMs),
		DownloadTimeout: ms(f.DownloadTimeoutMs),
		TransferTimeout: ms(f.TransferTimeoutMs),
		ResetWaitTable:  f.ResetWaitTable.table(),
		Entries:         f.Entries,
	}
	bad := func(format string, args ...any) error {
		return fmt.Errorf(format+": %w", append(args, fault.ErrPrecondition)...)
	}

	if len(f.Buses) == 0 {
		return nil, bad("no buses defined")
	}
	for i, b := range f.Buses {
		t, err := parseBusType(b.Type)
		if err != nil {
			return nil, bad("bus %d: %v", i, err)
		}
		if b.ID > node.MaxBusID {
			return nil, bad("bus %d: id %d out of range", i, b.ID)
		}
		sys.Topology.Buses = append(sys.Topology.Buses, routing.Bus{Name: b.Name, ID: b.ID, Type: t})
	}
	if f.ActiveBus < 0 || f.ActiveBus >= len(f.Buses) {
		return nil, bad("active bus %d not defined", f.ActiveBus)
	}

	for i, n := range f.Nodes {
		p, err := flash_driver.ParseProtocol(n.Protocol)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, n.Name, err)
		}
		info := NodeInfo{Protocol: p, LocalID: n.LocalID, InFlashloader: n.InFlashloader}
		if n.IP != "" {
			if info.IP = net.ParseIP(n.IP); info.IP == nil {
				return nil, bad("node %d (%s): bad IP %q", i, n.Name, n.IP)
			}
		}
		for _, itf := range n.Interfaces {
			if itf.Bus < 0 || itf.Bus >= len(f.Buses) {
				return nil, bad("node %d (%s): interface on unknown bus %d", i, n.Name, itf.Bus)
			}
			if itf.NodeID > node.MaxNodeID {
				return nil, bad("node %d (%s): node id %d out of range", i, n.Name, itf.NodeID)
			}
		}
		sys.Topology.Nodes = append(sys.Topology.Nodes, routing.Node{Name: n.Name, Interfaces: n.Interfaces})
		sys.Nodes = append(sys.Nodes, info)
	}

	for i, e := range f.Entries {
		if e.Node < 0 || e.Node >= len(f.Nodes) {
			return nil, bad("flash entry %d: unknown node %d", i, e.Node)
		}
		if len(e.Files) == 0 {
			return nil, bad("flash entry %d: no files", i)
		}
	}
	return sys, nil
}

// Name returns the configured name of node n.
func (s *System) Name(n int) string {
	if n >= 0 && n < len(s.Topology.Nodes) && s.Topology.Nodes[n].Name != "" {
		return s.Topology.Nodes[n].Name
	}
	return fmt.Sprintf("node%d", n)
}

// Addressing 根据路由结果生成驱动需要的节点寻址.
// 经路由访问以太网节点时, TCP 连接建立在第一个网关上.
func (s *System) Addressing(n int, route routing.Route) flash_driver.Addressing {
	info := s.Nodes[n]
	addr := flash_driver.Addressing{
		Protocol:      info.Protocol,
		Server:        route.Target,
		Routed:        !route.Direct(),
		IP:            info.IP,
		LocalID:       info.LocalID,
		InFlashloader: info.InFlashloader,
	}
	if !route.Direct() {
		addr.IP = s.Nodes[route.Hops[0].Node].IP
	}
	return addr
}

// BusType returns the type of the active bus.
func (s *System) BusType() node.BusType {
	return s.Topology.Buses[s.ActiveBus].Type
}
