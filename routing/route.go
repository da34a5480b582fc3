// Package routing 计算经网关节点到达目标节点的路由, 并负责每一跳路由会话的建立和拆除.
package routing

import (
	"fmt"
	"strings"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
)

// Bus is one bus of the system.
type Bus struct {
	Name string       `toml:"name"`
	ID   uint8        `toml:"id"`
	Type node.BusType `toml:"-"`
}

// Interface connects a node to one bus.
type Interface struct {
	Bus               int   `toml:"bus"`
	NodeID            uint8 `toml:"node_id"`
	UseableForRouting bool  `toml:"routing"`
}

// Node is a device with one or more bus interfaces.
type Node struct {
	Name       string      `toml:"name"`
	Interfaces []Interface `toml:"interfaces"`
}

// Topology is the static system layout. Buses and nodes are referenced by index.
type Topology struct {
	Buses []Bus
	Nodes []Node
}

// Interface returns the interface of node n on bus b.
func (t *Topology) Interface(n, b int) (Interface, bool) {
	if n < 0 || n >= len(t.Nodes) {
		return Interface{}, false
	}
	for _, itf := range t.Nodes[n].Interfaces {
		if itf.Bus == b {
			return itf, true
		}
	}
	return Interface{}, false
}

// Address returns the openSYDE address of node n on bus b.
func (t *Topology) Address(n, b int) (node.Address, bool) {
	itf, ok := t.Interface(n, b)
	if !ok {
		return node.Address{}, false
	}
	return node.Address{Bus: t.Buses[b].ID, Node: itf.NodeID}, true
}

// Hop is one gateway on the way to the target.
type Hop struct {
	Node     int
	Gateway  node.Address // 网关在入口总线上的地址
	InBus    int
	OutBus   int
	InBusID  uint8
	OutBusID uint8
}

// Route 从当前总线到目标节点的有序跳转; Hops 为空表示目标直接在当前总线上.
type Route struct {
	Target    node.Address
	TargetBus int
	Hops      []Hop
}

// Direct reports whether the target is on the active bus.
func (r Route) Direct() bool { return len(r.Hops) == 0 }

func (r Route) String() string {
	if r.Direct() {
		return fmt.Sprintf("direct -> %s", r.Target)
	}
	var b strings.Builder
	for _, h := range r.Hops {
		fmt.Fprintf(&b, "bus%d -[%s]-> ", h.InBusID, h.Gateway)
	}
	fmt.Fprintf(&b, "bus%d %s", r.Target.Bus, r.Target)
	return b.String()
}

// Calculate 在总线图上做广度优先搜索.
// 同一层内按节点索引从小到大尝试网关, 结果只取决于拓扑本身.
func Calculate(topo *Topology, activeBus, target int) (Route, error) {
	if topo == nil {
		return Route{}, fmt.Errorf("no topology: %w", fault.ErrTopology)
	}
	if activeBus < 0 || activeBus >= len(topo.Buses) {
		return Route{}, fmt.Errorf("active bus %d not in topology: %w", activeBus, fault.ErrTopology)
	}
	if target < 0 || target >= len(topo.Nodes) {
		return Route{}, fmt.Errorf("target node %d not in topology: %w", target, fault.ErrTopology)
	}
	for _, itf := range topo.Nodes[target].Interfaces {
		if itf.Bus < 0 || itf.Bus >= len(topo.Buses) {
			return Route{}, fmt.Errorf("node %q references bus %d: %w", topo.Nodes[target].Name, itf.Bus, fault.ErrTopology)
		}
	}

	if addr, ok := topo.Address(target, activeBus); ok {
		return Route{Target: addr, TargetBus: activeBus}, nil
	}

	parents := make([]parent, len(topo.Buses))
	visited := make([]bool, len(topo.Buses))
	visited[activeBus] = true
	queue := []int{activeBus}
	blocked := false

	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]

		if bus != activeBus {
			if itf, ok := topo.Interface(target, bus); ok {
				if itf.UseableForRouting {
					addr, _ := topo.Address(target, bus)
					return Route{Target: addr, TargetBus: bus, Hops: walkBack(parents, bus, activeBus)}, nil
				}
				blocked = true
			}
		}

		for n := range topo.Nodes {
			if n == target {
				continue
			}
			in, ok := topo.Interface(n, bus)
			if !ok || !in.UseableForRouting {
				continue
			}
			for _, out := range topo.Nodes[n].Interfaces {
				if out.Bus < 0 || out.Bus >= len(topo.Buses) || visited[out.Bus] || !out.UseableForRouting {
					continue
				}
				visited[out.Bus] = true
				parents[out.Bus] = parent{
					hop: Hop{
						Node:     n,
						Gateway:  node.Address{Bus: topo.Buses[bus].ID, Node: in.NodeID},
						InBus:    bus,
						OutBus:   out.Bus,
						InBusID:  topo.Buses[bus].ID,
						OutBusID: topo.Buses[out.Bus].ID,
					},
					prev:  bus,
					valid: true,
				}
				queue = append(queue, out.Bus)
			}
		}
	}

	name := topo.Nodes[target].Name
	if blocked {
		return Route{}, fmt.Errorf("node %q is reachable only through an interface not usable for routing: %w", name, fault.ErrTopology)
	}
	return Route{}, fmt.Errorf("node %q unreachable from bus %d: %w", name, topo.Buses[activeBus].ID, fault.ErrTopology)
}

type parent struct {
	hop   Hop
	prev  int
	valid bool
}

// walkBack 从目标总线沿 BFS 树回溯到当前总线
func walkBack(parents []parent, bus, activeBus int) []Hop {
	var hops []Hop
	for b := bus; b != activeBus && parents[b].valid; b = parents[b].prev {
		hops = append(hops, parents[b].hop)
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return hops
}
