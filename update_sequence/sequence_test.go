package update_sequence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/routing"
)

// fakeDriver 记录调用顺序; fail 按 "节点名:步骤" 注入错误
type fakeDriver struct {
	calls   []string
	addrs   []flash_driver.Addressing
	changes []flash_driver.ChangeKind
	fail    map[string]error
	current string
	hops    *fakeHops
}

func (d *fakeDriver) do(step flash_driver.Step, name string) error {
	d.calls = append(d.calls, d.current+":"+name)
	if err, ok := d.fail[d.current+":"+name]; ok {
		return &flash_driver.StepError{Step: step, Err: err}
	}
	return nil
}

func (d *fakeDriver) Init(_ context.Context, _ flash_driver.Connection, _ uint32, addr flash_driver.Addressing) error {
	d.current = fmt.Sprintf("%d", addr.Server.Node)
	d.addrs = append(d.addrs, addr)
	return d.do(flash_driver.StepInit, "init")
}

func (d *fakeDriver) ActivateFlashloader(context.Context, time.Duration) error {
	return d.do(flash_driver.StepActivate, "activate")
}

func (d *fakeDriver) ReadDeviceInformation(context.Context) (*flash_driver.DeviceInfo, error) {
	return &flash_driver.DeviceInfo{}, d.do(flash_driver.StepReadInfo, "info")
}

func (d *fakeDriver) UpdateNode(context.Context, []string, time.Duration, time.Duration, ...flash_driver.UpdateOption) error {
	return d.do(flash_driver.StepUpdate, "update")
}

func (d *fakeDriver) ResetSystem(context.Context) error {
	return d.do(flash_driver.StepReset, "reset")
}

func (d *fakeDriver) RecordConfigurationChange(kind flash_driver.ChangeKind) {
	d.changes = append(d.changes, kind)
}

func (d *fakeDriver) HopController() routing.HopController { return d.hops }

type fakeHops struct {
	d *fakeDriver
}

func (h *fakeHops) StartRoutingSpecific(_ context.Context, hop routing.Hop, _ routing.Route) error {
	h.d.calls = append(h.d.calls, fmt.Sprintf("%s:start@%d", h.d.current, hop.Gateway.Node))
	return nil
}

func (h *fakeHops) StopRoutingSpecific(_ context.Context, hop routing.Hop, _ routing.Route) error {
	h.d.calls = append(h.d.calls, fmt.Sprintf("%s:stop@%d", h.d.current, hop.Gateway.Node))
	return nil
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{fail: map[string]error{}}
	d.hops = &fakeHops{d: d}
	return d
}

// testSystem: 节点 0 (id 1) 和网关 (id 2) 在 bus0, 节点 2 (id 3) 在 bus1 经网关访问, 节点 3 无法到达
func testSystem() *System {
	return &System{
		Topology: routing.Topology{
			Buses: []routing.Bus{{Name: "CAN1", ID: 0}, {Name: "CAN2", ID: 1}, {Name: "CAN3", ID: 2}},
			Nodes: []routing.Node{
				{Name: "ecu", Interfaces: []routing.Interface{{Bus: 0, NodeID: 1, UseableForRouting: true}}},
				{Name: "gateway", Interfaces: []routing.Interface{{Bus: 0, NodeID: 2, UseableForRouting: true}, {Bus: 1, NodeID: 2, UseableForRouting: true}}},
				{Name: "remote", Interfaces: []routing.Interface{{Bus: 1, NodeID: 3, UseableForRouting: true}}},
				{Name: "island", Interfaces: []routing.Interface{{Bus: 2, NodeID: 4, UseableForRouting: true}}},
			},
		},
		Nodes:     make([]NodeInfo, 4),
		ActiveBus: 0,
		Bitrate:   500000,
	}
}

func TestRun_AllNodes(t *testing.T) {
	d := newFakeDriver()
	var done []string
	seq := &Sequence{Driver: d, System: testSystem(), OnNodeDone: func(r NodeResult) { done = append(done, r.Name) }}
	res, err := seq.Run(context.Background(), []Entry{{Node: 0, Files: []string{"a.hex"}}, {Node: 2, Files: []string{"b.hex"}}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"1:init", "1:activate", "1:info", "1:update", "1:reset",
		"3:init", "3:start@2", "3:activate", "3:info", "3:update", "3:reset", "3:stop@2",
	}
	if !reflect.DeepEqual(d.calls, want) {
		t.Errorf("calls =\n%v\nwant\n%v", d.calls, want)
	}
	if !reflect.DeepEqual(done, []string{"ecu", "remote"}) {
		t.Errorf("done = %v", done)
	}
	if d.addrs[0].Routed || !d.addrs[1].Routed || d.addrs[1].Server != (node.Address{Bus: 1, Node: 3}) {
		t.Errorf("addressing = %+v", d.addrs)
	}
	if _, failed := res.FirstFailure(); failed {
		t.Error("no failure expected")
	}
}

func TestRun_NodeFailureContinues(t *testing.T) {
	d := newFakeDriver()
	d.fail["1:update"] = fault.ErrChecksum
	seq := &Sequence{Driver: d, System: testSystem()}
	res, err := seq.Run(context.Background(), []Entry{{Node: 0, Files: []string{"a.hex"}}, {Node: 1, Files: []string{"g.hex"}}})
	if !errors.Is(err, fault.ErrChecksum) {
		t.Fatalf("err = %v", err)
	}
	if res.Nodes[0].Step != flash_driver.StepUpdate || res.Nodes[0].OK() {
		t.Errorf("node 0 = %+v", res.Nodes[0])
	}
	if !res.Nodes[1].OK() {
		t.Errorf("node 1 = %+v", res.Nodes[1])
	}
	for _, c := range d.calls {
		if c == "1:reset" {
			t.Error("failed node must not be reset")
		}
	}
}

func TestRun_TransportFailureSkipsRest(t *testing.T) {
	d := newFakeDriver()
	d.fail["1:activate"] = fmt.Errorf("bus off: %w", fault.ErrTransport)
	seq := &Sequence{Driver: d, System: testSystem()}
	res, err := seq.Run(context.Background(), []Entry{
		{Node: 0, Files: []string{"a.hex"}},
		{Node: 1, Files: []string{"g.hex"}},
		{Node: 2, Files: []string{"b.hex"}},
	})
	if !errors.Is(err, fault.ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	if res.Nodes[0].Step != flash_driver.StepActivate {
		t.Errorf("step = %v", res.Nodes[0].Step)
	}
	for _, n := range res.Nodes[1:] {
		if !n.Skipped || !errors.Is(n.Err, fault.ErrTransport) {
			t.Errorf("%s = %+v, want skipped", n.Name, n)
		}
	}
	if len(d.calls) != 2 {
		t.Errorf("calls = %v", d.calls)
	}
}

func TestRun_RefusedNodeDoesNotSkipRest(t *testing.T) {
	d := newFakeDriver()
	d.fail["1:init"] = fmt.Errorf("connect 10.0.0.1: %w", fault.ErrUnreachable)
	seq := &Sequence{Driver: d, System: testSystem()}
	res, err := seq.Run(context.Background(), []Entry{{Node: 0, Files: []string{"a.hex"}}, {Node: 1, Files: []string{"g.hex"}}})
	if !errors.Is(err, fault.ErrUnreachable) {
		t.Fatalf("err = %v", err)
	}
	if res.Nodes[0].Step != flash_driver.StepInit || res.Nodes[0].Skipped {
		t.Errorf("ecu = %+v", res.Nodes[0])
	}
	if !res.Nodes[1].OK() {
		t.Errorf("gateway = %+v, want updated", res.Nodes[1])
	}
}

// ethSystem: 两个以太网节点, IP 相同但各自建立自己的 TCP 连接
func ethSystem() *System {
	return &System{
		Topology: routing.Topology{
			Buses: []routing.Bus{{Name: "ETH1", ID: 0, Type: node.Ethernet}},
			Nodes: []routing.Node{
				{Name: "first", Interfaces: []routing.Interface{{Bus: 0, NodeID: 1, UseableForRouting: true}}},
				{Name: "second", Interfaces: []routing.Interface{{Bus: 0, NodeID: 2, UseableForRouting: true}}},
			},
		},
		Nodes: []NodeInfo{
			{Protocol: flash_driver.ProtocolOpenSYDE, IP: net.IPv4(127, 0, 0, 1)},
			{Protocol: flash_driver.ProtocolOpenSYDE, IP: net.IPv4(127, 0, 0, 1)},
		},
		ResetWait: time.Millisecond,
	}
}

func TestRun_EthernetConnectRefusedIsPerNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq := &Sequence{
		Driver: flash_driver.New(),
		System: ethSystem(),
		Conn:   flash_driver.EthernetConnection(nil, 0, port),
	}
	res, err := seq.Run(ctx, []Entry{{Node: 0, Files: []string{"a.hex"}}, {Node: 1, Files: []string{"b.hex"}}})
	if fault.IsConnectionLevel(err) {
		t.Fatalf("err = %v, refused node must not be connection level", err)
	}
	for _, n := range res.Nodes {
		if n.Skipped {
			t.Errorf("%s skipped, every node must be tried", n.Name)
		}
		if n.Step != flash_driver.StepInit || !errors.Is(n.Err, fault.ErrUnreachable) {
			t.Errorf("%s = step %v err %v, want init/unreachable", n.Name, n.Step, n.Err)
		}
	}
}

func TestRun_UnreachableNodeFailsBeforeIO(t *testing.T) {
	d := newFakeDriver()
	seq := &Sequence{Driver: d, System: testSystem()}
	res, err := seq.Run(context.Background(), []Entry{{Node: 3, Files: []string{"x.hex"}}, {Node: 0, Files: []string{"a.hex"}}})
	if !errors.Is(err, fault.ErrTopology) {
		t.Fatalf("err = %v", err)
	}
	if res.Nodes[0].Step != 0 || res.Nodes[0].Skipped {
		t.Errorf("island = %+v", res.Nodes[0])
	}
	if d.calls[0] != "1:init" {
		t.Errorf("no driver call expected for unreachable node, calls = %v", d.calls)
	}
	if !res.Nodes[1].OK() {
		t.Errorf("ecu = %+v", res.Nodes[1])
	}
}

type stopAfter struct{ n int }

func (s *stopAfter) ReportProgress(int, string) bool {
	s.n--
	return s.n > 0
}

func (s *stopAfter) ReportStatus(string, report.Severity) {}

func TestRun_AbortFromReporter(t *testing.T) {
	d := newFakeDriver()
	seq := &Sequence{Driver: d, System: testSystem(), Reporter: &stopAfter{n: 1}}
	res, _ := seq.Run(context.Background(), []Entry{{Node: 0, Files: []string{"a.hex"}}, {Node: 1, Files: []string{"g.hex"}}})
	if !res.Nodes[0].OK() || !res.Nodes[1].Skipped || !errors.Is(res.Nodes[1].Err, fault.ErrAborted) {
		t.Errorf("nodes = %+v", res.Nodes)
	}
}

func TestRun_ConfigurationChangeRecorded(t *testing.T) {
	d := newFakeDriver()
	seq := &Sequence{Driver: d, System: testSystem()}
	if _, err := seq.Run(context.Background(), []Entry{
		{Node: 0, Files: []string{"a.hex"}},
		{Node: 1, Files: []string{"params.syde_psi"}},
	}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.changes, []flash_driver.ChangeKind{flash_driver.NoFundamentalComChangesCAN}) {
		t.Errorf("changes = %v", d.changes)
	}
}

func TestEntry_SkipAllowed(t *testing.T) {
	if !(Entry{SkipIfIdentical: true}).SkipAllowed() {
		t.Error("skip expected")
	}
	if (Entry{SkipIfIdentical: true, SafetyRelevant: true}).SkipAllowed() {
		t.Error("safety relevant entries are always written")
	}
}

const systemTOML = `
active_bus = 0
bitrate = 250
reset_wait_ms = 1500
download_timeout_ms = 20000
transfer_timeout_ms = 2000

[reset_wait]
fundamental_changes_can_ms = 4000

[[bus]]
name = "CAN1"
id = 0
type = "can"

[[bus]]
name = "ETH1"
id = 1
type = "ethernet"

[[node]]
name = "gateway"
ip = "192.168.0.10"
  [[node.interfaces]]
  bus = 0
  node_id = 1
  routing = true
  [[node.interfaces]]
  bus = 1
  node_id = 1
  routing = true

[[node]]
name = "display"
  [[node.interfaces]]
  bus = 1
  node_id = 7
  routing = true

[[node]]
name = "legacy"
protocol = "stw"
local_id = 3
  [[node.interfaces]]
  bus = 0
  node_id = 3

[[flash]]
node = 1
files = ["display.hex", "display.syde_psi"]
safety_relevant = true
skip_if_identical = true
`

func writeSystem(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSystem(t *testing.T) {
	sys, err := LoadSystem(writeSystem(t, systemTOML))
	if err != nil {
		t.Fatal(err)
	}
	if sys.Bitrate != 250000 || sys.ResetWait != 1500*time.Millisecond || sys.DownloadTimeout != 20*time.Second {
		t.Errorf("timing = %+v", sys)
	}
	if sys.ResetWaitTable.FundamentalComChangesCAN != 4*time.Second || sys.ResetWaitTable.NoChangesEthernet != 5*time.Second {
		t.Errorf("reset wait table = %+v", sys.ResetWaitTable)
	}
	if sys.Topology.Buses[1].Type != node.Ethernet || len(sys.Topology.Nodes) != 3 {
		t.Errorf("topology = %+v", sys.Topology)
	}
	if sys.Nodes[2].Protocol != flash_driver.ProtocolSTW || sys.Nodes[2].LocalID != 3 {
		t.Errorf("legacy node = %+v", sys.Nodes[2])
	}
	want := []Entry{{Node: 1, Files: []string{"display.hex", "display.syde_psi"}, SafetyRelevant: true, SkipIfIdentical: true}}
	if !reflect.DeepEqual(sys.Entries, want) {
		t.Errorf("entries = %+v", sys.Entries)
	}

	route, err := routing.Calculate(&sys.Topology, sys.ActiveBus, 1)
	if err != nil {
		t.Fatal(err)
	}
	addr := sys.Addressing(1, route)
	if !addr.Routed || !addr.IP.Equal(sys.Nodes[0].IP) || addr.Server != (node.Address{Bus: 1, Node: 7}) {
		t.Errorf("addressing = %+v", addr)
	}
}

func TestLoadSystem_Invalid(t *testing.T) {
	tests := []struct {
		name, content string
	}{
		{"no buses", "active_bus = 0\n"},
		{"unknown key", "colour = \"red\"\n[[bus]]\nid = 0\n"},
		{"bad bus type", "[[bus]]\nid = 0\ntype = \"lin\"\n"},
		{"active bus", "active_bus = 2\n[[bus]]\nid = 0\n"},
		{"interface bus", "[[bus]]\nid = 0\n[[node]]\nname = \"a\"\n  [[node.interfaces]]\n  bus = 4\n  node_id = 1\n"},
		{"bad ip", "[[bus]]\nid = 0\n[[node]]\nip = \"300.1.1.1\"\n"},
		{"bad protocol", "[[bus]]\nid = 0\n[[node]]\nprotocol = \"kwp\"\n"},
		{"entry node", "[[bus]]\nid = 0\n[[flash]]\nnode = 0\nfiles = [\"a.hex\"]\n"},
		{"entry files", "[[bus]]\nid = 0\n[[node]]\nname = \"a\"\n[[flash]]\nnode = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSystem(writeSystem(t, tt.content))
			if !errors.Is(err, fault.ErrPrecondition) {
				t.Fatalf("err = %v", err)
			}
			if !strings.Contains(err.Error(), "system.toml") {
				t.Errorf("error does not name the file: %v", err)
			}
		})
	}
}
