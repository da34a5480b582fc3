package routing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
)

// bus0 -- A,B --> bus1 -- C --> bus2, bus3 孤立
func testTopology() *Topology {
	return &Topology{
		Buses: []Bus{{Name: "CAN0", ID: 0}, {Name: "CAN1", ID: 1}, {Name: "CAN2", ID: 2}, {Name: "CAN3", ID: 3}},
		Nodes: []Node{
			{Name: "gwA", Interfaces: []Interface{{Bus: 0, NodeID: 1, UseableForRouting: true}, {Bus: 1, NodeID: 1, UseableForRouting: true}}},
			{Name: "gwB", Interfaces: []Interface{{Bus: 0, NodeID: 2, UseableForRouting: true}, {Bus: 1, NodeID: 2, UseableForRouting: true}}},
			{Name: "gwC", Interfaces: []Interface{{Bus: 1, NodeID: 3, UseableForRouting: true}, {Bus: 2, NodeID: 3, UseableForRouting: true}}},
			{Name: "target", Interfaces: []Interface{{Bus: 2, NodeID: 4, UseableForRouting: true}}},
			{Name: "local", Interfaces: []Interface{{Bus: 0, NodeID: 5}}},
			{Name: "noRouting", Interfaces: []Interface{{Bus: 1, NodeID: 6}}},
			{Name: "island", Interfaces: []Interface{{Bus: 3, NodeID: 7, UseableForRouting: true}}},
		},
	}
}

func TestCalculate_Direct(t *testing.T) {
	r, err := Calculate(testTopology(), 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Direct() || r.Target != (node.Address{Bus: 0, Node: 5}) {
		t.Errorf("route = %s", r)
	}
}

func TestCalculate_TwoHops(t *testing.T) {
	r, err := Calculate(testTopology(), 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []Hop{
		{Node: 0, Gateway: node.Address{Bus: 0, Node: 1}, InBus: 0, OutBus: 1, InBusID: 0, OutBusID: 1},
		{Node: 2, Gateway: node.Address{Bus: 1, Node: 3}, InBus: 1, OutBus: 2, InBusID: 1, OutBusID: 2},
	}
	if !reflect.DeepEqual(r.Hops, want) {
		t.Errorf("hops = %+v\nwant %+v", r.Hops, want)
	}
	if r.Target != (node.Address{Bus: 2, Node: 4}) || r.TargetBus != 2 {
		t.Errorf("target = %s on bus %d", r.Target, r.TargetBus)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	topo := testTopology()
	first, err := Calculate(topo, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		// 其他目标的计算不能影响结果
		_, _ = Calculate(topo, 0, i%len(topo.Nodes))
		again, err := Calculate(topo, 0, 3)
		if err != nil || !reflect.DeepEqual(first, again) {
			t.Fatalf("iteration %d: %s != %s (err %v)", i, again, first, err)
		}
	}
}

func TestCalculate_Errors(t *testing.T) {
	topo := testTopology()
	tests := []struct {
		name   string
		active int
		target int
	}{
		{"target interface not routable", 0, 5},
		{"unreachable", 0, 6},
		{"target index out of range", 0, 42},
		{"active bus out of range", 9, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(topo, tt.active, tt.target)
			if !errors.Is(err, fault.ErrTopology) {
				t.Errorf("err = %v, want ErrTopology", err)
			}
		})
	}
}

func TestCalculate_GatewayWithoutRoutingIsSkipped(t *testing.T) {
	topo := testTopology()
	topo.Nodes[0].Interfaces[1].UseableForRouting = false
	r, err := Calculate(topo, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if r.Hops[0].Node != 1 {
		t.Errorf("first gateway = node %d, want gwB", r.Hops[0].Node)
	}
}

// ============================================================================

type call struct {
	op  string
	hop int
}

type fakeController struct {
	calls     []call
	failStart map[int]error
	failStop  map[int]error
}

func (f *fakeController) StartRoutingSpecific(_ context.Context, hop Hop, _ Route) error {
	f.calls = append(f.calls, call{"start", hop.Node})
	return f.failStart[hop.Node]
}

func (f *fakeController) StopRoutingSpecific(_ context.Context, hop Hop, _ Route) error {
	f.calls = append(f.calls, call{"stop", hop.Node})
	return f.failStop[hop.Node]
}

func threeHops() Route {
	return Route{Hops: []Hop{{Node: 10}, {Node: 11}, {Node: 12}}}
}

func TestWithRoute_StopsInReverseOrder(t *testing.T) {
	ctrl := &fakeController{}
	ran := false
	err := WithRoute(context.Background(), threeHops(), ctrl, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("err = %v, ran = %v", err, ran)
	}
	want := []call{{"start", 10}, {"start", 11}, {"start", 12}, {"stop", 12}, {"stop", 11}, {"stop", 10}}
	if !reflect.DeepEqual(ctrl.calls, want) {
		t.Errorf("calls = %v", ctrl.calls)
	}
}

func TestWithRoute_StartFailureReleasesStartedHops(t *testing.T) {
	ctrl := &fakeController{failStart: map[int]error{12: fault.ErrTimeout}}
	err := WithRoute(context.Background(), threeHops(), ctrl, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	var hopErr *HopError
	if !errors.As(err, &hopErr) || hopErr.Index != 2 || hopErr.Op != "start" || !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	want := []call{{"start", 10}, {"start", 11}, {"start", 12}, {"stop", 11}, {"stop", 10}}
	if !reflect.DeepEqual(ctrl.calls, want) {
		t.Errorf("calls = %v", ctrl.calls)
	}
}

func TestWithRoute_InnerFailureAndStopFailureAggregated(t *testing.T) {
	inner := fmt.Errorf("transfer: %w", fault.ErrChecksum)
	ctrl := &fakeController{failStop: map[int]error{11: fault.ErrTransport}}
	err := WithRoute(context.Background(), threeHops(), ctrl, func(context.Context) error { return inner })
	if !errors.Is(err, fault.ErrChecksum) || !errors.Is(err, fault.ErrTransport) {
		t.Fatalf("err = %v, want both inner and stop errors", err)
	}
	if n := len(ctrl.calls); n != 6 {
		t.Errorf("calls = %v, every started hop must be stopped", ctrl.calls)
	}
}

func TestWithRoute_Direct(t *testing.T) {
	ctrl := &fakeController{}
	if err := WithRoute(context.Background(), Route{}, ctrl, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if len(ctrl.calls) != 0 {
		t.Errorf("calls = %v", ctrl.calls)
	}
}
