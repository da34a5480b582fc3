package routing

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// HopController opens and closes the routing session of one gateway.
type HopController interface {
	StartRoutingSpecific(ctx context.Context, hop Hop, target Route) error
	StopRoutingSpecific(ctx context.Context, hop Hop, target Route) error
}

// HopError 记录哪一跳在哪个阶段失败
type HopError struct {
	Index int
	Hop   Hop
	Op    string // "start" / "stop"
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("%s routing at hop %d (gateway %s, bus%d->bus%d): %v",
		e.Op, e.Index, e.Hop.Gateway, e.Hop.InBusID, e.Hop.OutBusID, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// WithRoute 依次建立每一跳的路由会话, 执行 fn, 然后按相反顺序关闭所有已建立的会话.
// fn 或某一跳建立失败时, 已建立的会话同样会被关闭. 关闭失败和主错误一起汇总返回.
func WithRoute(ctx context.Context, route Route, ctrl HopController, fn func(ctx context.Context) error) error {
	var primary error
	started := 0
	for i, hop := range route.Hops {
		if err := ctrl.StartRoutingSpecific(ctx, hop, route); err != nil {
			primary = &HopError{Index: i, Hop: hop, Op: "start", Err: err}
			break
		}
		log.Debugf("routing hop %d started: %s bus%d->bus%d", i, hop.Gateway, hop.InBusID, hop.OutBusID)
		started++
	}

	if primary == nil {
		primary = fn(ctx)
	}

	var result *multierror.Error
	if primary != nil {
		result = multierror.Append(result, primary)
	}
	// 拆除不受 ctx 取消影响
	stopCtx := context.WithoutCancel(ctx)
	for i := started - 1; i >= 0; i-- {
		hop := route.Hops[i]
		if err := ctrl.StopRoutingSpecific(stopCtx, hop, route); err != nil {
			log.Warnf("stop routing at hop %d failed: %v", i, err)
			result = multierror.Append(result, &HopError{Index: i, Hop: hop, Op: "stop", Err: err})
		}
	}

	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result.ErrorOrNil()
}
