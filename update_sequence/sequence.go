// Package update_sequence drives the flash driver across all nodes of a
// system, one DoFlash entry after the other.
package update_sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
	"github.com/LoveWonYoung/sydeflash/psi"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/routing"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Entry 描述一个节点要写入的文件; 顺序由调用方决定
type Entry struct {
	Node            int      `toml:"node"`
	Files           []string `toml:"files"`
	SafetyRelevant  bool     `toml:"safety_relevant"`
	SkipIfIdentical bool     `toml:"skip_if_identical"`
}

// SkipAllowed 安全相关的数据总是重新写入
func (e Entry) SkipAllowed() bool { return e.SkipIfIdentical && !e.SafetyRelevant }

// changesConfiguration 写入参数集会改变设备的通信配置
func (e Entry) changesConfiguration() bool {
	for _, f := range e.Files {
		if psi.IsImageFile(f) {
			return true
		}
	}
	return false
}

// NodeDriver 是编排器使用的驱动能力, *flash_driver.Driver 满足该接口
type NodeDriver interface {
	Init(ctx context.Context, conn flash_driver.Connection, bitrate uint32, addr flash_driver.Addressing) error
	ActivateFlashloader(ctx context.Context, resetWait time.Duration) error
	ReadDeviceInformation(ctx context.Context) (*flash_driver.DeviceInfo, error)
	UpdateNode(ctx context.Context, files []string, downloadTimeout, transferTimeout time.Duration, opts ...flash_driver.UpdateOption) error
	ResetSystem(ctx context.Context) error
	RecordConfigurationChange(kind flash_driver.ChangeKind)
	HopController() routing.HopController
}

type NodeResult struct {
	Entry Entry
	Name  string
	Route routing.Route
	// Step 为 0 表示失败发生在驱动步骤之外 (例如路由计算或路由建立)
	Step    flash_driver.Step
	Err     error
	Skipped bool
}

func (r NodeResult) OK() bool { return r.Err == nil && !r.Skipped }

type RunResult struct {
	Nodes []NodeResult
}

// FirstFailure returns the first node that failed or was skipped.
func (r *RunResult) FirstFailure() (NodeResult, bool) {
	for _, n := range r.Nodes {
		if !n.OK() {
			return n, true
		}
	}
	return NodeResult{}, false
}

type Sequence struct {
	Driver   NodeDriver
	System   *System
	Conn     flash_driver.Connection
	Reporter report.Reporter
	// OnNodeDone is called after every entry, including skipped ones.
	OnNodeDone func(NodeResult)
}

// Run 依次处理 entries. 单个节点失败不影响后续节点; 连接级错误 (总线不可用)
// 或用户中止时剩余条目被跳过. 返回的错误汇总了所有失败.
func (s *Sequence) Run(ctx context.Context, entries []Entry) (*RunResult, error) {
	rep := report.OrNop(s.Reporter)
	result := &RunResult{Nodes: make([]NodeResult, 0, len(entries))}
	var (
		errs  *multierror.Error
		fatal error
	)

	for i, e := range entries {
		var res NodeResult
		if fatal == nil {
			if err := ctx.Err(); err != nil {
				fatal = err
			}
		}
		if fatal != nil {
			res = NodeResult{Entry: e, Name: s.System.Name(e.Node), Skipped: true, Err: fatal}
			log.Warnf("skipping %s: %v", res.Name, fatal)
			rep.ReportStatus(fmt.Sprintf("%s skipped", res.Name), report.Warning)
		} else {
			res = s.runNode(ctx, e)
			if res.Err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
				rep.ReportStatus(fmt.Sprintf("%s failed: %s", res.Name, fault.Classify(res.Err)), report.Error)
				if fault.IsConnectionLevel(res.Err) || errors.Is(res.Err, context.Canceled) {
					fatal = res.Err
				}
			} else {
				rep.ReportStatus(fmt.Sprintf("%s updated", res.Name), report.Info)
			}
		}
		result.Nodes = append(result.Nodes, res)
		if s.OnNodeDone != nil {
			s.OnNodeDone(res)
		}
		if fatal == nil && !rep.ReportProgress(report.Permille(i+1, len(entries)), res.Name) {
			fatal = fault.ErrAborted
		}
	}
	return result, errs.ErrorOrNil()
}

func (s *Sequence) runNode(ctx context.Context, e Entry) NodeResult {
	sys := s.System
	res := NodeResult{Entry: e, Name: sys.Name(e.Node)}
	entry := log.WithFields(log.Fields{"node": res.Name, "files": len(e.Files)})

	route, err := routing.Calculate(&sys.Topology, sys.ActiveBus, e.Node)
	if err != nil {
		res.Err = err
		entry.Errorf("no route: %v", err)
		return res
	}
	res.Route = route
	entry.Infof("route %s", route)

	d := s.Driver
	if err := d.Init(ctx, s.Conn, sys.Bitrate, sys.Addressing(e.Node, route)); err != nil {
		return withStep(res, err)
	}
	err = routing.WithRoute(ctx, route, d.HopController(), func(ctx context.Context) error {
		if err := d.ActivateFlashloader(ctx, sys.ResetWait); err != nil {
			return err
		}
		if _, err := d.ReadDeviceInformation(ctx); err != nil {
			return err
		}
		if err := d.UpdateNode(ctx, e.Files, sys.DownloadTimeout, sys.TransferTimeout,
			flash_driver.WithSkipIfIdentical(e.SkipAllowed())); err != nil {
			return err
		}
		if e.changesConfiguration() {
			d.RecordConfigurationChange(flash_driver.ChangeKindFor(sys.BusType(), true, false))
		}
		return d.ResetSystem(ctx)
	})
	if err != nil {
		return withStep(res, err)
	}
	entry.Info("node updated")
	return res
}

func withStep(res NodeResult, err error) NodeResult {
	res.Err = err
	var stepErr *flash_driver.StepError
	if errors.As(err, &stepErr) {
		res.Step = stepErr.Step
	}
	return res
}
