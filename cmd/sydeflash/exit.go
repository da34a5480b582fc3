package main

import (
	"errors"
	"fmt"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
)

// 进程退出码, 与驱动的步骤一一对应
const (
	exitOK            = 0
	exitInit          = 1
	exitActivate      = 2
	exitReadInfo      = 3
	exitUpdate        = 4
	exitReset         = 5
	exitHelp          = 6
	exitInvalidParams = 7
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var stepErr *flash_driver.StepError
	if errors.As(err, &stepErr) {
		switch stepErr.Step {
		case flash_driver.StepInit:
			return exitInit
		case flash_driver.StepActivate:
			return exitActivate
		case flash_driver.StepReadInfo:
			return exitReadInfo
		case flash_driver.StepCheckMemory, flash_driver.StepUpdate:
			return exitUpdate
		case flash_driver.StepReset:
			return exitReset
		}
	}
	var usage *usageError
	if errors.As(err, &usage) || errors.Is(err, fault.ErrPrecondition) {
		return exitInvalidParams
	}
	// 打不开接口或者路由失败都发生在初始化阶段
	switch fault.Classify(err) {
	case fault.KindTransport, fault.KindUnreachable, fault.KindTopology, fault.KindTimeout:
		return exitInit
	}
	return exitInvalidParams
}

// summarize 给控制台的一行结果; 原始应答和 NRC 只写进日志文件
func summarize(err error) string {
	var stepErr *flash_driver.StepError
	if errors.As(err, &stepErr) {
		return fmt.Sprintf("%s failed (%s)", stepErr.Step, fault.Classify(stepErr.Err))
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return "invalid parameters: " + usage.Error()
	}
	if k := fault.Classify(err); k != fault.KindUnknown {
		return fmt.Sprintf("failed (%s): %v", k, err)
	}
	return err.Error()
}
