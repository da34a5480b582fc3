package psi

import (
	"fmt"
	"strings"

	"github.com/LoveWonYoung/sydeflash/fault"
)

// SafetyMode decides how a HALC configuration is split into parameter set files.
type SafetyMode uint8

const (
	OneLevelAllVisible SafetyMode = iota
	OneLevelAllInvisible
	TwoLevelsWithDropping
	TwoLevelsWithoutDropping
)

func (m SafetyMode) String() string {
	switch m {
	case OneLevelAllVisible:
		return "one-level-all-visible"
	case OneLevelAllInvisible:
		return "one-level-all-invisible"
	case TwoLevelsWithDropping:
		return "two-levels-with-dropping"
	case TwoLevelsWithoutDropping:
		return "two-levels-without-dropping"
	default:
		return fmt.Sprintf("SafetyMode(%d)", uint8(m))
	}
}

// ParseSafetyMode accepts the names produced by String.
func ParseSafetyMode(s string) (SafetyMode, error) {
	for m := OneLevelAllVisible; m <= TwoLevelsWithoutDropping; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown safety mode %q: %w", s, fault.ErrPrecondition)
}

// ResultFiles 该模式需要的输出文件数
func (m SafetyMode) ResultFiles() int {
	if m == TwoLevelsWithDropping || m == TwoLevelsWithoutDropping {
		return 2
	}
	return 1
}

// HALCConfig 是导出参数集所需的 HALC 配置内容
type HALCConfig struct {
	Mode     SafetyMode
	Datapool string
	Safe     []Entry
	NonSafe  []Entry
}

// CreateParameterSetImage 按安全模式生成参数集文件.
//
// 单级模式把所有参数写入 resultPaths[0]. 双级模式把安全参数写入 resultPaths[0],
// 非安全参数写入 resultPaths[1]; TwoLevelsWithoutDropping 时非安全文件同时保留安全参数.
// 路径数量不匹配时, 不写任何文件直接返回 fault.ErrPrecondition.
func CreateParameterSetImage(cfg HALCConfig, resultPaths []string) error {
	want := cfg.Mode.ResultFiles()
	if len(resultPaths) != want {
		return fmt.Errorf("safety mode %s needs %d result file(s), got %d: %w",
			cfg.Mode, want, len(resultPaths), fault.ErrPrecondition)
	}
	for _, p := range resultPaths {
		if p == "" {
			return fmt.Errorf("empty result path: %w", fault.ErrPrecondition)
		}
	}

	var images []*Image
	switch cfg.Mode {
	case OneLevelAllVisible, OneLevelAllInvisible:
		all := append(append([]Entry(nil), cfg.Safe...), cfg.NonSafe...)
		images = []*Image{{Datapool: cfg.Datapool, Entries: all}}
	case TwoLevelsWithDropping:
		images = []*Image{
			{Datapool: cfg.Datapool + "_safe", Entries: cfg.Safe},
			{Datapool: cfg.Datapool + "_nonsafe", Entries: cfg.NonSafe},
		}
	case TwoLevelsWithoutDropping:
		images = []*Image{
			{Datapool: cfg.Datapool + "_safe", Entries: cfg.Safe},
			{Datapool: cfg.Datapool + "_nonsafe", Entries: append(append([]Entry(nil), cfg.Safe...), cfg.NonSafe...)},
		}
	default:
		return fmt.Errorf("unknown safety mode %d: %w", cfg.Mode, fault.ErrPrecondition)
	}

	// 先全部编码, 避免写了一半才发现参数有问题
	encoded := make([][]byte, len(images))
	for i, img := range images {
		data, err := img.Marshal()
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	for i, img := range images {
		if err := writeImage(resultPaths[i], encoded[i], img); err != nil {
			return err
		}
	}
	return nil
}
