package flash_driver

import (
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
)

// ChangeKind 描述上一次配置变更对通信的影响, 决定设备复位后需要的等待时间
type ChangeKind int

const (
	NoChangesCAN ChangeKind = iota
	NoChangesEthernet
	NoFundamentalComChangesCAN
	NoFundamentalComChangesEthernet
	FundamentalComChangesCAN // 例如修改波特率
	FundamentalComChangesEthernet
)

func (k ChangeKind) String() string {
	switch k {
	case NoChangesCAN:
		return "no changes (CAN)"
	case NoChangesEthernet:
		return "no changes (Ethernet)"
	case NoFundamentalComChangesCAN:
		return "no fundamental changes (CAN)"
	case NoFundamentalComChangesEthernet:
		return "no fundamental changes (Ethernet)"
	case FundamentalComChangesCAN:
		return "fundamental changes (CAN)"
	case FundamentalComChangesEthernet:
		return "fundamental changes (Ethernet)"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ChangeKindFor picks the category for a change on bus.
// fundamental: bitrate or IP changed; changed: anything affecting communication changed.
func ChangeKindFor(bus node.BusType, changed, fundamental bool) ChangeKind {
	k := NoChangesCAN
	switch {
	case fundamental:
		k = FundamentalComChangesCAN
	case changed:
		k = NoFundamentalComChangesCAN
	}
	if bus == node.Ethernet {
		k++
	}
	return k
}

// ResetWaitTable 由设备厂商提供的复位等待时间下限; 默认值只是保守估计
type ResetWaitTable struct {
	NoChangesCAN                    time.Duration
	NoChangesEthernet               time.Duration
	NoFundamentalComChangesCAN      time.Duration
	NoFundamentalComChangesEthernet time.Duration
	FundamentalComChangesCAN        time.Duration
	FundamentalComChangesEthernet   time.Duration
}

func DefaultResetWaitTable() ResetWaitTable {
	return ResetWaitTable{
		NoChangesCAN:                    1 * time.Second,
		NoChangesEthernet:               5 * time.Second,
		NoFundamentalComChangesCAN:      1 * time.Second,
		NoFundamentalComChangesEthernet: 5 * time.Second,
		FundamentalComChangesCAN:        2 * time.Second,
		FundamentalComChangesEthernet:   10 * time.Second,
	}
}

func (t ResetWaitTable) Get(k ChangeKind) time.Duration {
	switch k {
	case NoChangesCAN:
		return t.NoChangesCAN
	case NoChangesEthernet:
		return t.NoChangesEthernet
	case NoFundamentalComChangesCAN:
		return t.NoFundamentalComChangesCAN
	case NoFundamentalComChangesEthernet:
		return t.NoFundamentalComChangesEthernet
	case FundamentalComChangesCAN:
		return t.FundamentalComChangesCAN
	case FundamentalComChangesEthernet:
		return t.FundamentalComChangesEthernet
	}
	return 0
}

// Merge 用 o 中的非零项覆盖 t
func (t ResetWaitTable) Merge(o ResetWaitTable) ResetWaitTable {
	pick := func(a, b time.Duration) time.Duration {
		if b > 0 {
			return b
		}
		return a
	}
	return ResetWaitTable{
		NoChangesCAN:                    pick(t.NoChangesCAN, o.NoChangesCAN),
		NoChangesEthernet:               pick(t.NoChangesEthernet, o.NoChangesEthernet),
		NoFundamentalComChangesCAN:      pick(t.NoFundamentalComChangesCAN, o.NoFundamentalComChangesCAN),
		NoFundamentalComChangesEthernet: pick(t.NoFundamentalComChangesEthernet, o.NoFundamentalComChangesEthernet),
		FundamentalComChangesCAN:        pick(t.FundamentalComChangesCAN, o.FundamentalComChangesCAN),
		FundamentalComChangesEthernet:   pick(t.FundamentalComChangesEthernet, o.FundamentalComChangesEthernet),
	}
}
