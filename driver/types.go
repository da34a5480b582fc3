package driver

import "time"

// 缓冲区和轮询配置常量
const (
	RxChannelBufferSize = 1024                  // 接收通道缓冲区大小
	SubscriberBuffer    = 256                   // 单个订阅者的缓冲区大小
	PollingInterval     = time.Millisecond      // 轮询间隔
	InitDelay           = 20 * time.Millisecond // 初始化延迟
)

// CanType 定义 CAN 类型
type CanType byte

const (
	CAN   CanType = 0
	CANFD CanType = 1
)

// Kind names a dispatcher implementation selectable from the command line.
type Kind string

const (
	KindSocketCAN Kind = "socketcan"
	KindSLCAN     Kind = "slcan"
	// PEAK PCAN-Basic 和 Vector XL 只有 Windows 驱动
	KindPCAN   Kind = "pcan"
	KindVector Kind = "vector"
)

const (
	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)
