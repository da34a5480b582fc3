package flash_driver

import (
	"time"

	"github.com/LoveWonYoung/sydeflash/broadcast"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/services"
	"github.com/LoveWonYoung/sydeflash/stw_flashloader"
)

type Config struct {
	// MaxBlockLength 客户端允许的单条 TransferData 请求最大长度 (含 SID 和序号)
	MaxBlockLength int

	// 激活轮询: 复位等待结束后, 每次请求等待 PollTimeout, 失败后间隔 PollInterval,
	// 总共最多持续 ActivateWindow
	PollTimeout    time.Duration
	PollInterval   time.Duration
	ActivateWindow time.Duration

	SecurityLevel byte
	KeyFunc       services.KeyFunc

	FingerprintUser string
	// StartApplication 为 false 时 ResetSystem 不复位, 设备停留在闪存加载程序中
	StartApplication bool

	InfoTTL   time.Duration
	ResetWait ResetWaitTable
	Reporter  report.Reporter

	BroadcastOptions []broadcast.Option
	STWOptions       []stw_flashloader.Option
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		MaxBlockLength:   4096,
		PollTimeout:      200 * time.Millisecond,
		PollInterval:     100 * time.Millisecond,
		ActivateWindow:   5 * time.Second,
		SecurityLevel:    0x01,
		FingerprintUser:  "sydeflash",
		StartApplication: true,
		InfoTTL:          10 * time.Minute,
		ResetWait:        DefaultResetWaitTable(),
		Reporter:         report.Nop{},
	}
}

func WithMaxBlockLength(n int) Option {
	return func(c *Config) {
		if n > 2 {
			c.MaxBlockLength = n
		}
	}
}

// WithActivatePolling 设置激活轮询的节奏
func WithActivatePolling(timeout, interval, window time.Duration) Option {
	return func(c *Config) {
		c.PollTimeout = timeout
		c.PollInterval = interval
		c.ActivateWindow = window
	}
}

func WithSecurity(level byte, fn services.KeyFunc) Option {
	return func(c *Config) {
		c.SecurityLevel = level
		c.KeyFunc = fn
	}
}

func WithFingerprintUser(user string) Option { return func(c *Config) { c.FingerprintUser = user } }

// WithoutStartApplication leaves the node in its flashloader after the update.
func WithoutStartApplication() Option { return func(c *Config) { c.StartApplication = false } }

func WithInfoTTL(d time.Duration) Option { return func(c *Config) { c.InfoTTL = d } }

func WithResetWaitTable(t ResetWaitTable) Option { return func(c *Config) { c.ResetWait = t } }

func WithReporter(r report.Reporter) Option {
	return func(c *Config) { c.Reporter = report.OrNop(r) }
}

func WithBroadcastOptions(opts ...broadcast.Option) Option {
	return func(c *Config) { c.BroadcastOptions = append(c.BroadcastOptions, opts...) }
}

func WithSTWOptions(opts ...stw_flashloader.Option) Option {
	return func(c *Config) { c.STWOptions = append(c.STWOptions, opts...) }
}
