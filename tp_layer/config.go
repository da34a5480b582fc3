package tp_layer

import "time"

// Config 是传输层的可调参数
type Config struct {
	TimeoutN_Cr time.Duration // 等待连续帧超时
	TimeoutN_Bs time.Duration // 等待流控帧超时
	BlockSize   int           // 本端作为接收方时通告的块大小, 0 = 不限
	StMin       byte          // 本端作为接收方时通告的 STmin (原始编码)
	PaddingByte *byte         // nil 表示不填充
	MaxWait     int           // 允许对方连续发送的 Wait 流控帧数量
}

// DefaultConfig matches the timing openSYDE servers use on CAN.
func DefaultConfig() Config {
	pad := byte(0x00)
	return Config{
		TimeoutN_Cr: time.Second,
		TimeoutN_Bs: time.Second,
		BlockSize:   0,
		StMin:       0,
		PaddingByte: &pad,
		MaxWait:     20,
	}
}
