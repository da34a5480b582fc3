package services

import "time"

const (
	defaultServiceTimeout = 2 * time.Second
	// 擦除/校验类服务在设备端耗时较长
	defaultProgrammingTimeout = 10 * time.Second
)

func resolveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultServiceTimeout
	}
	return timeout
}
