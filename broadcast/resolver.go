// Package broadcast implements the openSYDE broadcast services used to find
// servers and change their addresses before any point-to-point session exists.
//
// A broadcast with no answers is a valid outcome: the services return an empty
// result and a nil error, and only link problems are reported as errors.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State of one discovery attempt.
type State int

const (
	Idle State = iota
	BroadcastSent
	CollectingResponses
	Resolved
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case BroadcastSent:
		return "BroadcastSent"
	case CollectingResponses:
		return "CollectingResponses"
	case Resolved:
		return "Resolved"
	case TimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	// Window 收集应答的时间窗口
	Window time.Duration
	// ResponseTimeout 定向配置服务 (例如按序列号设置节点 ID) 等待应答的时间
	ResponseTimeout time.Duration
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		Window:          300 * time.Millisecond,
		ResponseTimeout: time.Second,
	}
}

func WithWindow(d time.Duration) Option { return func(c *Config) { c.Window = d } }

func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) { c.ResponseTimeout = d }
}

// tracker records the state of the attempt in progress.
type tracker struct {
	mu    sync.Mutex
	state State
	name  string
}

func (t *tracker) set(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != s {
		log.Tracef("%s broadcast: %s -> %s", t.name, t.state, s)
	}
	t.state = s
}

// finish moves to Resolved when anything answered, TimedOut otherwise.
func (t *tracker) finish(responses int) {
	if responses > 0 {
		t.set(Resolved)
		return
	}
	t.set(TimedOut)
}

func (t *tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
