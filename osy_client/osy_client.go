package osy_client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	log "github.com/sirupsen/logrus"
)

// Link 是客户端所需的报文级传输接口; CAN (ISO-TP) 和以太网 (TCP) 各有一个实现,
// 测试中可以注入 Mock 对象
type Link interface {
	Send(target node.Address, data []byte) error
	Recv() (source node.Address, data []byte, ok bool)
	Err() error
	Close() error
}

const (
	recvPollInterval              = 2 * time.Millisecond    // 接收轮询间隔
	defaultResponsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时
)

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout time.Duration // 单次请求超时, 可被服务器级轮询超时覆盖
	// RetryBusy 收到 0x21 时原样重发, 最多 MaxRetries 次.
	// 只适合幂等请求; TransferData 等有状态的服务不能打开
	RetryBusy  bool
	MaxRetries int
	RetryDelay time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项: 每个请求只发一次, 负响应交给调用方
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:    500 * time.Millisecond,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Client 在一条链路上与多个服务器通信; 同一时刻只有一个未完成的请求
type Client struct {
	link  Link
	reqMu sync.Mutex

	pollMu         sync.Mutex
	polling        map[node.Address]time.Duration
	pendingTimeout time.Duration
}

func NewClient(link Link) *Client {
	return &Client{
		link:           link,
		polling:        make(map[node.Address]time.Duration),
		pendingTimeout: defaultResponsePendingTimeout,
	}
}

// SetResponsePendingTimeout sets how long one 0x78 response extends the wait.
func (c *Client) SetResponsePendingTimeout(d time.Duration) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	c.pendingTimeout = d
}

// SetPollingTimeout 为单个服务器设置响应超时 (例如擦除 Flash 期间), 不影响其他服务器
func (c *Client) SetPollingTimeout(server node.Address, d time.Duration) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	c.polling[server] = d
	log.Debugf("polling timeout for %s set to %v", server, d)
}

// ResetPollingTimeout 恢复服务器的默认超时
func (c *Client) ResetPollingTimeout(server node.Address) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	delete(c.polling, server)
}

// PollingTimeout returns the timeout in force for server.
func (c *Client) PollingTimeout(server node.Address, fallback time.Duration) time.Duration {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if d, ok := c.polling[server]; ok {
		return d
	}
	return fallback
}

func (c *Client) responsePendingTimeout() time.Duration {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	return c.pendingTimeout
}

// Send 发送请求但不等待响应 (例如抑制正响应的复位请求)
func (c *Client) Send(server node.Address, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("请求 payload 不能为空")
	}
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.link.Send(server, payload)
}

// Request 发送请求并等待来自同一服务器、同一服务的响应:
//   - 其他服务器或其他服务的报文被丢弃
//   - 0x78 Response Pending 延长等待时间
//   - 负响应以 *NegativeResponseError 返回, 同时返回原始响应
//   - 只有 opts.RetryBusy 打开时才重发 0x21 忙响应
func (c *Client) Request(ctx context.Context, server node.Address, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	sid := payload[0]
	timeout := c.PollingTimeout(server, opts.Timeout)

	var lastErr error
	var lastResp []byte
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debugf("请求重试 (%d/%d), server=%s SID=0x%02X", attempt, opts.MaxRetries, server, sid)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}

		response, err := c.singleRequest(ctx, server, payload, timeout)
		if err == nil {
			return response, nil
		}
		var nrErr *NegativeResponseError
		if opts.RetryBusy && errors.As(err, &nrErr) && nrErr.IsRetryable() && attempt < opts.MaxRetries {
			lastErr = err
			lastResp = response
			continue
		}
		return response, err
	}
	return lastResp, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *Client) singleRequest(ctx context.Context, server node.Address, payload []byte, timeout time.Duration) ([]byte, error) {
	sid := payload[0]

	// 发送前清空可能存在的旧响应
	for {
		if _, _, ok := c.link.Recv(); !ok {
			break
		}
	}

	if err := c.link.Send(server, payload); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("server %s SID 0x%02X: no response within %v: %w", server, sid, timeout, fault.ErrTimeout)
		default:
		}

		source, data, ok := c.link.Recv()
		if !ok {
			if err := c.link.Err(); err != nil {
				return nil, err
			}
			time.Sleep(recvPollInterval)
			continue
		}
		if source != server || len(data) == 0 {
			log.Debugf("丢弃来自 %s 的无关报文 % X", source, data)
			continue
		}

		if data[0] == sid+0x40 {
			return data, nil
		}
		if data[0] != NegativeResponseSID || len(data) < 3 || data[1] != sid {
			log.Debugf("丢弃不匹配的响应 % X (SID=0x%02X)", data, sid)
			continue
		}

		nrc := data[2]
		if nrc == NRCResponsePending {
			pending := c.responsePendingTimeout()
			if pending < timeout {
				pending = timeout
			}
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(pending)
			log.Debugf("收到 Response Pending (server=%s SID=0x%02X)，继续等待...", server, sid)
			continue
		}
		return data, NewNegativeResponseError(sid, nrc)
	}
}

// Close 关闭底层链路
func (c *Client) Close() error {
	return c.link.Close()
}
