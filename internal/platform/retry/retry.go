package retry

import (
	"context"
	"time"
)

// Policy 描述一个有界重试：最多 Attempts 次，相邻两次之间等待 Delay。
// 设备打开与取帧都用同一个组合子，避免散落的 sleep 循环。
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Do 依次调用 fn(attempt)（attempt 从 1 开始），直到成功或次数用尽。
// 返回最后一次的错误；ctx 取消时立即停止等待并返回 ctx.Err()。
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if attempt < p.Attempts && p.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	return lastErr
}
