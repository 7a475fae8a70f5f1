package errors

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryConfig 描述指数退避重试策略。
// MaxRetries 为首次尝试之后允许的重试次数；Backoff[i] 为第 i+1 次重试前的等待时间，
// 重试次数超过 Backoff 长度时沿用最后一个值。Backoff 为空时从 1s 起逐次翻倍。
type RetryConfig struct {
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultRetryConfig 返回 1s/2s/4s 三次重试的默认策略。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Delay 返回第 retry 次重试（从 1 开始）之前的等待时间。
func (c RetryConfig) Delay(retry int) time.Duration {
	if len(c.Backoff) == 0 || retry <= 0 {
		return 0
	}
	if retry > len(c.Backoff) {
		return c.Backoff[len(c.Backoff)-1]
	}
	return c.Backoff[retry-1]
}

// BackOff 将配置转换为 backoff 策略，重试次数耗尽后返回 backoff.Stop。
func (c RetryConfig) BackOff() backoff.BackOff {
	if c.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	var b backoff.BackOff
	if len(c.Backoff) > 0 {
		b = &scheduleBackOff{cfg: c}
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = time.Second
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}
	return backoff.WithMaxRetries(b, uint64(c.MaxRetries))
}

// scheduleBackOff 按 RetryConfig.Backoff 列表取值。
type scheduleBackOff struct {
	cfg   RetryConfig
	retry int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	s.retry++
	return s.cfg.Delay(s.retry)
}

func (s *scheduleBackOff) Reset() { s.retry = 0 }

// SleepFunc 在等待指定时间或上下文结束后返回。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep 是默认的 SleepFunc 实现。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sleepTimer 让 backoff 通过 SleepFunc 等待。
type sleepTimer struct {
	ctx   context.Context
	sleep SleepFunc
	c     chan time.Time
	err   error
}

func (t *sleepTimer) Start(d time.Duration) {
	t.err = t.sleep(t.ctx, d)
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

// Retry 执行 fn，并在返回可重试错误时按照退避策略重试。
// onRetry 在每次重试开始前调用，参数为重试序号与上一次的错误。
// 失败时总是返回最后一次调用的错误。
func Retry(ctx context.Context, cfg RetryConfig, sleep SleepFunc, fn func(ctx context.Context, attempt int) error, onRetry func(retry int, lastErr error)) error {
	if sleep == nil {
		sleep = Sleep
	}
	timer := &sleepTimer{ctx: ctx, sleep: sleep, c: make(chan time.Time, 1)}
	var (
		attempt int
		lastErr error
	)
	operation := func() error {
		if attempt > 0 && timer.err != nil {
			return backoff.Permanent(lastErr)
		}
		err := fn(ctx, attempt)
		attempt++
		if err == nil {
			return nil
		}
		lastErr = err
		if !RetryableError(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	if err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(cfg.BackOff(), ctx), notify, timer); err != nil {
		return lastErr
	}
	return nil
}
