package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
)

// CallPolicy は外部呼び出し1回あたりのタイムアウトとリトライ回数です
type CallPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultCallPolicy は既定の呼び出しポリシーを返します
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		Timeout:    20 * time.Second,
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

func (p CallPolicy) normalize() CallPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 20 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay * 10
	}
	return p
}

// call は fn を試行ごとのタイムアウト付きで実行し、失敗時はバックオフしてリトライします
// リトライ後も失敗した場合は domain.ErrExternalService でラップしたエラーを返します
func call[T any](ctx context.Context, p CallPolicy, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalize()

	rp := retrypolicy.NewBuilder[T]().
		WithBackoff(p.BaseDelay, p.MaxDelay).
		WithMaxRetries(p.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrInvalid)
		}).
		Build()

	start := time.Now()
	var lastErr error
	result, err := failsafe.With(rp).WithContext(ctx).Get(func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		v, err := fn(attemptCtx)
		if err != nil {
			lastErr = err
		}
		return v, err
	})
	externalCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		externalCallFailuresTotal.WithLabelValues(name).Inc()
		if lastErr == nil {
			lastErr = err
		}
		var zero T
		return zero, fmt.Errorf("%w (%s): %w", domain.ErrExternalService, name, lastErr)
	}
	return result, nil
}

// PolicyFromConfig は設定値から呼び出しポリシーを作成します
func PolicyFromConfig(cfg *config.Config) CallPolicy {
	p := DefaultCallPolicy()
	if cfg == nil {
		return p
	}
	p.Timeout = cfg.CallTimeout
	p.MaxRetries = cfg.CallMaxRetries
	p.BaseDelay = cfg.CallBaseDelay
	p.MaxDelay = 0
	return p.normalize()
}
