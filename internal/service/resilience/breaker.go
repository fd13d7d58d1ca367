// Package resilience guards remote AI calls with a timeout and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
)

// Config 熔断器配置。
type Config struct {
	Name string
	// MaxFailures 连续失败多少次后打开熔断。
	MaxFailures uint32
	// OpenTimeout 打开状态持续多久后进入半开。
	OpenTimeout time.Duration
	// HalfOpenMaxRequests 半开状态允许通过的探测请求数。
	HalfOpenMaxRequests uint32
	// CallTimeout 单次远程调用的超时，0 表示不额外设置。
	CallTimeout time.Duration
}

// Breaker wraps gobreaker for one remote collaborator.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// New creates a breaker. Zero fields take defaults: 3 failures, 30s open, 1 half-open request.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// 输入校验失败与调用方取消不算远端故障。
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperr.ErrValidation) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[breaker] %s: %s -> %s", name, from, to)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), timeout: cfg.CallTimeout}
}

// Do runs fn under the call timeout and the breaker. An open circuit yields an error
// wrapping both apperr.ErrServiceUnavailable and apperr.ErrCircuitOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", apperr.ErrServiceUnavailable, b.cb.Name(), apperr.ErrCircuitOpen)
	}
	return err
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if b == nil {
		return fn(ctx)
	}
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
