// Package apperr 定义会话引擎对外暴露的错误分类，以及“看起来像网络故障”的判定。
package apperr

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrDeviceUnavailable 麦克风/摄像头权限被拒绝或设备不存在，不自动重试。
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrServiceUnavailable 远端 AI 服务调用失败或超时。
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrValidation 输入为空或格式错误，在任何网络调用之前就被拒绝。
	ErrValidation = errors.New("validation error")
	// ErrDeliveryExhausted 发件箱条目超过重试上限，需要用户手动重试或忽略。
	ErrDeliveryExhausted = errors.New("delivery exhausted")
	// ErrCircuitOpen 熔断器处于打开状态，请求被直接拒绝。
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Validation 包装一个带说明的校验错误。
func Validation(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return "validation error: " + e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }

// IsTransient 判断错误是否可能由网络抖动引起，可以进入发件箱稍后重发。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseAbnormalClosure || closeErr.Code == websocket.CloseGoingAway
	}

	return false
}
