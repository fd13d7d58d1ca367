package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("bad request"), want: false},
		{name: "validation", err: Validation("empty"), want: false},
		{name: "deadline", err: fmt.Errorf("chat: %w", context.DeadlineExceeded), want: true},
		{name: "circuit open", err: fmt.Errorf("chat: %w", ErrCircuitOpen), want: true},
		{name: "conn refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: true},
		{name: "abnormal close", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: true},
		{name: "normal close", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: false},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}

func TestValidationUnwraps(t *testing.T) {
	err := Validation("message body is empty")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err.Error() != "validation error: message body is empty" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
