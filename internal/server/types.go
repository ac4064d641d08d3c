package server

import (
	"strings"
	"sync/atomic"
)

// State is the lifecycle state of one connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State   { return State(b.v.Load()) }
func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
