package hub

import (
	"strings"
	"sync/atomic"
)

// UnsupportedFunc reports whether err means the server does not implement
// the invoked method.
type UnsupportedFunc func(err error) bool

// MethodDoesNotExist matches the hub's standard error for an unknown method.
func MethodDoesNotExist(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "method does not exist")
}

// capabilities tracks the optional room operations. Once the server
// rejects either one as unknown, both stay disabled for the lifetime of the
// manager.
type capabilities struct {
	rooms       atomic.Bool
	unsupported UnsupportedFunc
}

func newCapabilities(unsupported UnsupportedFunc) *capabilities {
	if unsupported == nil {
		unsupported = MethodDoesNotExist
	}
	c := &capabilities{unsupported: unsupported}
	c.rooms.Store(true)
	return c
}

func (c *capabilities) roomsSupported() bool {
	return c.rooms.Load()
}

// observe classifies a failed room call. handled is true when err means the
// method is unknown; downgraded is true only for the call that flipped the
// flag.
func (c *capabilities) observe(err error) (handled, downgraded bool) {
	if !c.unsupported(err) {
		return false, false
	}
	return true, c.rooms.CompareAndSwap(true, false)
}
