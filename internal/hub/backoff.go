package hub

import "time"

// reconnectDelays is the wait before each reconnect attempt. Attempts past
// the end reuse the last value.
var reconnectDelays = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// ReconnectPolicy is the retry schedule handed to the transport. It never
// gives up; reconnection continues until Stop or a permanent server close.
type ReconnectPolicy struct{}

// NextRetryDelay returns the wait before the attempt that follows
// previousRetryCount consecutive failures.
func (ReconnectPolicy) NextRetryDelay(previousRetryCount int) (time.Duration, bool) {
	if previousRetryCount < 0 {
		previousRetryCount = 0
	}
	if previousRetryCount >= len(reconnectDelays) {
		return reconnectDelays[len(reconnectDelays)-1], true
	}
	return reconnectDelays[previousRetryCount], true
}
