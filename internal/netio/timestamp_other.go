//go:build !linux

package netio

import "time"

// tryEnableTXTimestamping is a no-op on platforms without the Linux
// SO_TIMESTAMPING facility; TimestampObserver falls back to
// user-space monotonic timestamps for every write, same as RX.
func tryEnableTXTimestamping(fd uintptr) (txTimestampDrainer, bool) {
	return nil, false
}

var _ = time.Second
