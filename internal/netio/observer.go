package netio

import (
	"time"
)

// BlockObserver receives a notification for every block of bytes read
// from or written to a TcpEndpoint. Implementations must not panic and
// must not block on further I/O.
type BlockObserver interface {
	OnBlockWritten(n int)
	OnBlockRead(n int)
}

// TraceEmitter is the minimal logging capability BlockObserver
// implementations need; internal/diagnostics.Sink satisfies it.
type TraceEmitter interface {
	Tracef(category, format string, args ...interface{})
}

// TimestampObserver is a BlockObserver that emits two trace lines per event (`{Write|Read}.size=<N>` and
// `{Write|Read}.timestamp=<ns>`), and attempts kernel TX software
// timestamping on construction, falling back to user-space monotonic
// timestamps when the platform doesn't support it or the error queue
// drain exceeds its 3-second bound. The actual socket-option wiring is
// platform-specific; see timestamp_linux.go / timestamp_other.go.
type TimestampObserver struct {
	sink      TraceEmitter
	txEnabled bool
	drain     txTimestampDrainer
}

// txTimestampDrainer abstracts draining the socket error queue for a
// kernel TX timestamp. On non-Linux platforms (or after the 3-second
// bound is exceeded once) it is nil and TX timestamps fall back to
// monotonic time, same as RX always does.
type txTimestampDrainer interface {
	// DrainOne waits up to budget for one queued TX timestamp; returns
	// ok=false (not an error) on timeout, letting the caller fall back.
	DrainOne(budget time.Duration) (ns int64, ok bool)
}

// NewTimestampObserver attempts to enable kernel TX timestamping on
// fd (a raw socket descriptor); enabling is best-effort and silent on
// failure, matching the "optional platform capability".
func NewTimestampObserver(sink TraceEmitter, fd uintptr) *TimestampObserver {
	drain, enabled := tryEnableTXTimestamping(fd)
	return &TimestampObserver{sink: sink, txEnabled: enabled, drain: drain}
}

const txTimestampBound = 3 * time.Second

func (o *TimestampObserver) OnBlockWritten(n int) {
	ts := time.Now().UnixNano()
	if o.txEnabled && o.drain != nil {
		if ns, ok := o.drain.DrainOne(txTimestampBound); ok {
			ts = ns
		} else {
			// EAGAIN past the bound: fall back to user-space timestamps
			// for all subsequent writes.
			o.txEnabled = false
		}
	}
	o.sink.Tracef("Write", "Write.size=%d", n)
	o.sink.Tracef("Write", "Write.timestamp=%d", ts)
}

func (o *TimestampObserver) OnBlockRead(n int) {
	// RX kernel timestamps are not meaningful for TCP here; always
	// user-space monotonic.
	ts := time.Now().UnixNano()
	o.sink.Tracef("Read", "Read.size=%d", n)
	o.sink.Tracef("Read", "Read.timestamp=%d", ts)
}
