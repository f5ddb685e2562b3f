//go:build linux

package netio

import (
	"time"

	"golang.org/x/sys/unix"
)

// unixTXTimestampDrainer drains SO_TIMESTAMPING completions from a
// socket's error queue (MSG_ERRQUEUE), the kernel software TX
// timestamping path on Linux.
type unixTXTimestampDrainer struct {
	fd int
}

func tryEnableTXTimestamping(fd uintptr) (txTimestampDrainer, bool) {
	ifd := int(fd)
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_ID
	if err := unix.SetsockoptInt(ifd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		return nil, false
	}
	return &unixTXTimestampDrainer{fd: ifd}, true
}

func (d *unixTXTimestampDrainer) DrainOne(budget time.Duration) (int64, bool) {
	deadline := time.Now().Add(budget)
	buf := make([]byte, 512)
	oob := make([]byte, 512)
	for time.Now().Before(deadline) {
		pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLERR}}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		n, _ := unix.Poll(pfd, int(remaining.Milliseconds()))
		if n <= 0 {
			continue
		}
		_, oobn, _, _, err := unix.Recvmsg(d.fd, buf, oob, unix.MSG_ERRQUEUE)
		if err != nil {
			continue
		}
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			continue
		}
		for _, scm := range scms {
			if scm.Header.Level == unix.SOL_SOCKET && scm.Header.Type == unix.SO_TIMESTAMPING {
				if len(scm.Data) >= 16 {
					sec := int64(le64(scm.Data[0:8]))
					nsec := int64(le64(scm.Data[8:16]))
					return sec*int64(time.Second) + nsec, true
				}
			}
		}
	}
	return 0, false
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
