package netio_test

import (
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tlsprobe/tlsprobe/internal/netio"
)

func loopbackPair(t *testing.T) (client, server *netio.TcpEndpoint) {
	t.Helper()
	server = netio.NewTcpEndpoint()
	require.NoError(t, server.Listen(0, 2*time.Second))
	_, portStr, err := net.SplitHostPort(server.ListenAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := server.Work()
		accepted <- err
	}()

	client = netio.NewTcpEndpoint()
	require.NoError(t, client.Connect("127.0.0.1", port))
	require.NoError(t, <-accepted)
	return client, server
}

func TestReadWriteRoundTrip(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	payload := []byte("client hello bytes")
	go func() {
		_, _ = client.Write(payload)
	}()

	got := make([]byte, len(payload))
	n, err := server.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestIsClosedFalseWhileOpenWithNoData(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	require.False(t, server.IsClosed(true))
	require.False(t, server.IsClosed(false))
}

// TestIsClosedObservesPeerFIN verifies the core invariant:
// once the peer closes its write side, IsClosed must observe the FIN
// and report true, and every subsequent call must also report true
// without blocking.
func TestIsClosedObservesPeerFIN(t *testing.T) {
	client, server := loopbackPair(t)
	defer server.Close()

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return server.IsClosed(false)
	}, time.Second, 10*time.Millisecond)

	// Monotonic: every subsequent call still reports true.
	require.True(t, server.IsClosed(true))
	require.True(t, server.IsClosed(false))
}

func TestAvailableReportsBufferedBytes(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	_, err := client.Write([]byte("abc"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return server.Available() >= 3
	}, time.Second, 10*time.Millisecond)
}

// recordingObserver captures every notification a TimestampObserver or
// raw TcpEndpoint emits, standing in for internal/diagnostics.Sink.
type recordingObserver struct {
	lines []string
}

func (r *recordingObserver) Tracef(category, format string, args ...interface{}) {
	r.lines = append(r.lines, category+": "+fmt.Sprintf(format, args...))
}

func TestTimestampObserverEmitsSizeAndTimestamp(t *testing.T) {
	rec := &recordingObserver{}
	obs := netio.NewTimestampObserver(rec, 0) // fd=0: TX timestamping setup is best-effort and silently disabled here

	obs.OnBlockWritten(42)
	require.Len(t, rec.lines, 2)
	require.Contains(t, rec.lines[0], "Write.size=42")
	require.Contains(t, rec.lines[1], "Write.timestamp=")

	rec.lines = nil
	obs.OnBlockRead(7)
	require.Len(t, rec.lines, 2)
	require.Contains(t, rec.lines[0], "Read.size=7")
	require.Contains(t, rec.lines[1], "Read.timestamp=")
}
