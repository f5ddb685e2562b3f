package diagnostics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// memSink builds a Sink identical to New, except writing to an
// in-memory buffer instead of stdout, so tests can assert on the
// canonical tab-separated trace lines a filter actually produces.
func memSink(level Level) (*Sink, *zaptest) {
	buf := &zaptest{}
	enc := newTraceEncoder()
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Sink{logger: logger, level: level}, buf
}

type zaptest struct{ lines []string }

func (b *zaptest) Write(p []byte) (int, error) {
	b.lines = append(b.lines, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestStringTranslationFilter(t *testing.T) {
	s, buf := memSink(High)
	s.RegisterFilter(&StringTranslationFilter{
		Category:     "handshake",
		Translations: map[string]string{"=> handshake": "Handshake started."},
	})

	s.Native(NativeLine{Level: Medium, Message: "=> handshake"})
	require.Len(t, buf.lines, 1)
	require.Contains(t, buf.lines[0], "\thandshake\t")
	require.True(t, strings.HasSuffix(buf.lines[0], "Handshake started."))
}

func TestStringTranslationFilterFallsThroughOnMiss(t *testing.T) {
	s, buf := memSink(High)
	s.RegisterFilter(&StringTranslationFilter{
		Category:     "handshake",
		Translations: map[string]string{"=> handshake": "Handshake started."},
	})

	s.Native(NativeLine{Level: Medium, Message: "some unrelated native line"})
	require.Len(t, buf.lines, 1)
	require.Contains(t, buf.lines[0], "\tnative\t")
	require.True(t, strings.HasSuffix(buf.lines[0], "some unrelated native line"))
}

func TestAlertTranslationFilterEmitsHexFields(t *testing.T) {
	s, buf := memSink(High)
	for _, f := range DefaultFilters() {
		s.RegisterFilter(f)
	}

	s.Native(NativeLine{Level: Medium, Message: "alert sent: level=2 description=10"})
	require.Len(t, buf.lines, 2)
	require.True(t, strings.HasSuffix(buf.lines[0], "Alert.level=02"))
	require.True(t, strings.HasSuffix(buf.lines[1], "Alert.description=0a"))
}

func TestAlertTranslationFilterEmitsFatalReceivedLine(t *testing.T) {
	s, buf := memSink(High)
	for _, f := range DefaultFilters() {
		s.RegisterFilter(f)
	}

	s.Native(NativeLine{Level: Medium, Message: "alert received: level=2 description=51"})
	require.Len(t, buf.lines, 3)
	require.True(t, strings.HasSuffix(buf.lines[0], "Alert.level=02"))
	require.True(t, strings.HasSuffix(buf.lines[1], "Alert.description=33"))
	require.True(t, strings.HasSuffix(buf.lines[2], "Fatal Alert message received."))
}

func TestBitValueFilterDecodesDhmFields(t *testing.T) {
	s, buf := memSink(High)
	s.RegisterFilter(&BitValueFilter{Category: "dhm"})

	s.Native(NativeLine{Level: Medium, HexLabel: "DHM.P", HexBytes: []byte{0xff, 0xff}})
	require.Len(t, buf.lines, 1)
	require.True(t, strings.HasSuffix(buf.lines[0], "ServerKeyExchange.params.dh_p=ffff"))
}

func TestLevelFiltering(t *testing.T) {
	s, buf := memSink(Low)
	s.Event("handshake", "only at LOW or below should this much logging show")
	require.Empty(t, buf.lines, "Event logs at Medium; a Low-configured sink must suppress it")

	s.Tracefl(Low, "handshake", "a LOW-level line")
	require.Len(t, buf.lines, 1)
}
