package diagnostics

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// traceEncoder formats every entry as a single tab-separated line:
// <timestamp>\t<level>\t<category>\t<file>:
// <line>\t<message>. Grounded on _reference/cmd/root.go's
// colorConsoleEncoder, which embeds a zapcore.Encoder purely to reuse
// its field-add machinery and overrides only EncodeEntry; this encoder
// does the same but never relies on the embedded encoder's own entry
// formatting.
type traceEncoder struct {
	zapcore.Encoder
}

func newTraceEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		MessageKey: "msg",
		LevelKey:   "level",
		TimeKey:    "ts",
	}
	return &traceEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (e *traceEncoder) Clone() zapcore.Encoder {
	return &traceEncoder{Encoder: e.Encoder.Clone()}
}

func levelName(lvl zapcore.Level) string {
	switch lvl {
	case zapcore.WarnLevel:
		return "LOW"
	case zapcore.InfoLevel:
		return "MEDIUM"
	case zapcore.DebugLevel:
		return "HIGH"
	default:
		return strings.ToUpper(lvl.String())
	}
}

func (e *traceEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf := buffer.NewPool().Get()

	buf.AppendString(strconv.FormatInt(ent.Time.UnixNano(), 10))
	buf.AppendByte('\t')
	buf.AppendString(levelName(ent.Level))
	buf.AppendByte('\t')

	category, message := ent.Message, ent.Message
	if i := strings.IndexByte(ent.Message, fieldSep[0]); i >= 0 {
		category, message = ent.Message[:i], ent.Message[i+1:]
	}
	buf.AppendString(category)
	buf.AppendByte('\t')

	if ent.Caller.Defined {
		buf.AppendString(ent.Caller.TrimmedPath())
	} else {
		buf.AppendString("?:0")
	}
	buf.AppendByte('\t')
	buf.AppendString(message)
	buf.AppendByte('\n')
	return buf, nil
}

func stdoutWrite(p []byte) (int, error) {
	return os.Stdout.Write(p)
}
