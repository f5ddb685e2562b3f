package diagnostics

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// StringTranslationFilter recognizes a fixed set of native debug
// lines by exact match and emits a fixed canonical replacement line
// under a caller-chosen category. This is the simplest of the four
// filter kinds: a lookup table, no parsing.
type StringTranslationFilter struct {
	Category     string
	Translations map[string]string
}

func (f *StringTranslationFilter) Apply(s *Sink, line NativeLine) bool {
	repl, ok := f.Translations[line.Message]
	if !ok {
		return false
	}
	s.emit(line.Level, f.Category, repl)
	return true
}

// RegexTranslationFilter recognizes native lines that carry variable
// data (a version, a cipher suite name, an alert description) by
// regular expression and re-emits a canonical line built from the
// named capture groups.
type RegexTranslationFilter struct {
	Category string
	Pattern  *regexp.Regexp // must use named capture groups
	Format   string         // printf-style; %[name] placeholders substituted before use
}

func (f *RegexTranslationFilter) Apply(s *Sink, line NativeLine) bool {
	m := f.Pattern.FindStringSubmatch(line.Message)
	if m == nil {
		return false
	}
	names := f.Pattern.SubexpNames()
	vals := map[string]string{}
	for i, name := range names {
		if name != "" && i < len(m) {
			vals[name] = m[i]
		}
	}
	msg := f.Format
	for name, val := range vals {
		msg = replaceAll(msg, "%["+name+"]", val)
	}
	s.emit(line.Level, f.Category, msg)
	return true
}

func replaceAll(s, old, new string) string {
	for {
		i := indexOf(s, old)
		if i < 0 {
			return s
		}
		s = s[:i] + new + s[i+len(old):]
	}
}

func indexOf(s, sub string) int {
	if len(sub) == 0 || len(sub) > len(s) {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// HexDumpFilter intercepts a labeled byte blob (line.HexLabel set)
// and emits a structured hex-dump line, further decoding three
// labels the spec singles out for field-level breakdown: an ECDHE
// ServerKeyExchange's curve_params, a Certificate or
// CertificateRequest list, and a Heartbeat message.
type HexDumpFilter struct {
	Category string
}

func (f *HexDumpFilter) Apply(s *Sink, line NativeLine) bool {
	if line.HexLabel == "" {
		return false
	}
	switch line.HexLabel {
	case "ServerKeyExchange.ECDHE":
		var ske tlsmsg.ServerKeyExchangeECDHE
		if ske.Unmarshal(line.HexBytes, true) || ske.Unmarshal(line.HexBytes, false) {
			s.emit(line.Level, f.Category, fmt.Sprintf(
				"ServerKeyExchange.params.curve_params.namedcurve=%d", ske.NamedCurve))
			s.emit(line.Level, f.Category, fmt.Sprintf(
				"ServerKeyExchange.params.public=%s", hex.EncodeToString(ske.PublicKey)))
			return true
		}
	case "Certificate", "CertificateRequest":
		s.emit(line.Level, f.Category, fmt.Sprintf("%s (%d bytes) %s",
			line.HexLabel, len(line.HexBytes), hex.EncodeToString(line.HexBytes)))
		return true
	case "Heartbeat":
		if hb, ok := tlsmsg.UnmarshalHeartbeat(line.HexBytes); ok {
			s.emit(line.Level, f.Category, fmt.Sprintf(
				"Heartbeat type=%d payload_length=%d payload=%s",
				hb.Type, hb.PayloadLength, hex.EncodeToString(hb.Payload)))
			return true
		}
	}
	s.emit(line.Level, f.Category, fmt.Sprintf("%s (%d bytes) %s",
		line.HexLabel, len(line.HexBytes), hex.EncodeToString(line.HexBytes)))
	return true
}

// BitValueFilter decodes the three DHM (Diffie-Hellman modular)
// values — P, G, GY/Ys — as ServerKeyExchange.params.dh_{p,g,Ys} hex
// lines.
type BitValueFilter struct {
	Category string
}

func (f *BitValueFilter) Apply(s *Sink, line NativeLine) bool {
	var field string
	switch line.HexLabel {
	case "DHM.P":
		field = "dh_p"
	case "DHM.G":
		field = "dh_g"
	case "DHM.GY":
		field = "dh_Ys"
	default:
		return false
	}
	s.emit(line.Level, f.Category, fmt.Sprintf(
		"ServerKeyExchange.params.%s=%s", field, hex.EncodeToString(line.HexBytes)))
	return true
}

// AlertTranslationFilter recognizes a native "alert sent:"/"alert
// received:" line and re-emits it as the two canonical per-field hex
// lines (`Alert.level=`, `Alert.description=`), plus the literal
// "Fatal Alert message received." line when a fatal alert arrives from
// the peer.
type AlertTranslationFilter struct {
	Category string
	Pattern  *regexp.Regexp // groups: dir, level, description, all required
}

func (f *AlertTranslationFilter) Apply(s *Sink, line NativeLine) bool {
	m := f.Pattern.FindStringSubmatch(line.Message)
	if m == nil {
		return false
	}
	dir := m[1]
	level, err := strconv.ParseUint(m[2], 10, 8)
	if err != nil {
		return false
	}
	desc, err := strconv.ParseUint(m[3], 10, 8)
	if err != nil {
		return false
	}
	s.emit(line.Level, f.Category, fmt.Sprintf("Alert.level=%02x", level))
	s.emit(line.Level, f.Category, fmt.Sprintf("Alert.description=%02x", desc))
	if dir == "received" && uint8(level) == tlsmsg.AlertLevelFatal {
		s.emit(line.Level, f.Category, "Fatal Alert message received.")
	}
	return true
}

// DefaultFilters returns the filter chain this engine registers by
// default, translating the handful of native-style lines
// internal/tlsbackend emits at the same points the historical mbedtls
// -patch log filters hooked: handshake state transitions as plain
// strings, alert sends/receives via regex, and key-exchange /
// certificate / heartbeat payloads via the hex and bit-value filters.
func DefaultFilters() []Filter {
	alertPattern := regexp.MustCompile(`^alert (?P<dir>sent|received): level=(?P<level>\d+) description=(?P<desc>\d+)$`)
	return []Filter{
		&StringTranslationFilter{
			Category: "handshake",
			Translations: map[string]string{
				"=> handshake":   "Handshake started.",
				"<= handshake":   "Handshake successful.",
				"tcp closed":     "Peer closed the connection.",
			},
		},
		&AlertTranslationFilter{
			Category: "alert",
			Pattern:  alertPattern,
		},
		&HexDumpFilter{Category: "wire"},
		&BitValueFilter{Category: "dhm"},
	}
}
