// Package config parses the tool's key=value configuration surface
// with github.com/spf13/viper configured for Java properties syntax
// (viper.SetConfigType("props"), backed by
// github.com/magiconair/properties) rather than a hand-rolled line
// scanner, matching the heavy Viper usage throughout
// _reference/config. It produces a validated Config or a
// ConfigurationError describing exactly which key was rejected.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tlsprobe/tlsprobe/internal/session"
)

// ConfigurationError reports a fatal problem with the configuration
// source: an unknown key, a malformed value, or a value outside its
// documented range.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func rejectf(key, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Key: key, Err: fmt.Errorf(format, args...)}
}

// recognizedKeys is the whitelist this tool accepts. Any key present
// in the parsed file but absent here is a ConfigurationError, since
// viper's props reader never rejects a key on its own.
var recognizedKeys = map[string]bool{
	"mode": true, "host": true, "port": true,
	"listenTimeout": true, "waitBeforeClose": true, "receiveTimeout": true,
	"certificateFile": true, "privateKeyFile": true,
	"tlsVersion": true, "tlsCipherSuites": true, "tlsSecretFile": true,
	"tlsServerSimulation": true, "tlsServerSimulationDelay": true,

	"manipulateSkipChangeCipherSpec":          true,
	"manipulateSkipFinished":                  true,
	"manipulatePreMasterSecretRandom":         true,
	"manipulatePreMasterSecretRandomByte":     true,
	"manipulateRsaesPkcs1V15EncryptPadding":   true,
	"manipulatePreMasterSecretVersion":        true,
	"manipulateSkipRsaesPkcs1V15PaddingCheck": true,
}

// ManipulateSpec mirrors the manipulate* keys in uninterpreted form;
// cmd/ turns a populated ManipulateSpec into the manipulation.Pipeline
// entries this tool supports. A nil pointer/field means "not present
// in the configuration".
type ManipulateSpec struct {
	SkipChangeCipherSpec bool
	SkipFinished         bool

	PreMasterSecretRandom bool

	PreMasterSecretRandomByte *int // 0..45

	RsaesPkcs1V15EncryptPadding *[3]uint8 // first, blockType, separator
	RsaesPkcs1V15PaddingFields  [3]bool   // which of the above three were set

	PreMasterSecretVersion *uint16

	SkipRsaesPkcs1V15PaddingCheck       bool
	SkipFirstByteCheck, SkipBlockTypeCheck, SkipDelimiterCheck, SkipPMSVersionCheck bool
}

// Config is the fully parsed and validated configuration surface.
type Config struct {
	Role session.Role
	Host string
	Port int

	ListenTimeout   time.Duration
	WaitBeforeClose time.Duration
	ReceiveTimeout  time.Duration

	CertificateFile string
	PrivateKeyFile  string

	TLSMinVersion session.Version
	TLSMaxVersion session.Version
	CipherSuites  []session.CipherSuite

	SecretFile string

	ServerSimulation session.ServerSimulation

	Manipulate ManipulateSpec
}

// Load reads and validates a properties-format configuration file at
// path, rejecting any key outside recognizedKeys before interpreting a
// single value.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("props")
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("reading %s: %w", path, err)}
	}
	return fromViper(v)
}

// LoadOverrides builds a Config from a pre-populated viper instance,
// used by cmd/ to merge a config file with CLI flag overrides before
// validation runs once over the merged result.
func LoadOverrides(v *viper.Viper) (*Config, error) {
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	for _, key := range v.AllKeys() {
		// viper lower-cases every key it indexes; recognizedKeys is
		// matched case-insensitively via strings.EqualFold below.
		if !anyFold(recognizedKeys, key) {
			return nil, rejectf(key, "unrecognized configuration key")
		}
	}

	cfg := &Config{}

	mode := v.GetString("mode")
	switch strings.ToLower(mode) {
	case "client":
		cfg.Role = session.RoleClient
	case "server":
		cfg.Role = session.RoleServer
	default:
		return nil, rejectf("mode", "must be %q or %q, got %q", "client", "server", mode)
	}

	cfg.Host = v.GetString("host")
	cfg.Port = v.GetInt("port")

	var err error
	if cfg.ListenTimeout, err = durationOf(v, "listenTimeout"); err != nil {
		return nil, err
	}
	if cfg.WaitBeforeClose, err = durationOf(v, "waitBeforeClose"); err != nil {
		return nil, err
	}
	if cfg.ReceiveTimeout, err = durationOf(v, "receiveTimeout"); err != nil {
		return nil, err
	}

	cfg.CertificateFile = v.GetString("certificateFile")
	cfg.PrivateKeyFile = v.GetString("privateKeyFile")

	if v.IsSet("tlsVersion") {
		maj, min, perr := parsePair(v.GetString("tlsVersion"))
		if perr != nil {
			return nil, rejectf("tlsVersion", "%w", perr)
		}
		if maj != 3 || min < 1 || min > 3 {
			return nil, rejectf("tlsVersion", "unsupported version (%d,%d)", maj, min)
		}
		cfg.TLSMaxVersion = session.Version{Major: maj, Minor: min}
		cfg.TLSMinVersion = cfg.TLSMaxVersion
	}

	if v.IsSet("tlsCipherSuites") {
		suites, perr := parseCipherSuites(v.GetString("tlsCipherSuites"))
		if perr != nil {
			return nil, rejectf("tlsCipherSuites", "%w", perr)
		}
		cfg.CipherSuites = suites
	}

	cfg.SecretFile = v.GetString("tlsSecretFile")

	if v.IsSet("tlsServerSimulation") {
		id, perr := strconv.Atoi(v.GetString("tlsServerSimulation"))
		if perr != nil {
			return nil, rejectf("tlsServerSimulation", "not an integer: %w", perr)
		}
		cfg.ServerSimulation.ID = id
		if v.IsSet("tlsServerSimulationDelay") {
			us, perr := strconv.Atoi(v.GetString("tlsServerSimulationDelay"))
			if perr != nil {
				return nil, rejectf("tlsServerSimulationDelay", "not an integer: %w", perr)
			}
			cfg.ServerSimulation.Delay = time.Duration(us) * time.Microsecond
		}
		if verr := cfg.ServerSimulation.Validate(); verr != nil {
			return nil, rejectf("tlsServerSimulation", "%w", verr)
		}
	}

	if err := parseManipulations(v, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func anyFold(set map[string]bool, key string) bool {
	for k := range set {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func durationOf(v *viper.Viper, key string) (time.Duration, error) {
	if !v.IsSet(key) {
		return 0, nil
	}
	raw := v.GetString(key)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, rejectf(key, "not an integer: %w", err)
	}
	// Preserve source units: these keys are documented as seconds.
	return time.Duration(n) * time.Second, nil
}

// parsePair parses a "(A,B)" literal into two uint8s, as used by both
// tlsVersion and manipulatePreMasterSecretVersion.
func parsePair(s string) (uint8, uint8, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected (A,B), got %q", s)
	}
	a, err := parseByteLiteral(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err := parseByteLiteral(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// parseByteLiteral accepts either a plain decimal ("3") or a 0xHH hex
// literal, since tlsVersion uses decimal and the PMS/padding keys use
// hex.
func parseByteLiteral(s string) (uint8, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte literal %q: %w", s, err)
	}
	return uint8(n), nil
}

func parseCipherSuites(raw string) ([]session.CipherSuite, error) {
	var out []session.CipherSuite
	// Plain strings.Split on "," would also split each "(0xHH,0xHH)"
	// pair in half, so splitPairs tracks paren depth instead.
	pairs := splitPairs(raw)
	for _, p := range pairs {
		upper, lower, err := parsePair(p)
		if err != nil {
			return nil, err
		}
		out = append(out, session.CipherSuite{Upper: upper, Lower: lower})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no cipher suites parsed from %q", raw)
	}
	return out, nil
}

// splitPairs splits a comma-concatenated list of "(a,b)" groups back
// into its individual "(a,b)" substrings.
func splitPairs(raw string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range raw {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(raw[start:i]))
				start = i + 1
			}
		}
	}
	if start < len(raw) {
		out = append(out, strings.TrimSpace(raw[start:]))
	}
	return out
}

func parseBoolList(raw string, n int) ([]bool, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated booleans, got %d", n, len(parts))
	}
	out := make([]bool, n)
	for i, p := range parts {
		b, err := strconv.ParseBool(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q: %w", p, err)
		}
		out[i] = b
	}
	return out, nil
}

func parseManipulations(v *viper.Viper, cfg *Config) error {
	m := &cfg.Manipulate

	m.SkipChangeCipherSpec = v.IsSet("manipulateSkipChangeCipherSpec")
	m.SkipFinished = v.IsSet("manipulateSkipFinished")
	m.PreMasterSecretRandom = v.IsSet("manipulatePreMasterSecretRandom")

	if v.IsSet("manipulatePreMasterSecretRandomByte") {
		idx, err := strconv.Atoi(v.GetString("manipulatePreMasterSecretRandomByte"))
		if err != nil {
			return rejectf("manipulatePreMasterSecretRandomByte", "not an integer: %w", err)
		}
		if idx < 0 || idx >= 46 {
			return rejectf("manipulatePreMasterSecretRandomByte", "index %d out of range 0..45", idx)
		}
		m.PreMasterSecretRandomByte = &idx
	}

	if v.IsSet("manipulateRsaesPkcs1V15EncryptPadding") {
		raw := v.GetString("manipulateRsaesPkcs1V15EncryptPadding")
		parts := strings.Split(raw, ",")
		if len(parts) != 3 {
			return rejectf("manipulateRsaesPkcs1V15EncryptPadding", "expected 3 comma-separated byte literals, got %d", len(parts))
		}
		var bytes [3]uint8
		for i, p := range parts {
			b, err := parseByteLiteral(strings.TrimSpace(p))
			if err != nil {
				return rejectf("manipulateRsaesPkcs1V15EncryptPadding", "%w", err)
			}
			bytes[i] = b
			m.RsaesPkcs1V15PaddingFields[i] = true
		}
		m.RsaesPkcs1V15EncryptPadding = &bytes
	}

	if v.IsSet("manipulatePreMasterSecretVersion") {
		maj, min, err := parsePair(v.GetString("manipulatePreMasterSecretVersion"))
		if err != nil {
			return rejectf("manipulatePreMasterSecretVersion", "%w", err)
		}
		version := uint16(maj)<<8 | uint16(min)
		m.PreMasterSecretVersion = &version
	}

	if v.IsSet("manipulateSkipRsaesPkcs1V15PaddingCheck") {
		flags, err := parseBoolList(v.GetString("manipulateSkipRsaesPkcs1V15PaddingCheck"), 4)
		if err != nil {
			return rejectf("manipulateSkipRsaesPkcs1V15PaddingCheck", "%w", err)
		}
		m.SkipRsaesPkcs1V15PaddingCheck = true
		m.SkipFirstByteCheck = flags[0]
		m.SkipBlockTypeCheck = flags[1]
		m.SkipDelimiterCheck = flags[2]
		m.SkipPMSVersionCheck = flags[3]
	}

	return nil
}
