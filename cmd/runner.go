package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/tlsprobe/tlsprobe/config"
	"github.com/tlsprobe/tlsprobe/internal/diagnostics"
	"github.com/tlsprobe/tlsprobe/internal/handshake"
	"github.com/tlsprobe/tlsprobe/internal/manipulation"
	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlsbackend"
)

// loadConfig merges a --config properties file with the handful of
// flag overrides addCommonFlags registers, then validates the merged
// result once through config.LoadOverrides.
func loadConfig(f *commonFlags) (*config.Config, error) {
	if f.configPath == "" {
		return nil, fail("--config is required")
	}
	v := viper.New()
	v.SetConfigFile(f.configPath)
	v.SetConfigType("props")
	if err := v.ReadInConfig(); err != nil {
		return nil, fail("reading %s: %v", f.configPath, err)
	}
	if f.host != "" {
		v.Set("host", f.host)
	}
	if f.port != 0 {
		v.Set("port", f.port)
	}
	if f.tlsVersion != "" {
		v.Set("tlsVersion", f.tlsVersion)
	}
	return config.LoadOverrides(v)
}

// buildPipeline turns a populated config.ManipulateSpec into the
// ordered manipulation.Pipeline; order matches the config section's
// own listing since at most one of each kind is ever configured.
func buildPipeline(m config.ManipulateSpec) *manipulation.Pipeline {
	p := manipulation.NewPipeline()
	if m.SkipChangeCipherSpec {
		p.Add(manipulation.SkipChangeCipherSpec())
	}
	if m.SkipFinished {
		p.Add(manipulation.SkipFinished())
	}
	if m.PreMasterSecretVersion != nil {
		p.Add(manipulation.ManipulatePreMasterSecretVersion(*m.PreMasterSecretVersion))
	}
	if m.PreMasterSecretRandom {
		p.Add(manipulation.ManipulatePreMasterSecretRandom())
	}
	if m.PreMasterSecretRandomByte != nil {
		p.Add(manipulation.ManipulatePreMasterSecretRandomByte(*m.PreMasterSecretRandomByte, 0))
	}
	if m.RsaesPkcs1V15EncryptPadding != nil {
		vals := *m.RsaesPkcs1V15EncryptPadding
		var first, blockType, sep *uint8
		if m.RsaesPkcs1V15PaddingFields[0] {
			first = &vals[0]
		}
		if m.RsaesPkcs1V15PaddingFields[1] {
			blockType = &vals[1]
		}
		if m.RsaesPkcs1V15PaddingFields[2] {
			sep = &vals[2]
		}
		p.Add(manipulation.ManipulateRsaesPkcs1V15EncryptPadding(first, blockType, sep))
	}
	if m.SkipRsaesPkcs1V15PaddingCheck {
		p.Add(manipulation.SkipRsaesPkcs1V15PaddingCheck(
			m.SkipFirstByteCheck, m.SkipBlockTypeCheck, m.SkipDelimiterCheck, m.SkipPMSVersionCheck,
		))
	}
	return p
}

// buildAdapter configures a tlsbackend.Adapter from cfg, loading the
// certificate/key pair when both paths are set.
func buildAdapter(cfg *config.Config, sess *session.Session, ep *netio.TcpEndpoint) (*tlsbackend.Adapter, error) {
	a := tlsbackend.NewAdapter(sess, ep)
	if cfg.TLSMaxVersion != session.VersionUnset {
		a.SetVersionRange(cfg.TLSMinVersion, cfg.TLSMaxVersion)
	}
	if len(cfg.CipherSuites) > 0 {
		ids := make([]uint16, len(cfg.CipherSuites))
		for i, s := range cfg.CipherSuites {
			ids[i] = s.ID()
		}
		a.SetCipherSuites(ids)
	}
	if cfg.CertificateFile != "" && cfg.PrivateKeyFile != "" {
		certPEM, err := os.ReadFile(cfg.CertificateFile)
		if err != nil {
			return nil, fail("reading certificateFile: %v", err)
		}
		keyPEM, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fail("reading privateKeyFile: %v", err)
		}
		if err := a.InstallCertificate(certPEM, keyPEM); err != nil {
			return nil, fail("installing certificate: %v", err)
		}
	}
	a.SetServerSimulation(cfg.ServerSimulation)
	return a, nil
}

// buildSink constructs the diagnostics.Sink for the run: the
// registered level from --log-level, the default filter chain, and an
// NSS key log when tlsSecretFile is set.
func buildSink(cfg *config.Config, logLevel string) (*diagnostics.Sink, error) {
	level, err := diagnostics.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		return nil, err
	}
	sink := diagnostics.New(level)
	for _, flt := range diagnostics.DefaultFilters() {
		sink.RegisterFilter(flt)
	}
	if cfg.SecretFile != "" {
		if err := sink.SetKeyLog(cfg.SecretFile); err != nil {
			return nil, fail("opening tlsSecretFile: %v", err)
		}
	}
	return sink, nil
}

// runHandshake wires Session/TcpEndpoint/Adapter/Pipeline/Sink into a
// handshake.Driver and runs one handshake to completion, reporting the
// outcome the way the exit-code contract expects: a clean
// Alert observed by the driver is success (peer rejection observed),
// any other error is failure.
func runHandshake(cfg *config.Config, sess *session.Session, ep *netio.TcpEndpoint, sink *diagnostics.Sink) error {
	adapter, err := buildAdapter(cfg, sess, ep)
	if err != nil {
		return err
	}
	adapter.SetSink(sink)
	pipeline := buildPipeline(cfg.Manipulate)
	driver := handshake.NewDriver(sess, ep, adapter, pipeline, sink)

	runErr := driver.Run()
	if runErr != nil {
		var alertErr *handshake.AlertError
		if errors.As(runErr, &alertErr) {
			sink.Tracef("session", "handshake ended on alert: %v", alertErr)
			_ = adapter.Close(sess.Timeouts.WaitBeforeClose)
			return nil
		}
		return fmt.Errorf("handshake: %w", runErr)
	}
	return adapter.Close(sess.Timeouts.WaitBeforeClose)
}
