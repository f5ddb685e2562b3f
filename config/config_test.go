package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlsprobe/tlsprobe/internal/session"
)

func writeProps(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tlsprobe.properties")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadClientScenario(t *testing.T) {
	path := writeProps(t, `
mode=client
host=127.0.0.1
port=4433
tlsVersion=(3,3)
tlsCipherSuites=(0xc0,0x2f)
receiveTimeout=5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, session.RoleClient, cfg.Role)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 4433, cfg.Port)
	assert.Equal(t, session.VersionTLS12, cfg.TLSMaxVersion)
	require.Len(t, cfg.CipherSuites, 1)
	assert.Equal(t, uint16(0xc02f), cfg.CipherSuites[0].ID())
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	path := writeProps(t, "mode=client\nbogusKey=1\n")
	_, err := Load(path)
	require.Error(t, err)
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bogusKey", cerr.Key)
}

func TestLoadInvalidMode(t *testing.T) {
	path := writeProps(t, "mode=bogus\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadPMSRandomByteOutOfRange(t *testing.T) {
	path := writeProps(t, "mode=client\nmanipulatePreMasterSecretRandomByte=46\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manipulatePreMasterSecretRandomByte")
}

func TestLoadPMSRandomByteInRange(t *testing.T) {
	path := writeProps(t, "mode=client\nmanipulatePreMasterSecretRandomByte=45\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Manipulate.PreMasterSecretRandomByte)
	assert.Equal(t, 45, *cfg.Manipulate.PreMasterSecretRandomByte)
}

func TestLoadServerSimulationRejectsOutOfRange(t *testing.T) {
	path := writeProps(t, "mode=server\ntlsServerSimulation=7\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadServerSimulationSixRequiresDelay(t *testing.T) {
	path := writeProps(t, "mode=server\ntlsServerSimulation=6\n")
	_, err := Load(path)
	require.Error(t, err)

	path = writeProps(t, "mode=server\ntlsServerSimulation=6\ntlsServerSimulationDelay=500000\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.ServerSimulation.ID)
}

func TestLoadSkipChangeCipherSpecFlagKey(t *testing.T) {
	path := writeProps(t, "mode=client\nmanipulateSkipChangeCipherSpec=\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Manipulate.SkipChangeCipherSpec)
	assert.False(t, cfg.Manipulate.SkipFinished)
}

func TestLoadPaddingOverride(t *testing.T) {
	path := writeProps(t, "mode=client\nmanipulateRsaesPkcs1V15EncryptPadding=0x01,0x03,0x01\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Manipulate.RsaesPkcs1V15EncryptPadding)
	assert.Equal(t, [3]uint8{0x01, 0x03, 0x01}, *cfg.Manipulate.RsaesPkcs1V15EncryptPadding)
}

func TestLoadSkipPaddingChecks(t *testing.T) {
	path := writeProps(t, "mode=server\nmanipulateSkipRsaesPkcs1V15PaddingCheck=true,false,true,false\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Manipulate.SkipFirstByteCheck)
	assert.False(t, cfg.Manipulate.SkipBlockTypeCheck)
	assert.True(t, cfg.Manipulate.SkipDelimiterCheck)
	assert.False(t, cfg.Manipulate.SkipPMSVersionCheck)
}

func TestSplitPairsKeepsParenGroupsIntact(t *testing.T) {
	got := splitPairs("(0xc0,0x2f),(0x00,0x35)")
	assert.Equal(t, []string{"(0xc0,0x2f)", "(0x00,0x35)"}, got)
}
