package tlscrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func TestEncryptDecryptPKCS1v15RoundTrip(t *testing.T) {
	priv := testRSAKey(t)
	pms := make([]byte, 48)
	_, err := rand.Read(pms)
	require.NoError(t, err)

	ct, err := EncryptPKCS1v15WithOverride(&priv.PublicKey, pms, PaddingOverride{})
	require.NoError(t, err)

	pt, err := DecryptPKCS1v15WithChecks(priv, ct, AllChecks)
	require.NoError(t, err)
	require.Equal(t, pms, pt)
}

func TestDecryptPKCS1v15RejectsWrongFirstByte(t *testing.T) {
	priv := testRSAKey(t)
	pms := make([]byte, 48)
	_, err := rand.Read(pms)
	require.NoError(t, err)

	wrongFirst := uint8(0x01)
	ct, err := EncryptPKCS1v15WithOverride(&priv.PublicKey, pms, PaddingOverride{First: &wrongFirst})
	require.NoError(t, err)

	_, err = DecryptPKCS1v15WithChecks(priv, ct, AllChecks)
	require.Error(t, err)

	// With the first-byte check disabled, decryption still recovers
	// the trailing PMS bytes despite the malformed padding.
	checks := AllChecks
	checks.CheckFirstByte = false
	pt, err := DecryptPKCS1v15WithChecks(priv, ct, checks)
	require.NoError(t, err)
	require.Equal(t, pms, pt)
}

func TestDecryptPKCS1v15RejectsMissingDelimiter(t *testing.T) {
	priv := testRSAKey(t)
	// All-nonzero message bytes so the only 0x00 in the encoded block
	// is the deliberate separator; overwriting it must make the
	// delimiter scan fail to find any 0x00 at all, deterministically.
	pms := make([]byte, 48)
	_, err := rand.Read(pms)
	require.NoError(t, err)
	for i, b := range pms {
		if b == 0 {
			pms[i] = 0x01
		}
	}

	nonZeroSep := uint8(0x01)
	ct, err := EncryptPKCS1v15WithOverride(&priv.PublicKey, pms, PaddingOverride{Separator: &nonZeroSep})
	require.NoError(t, err)

	_, err = DecryptPKCS1v15WithChecks(priv, ct, AllChecks)
	require.Error(t, err)
}
