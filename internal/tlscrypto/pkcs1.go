package tlscrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"
)

// PaddingOverride lets a manipulation replace the three fixed bytes
// of RSAES-PKCS1-v1.5 padding (GLOSSARY: `0x00 || 0x02 || PS || 0x00 ||
// M`) before encryption. A nil field leaves that byte at its correct
// value. This is the one place this engine needs to construct PKCS#1
// padding by hand instead of calling crypto/rsa.EncryptPKCS1v15,
// which hard-codes the correct bytes and offers no override hook.
type PaddingOverride struct {
	First     *uint8 // correct value 0x00
	BlockType *uint8 // correct value 0x02
	Separator *uint8 // correct value 0x00
}

// EncryptPKCS1v15WithOverride builds the RSAES-PKCS1-v1.5 encryption
// block for message m under public key pub, applying override to the
// three fixed bytes, and returns the modexp ciphertext. Mirrors
// crypto/rsa's internal padding construction (random nonzero PS of
// length k-3-len(m)) but exposes the bytes a manipulation must be able
// to overwrite.
func EncryptPKCS1v15WithOverride(pub *rsa.PublicKey, m []byte, override PaddingOverride) ([]byte, error) {
	k := (pub.N.BitLen() + 7) / 8
	if len(m) > k-11 {
		return nil, errors.New("tlscrypto: message too long for RSA modulus")
	}

	em := make([]byte, k)
	em[0] = 0x00
	em[1] = 0x02
	ps := em[2 : k-len(m)-1]
	if err := nonZeroRandomBytes(ps); err != nil {
		return nil, err
	}
	em[k-len(m)-1] = 0x00
	copy(em[k-len(m):], m)

	if override.First != nil {
		em[0] = *override.First
	}
	if override.BlockType != nil {
		em[1] = *override.BlockType
	}
	if override.Separator != nil {
		em[k-len(m)-1] = *override.Separator
	}

	c := new(big.Int).Exp(new(big.Int).SetBytes(em), big.NewInt(int64(pub.E)), pub.N)
	out := c.Bytes()
	if len(out) < k {
		padded := make([]byte, k)
		copy(padded[k-len(out):], out)
		out = padded
	}
	return out, nil
}

func nonZeroRandomBytes(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return err
	}
	for i, v := range b {
		for v == 0 {
			if _, err := rand.Read(b[i : i+1]); err != nil {
				return err
			}
			v = b[i]
		}
	}
	return nil
}

// DecryptChecks selects which of the four RSAES-PKCS1-v1.5 receive-side
// validations to perform 's SkipRsaesPkcs1V15PaddingCheck
// manipulation: each boolean, when false, skips that check instead of
// failing the decrypt on mismatch.
type DecryptChecks struct {
	CheckFirstByte  bool
	CheckBlockType  bool
	CheckDelimiter  bool
	CheckPMSVersion bool
}

// AllChecks is the conformant default: every validation enabled.
var AllChecks = DecryptChecks{true, true, true, true}

// DecryptPKCS1v15WithChecks performs textbook RSA decryption (no
// blinding — this engine never claims production security) and then
// validates the PKCS#1 v1.5 structure
// according to checks, returning the recovered message bytes
// (PreMasterSecret, always 48 bytes for this engine's suites) even
// when a disabled check would otherwise have failed, so the server
// can proceed into a connection keyed from attacker-or-mutation
// -supplied padding.
func DecryptPKCS1v15WithChecks(priv *rsa.PrivateKey, ciphertext []byte, checks DecryptChecks) ([]byte, error) {
	k := (priv.N.BitLen() + 7) / 8
	if len(ciphertext) != k {
		return nil, errors.New("tlscrypto: ciphertext size mismatch")
	}
	c := new(big.Int).SetBytes(ciphertext)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	em := m.Bytes()
	if len(em) < k {
		padded := make([]byte, k)
		copy(padded[k-len(em):], em)
		em = padded
	}

	if checks.CheckFirstByte && em[0] != 0x00 {
		return nil, errors.New("tlscrypto: PKCS1 first byte mismatch")
	}
	if checks.CheckBlockType && em[1] != 0x02 {
		return nil, errors.New("tlscrypto: PKCS1 block type mismatch")
	}

	// Find the 0x00 delimiter after the padding string, same scan
	// crypto/rsa's DecryptPKCS1v15 performs.
	delimIdx := -1
	for i := 2; i < len(em); i++ {
		if em[i] == 0 {
			delimIdx = i
			break
		}
	}
	if checks.CheckDelimiter {
		if delimIdx < 0 || delimIdx < 10 {
			return nil, errors.New("tlscrypto: PKCS1 delimiter not found or padding too short")
		}
		return em[delimIdx+1:], nil
	}
	// Delimiter check disabled: best-effort recovery of the trailing
	// 48 bytes as the PreMasterSecret regardless of where (or
	// whether) a 0x00 delimiter was found, matching
	// SkipRsaesPkcs1V15PaddingCheck's intent of accepting malformed
	// padding outright.
	if len(em) < 48 {
		return nil, errors.New("tlscrypto: modulus too small for a PreMasterSecret")
	}
	return em[len(em)-48:], nil
}
