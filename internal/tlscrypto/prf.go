// Package tlscrypto implements the TLS 1.0–1.2 PRF and key schedule,
// the cipher-suite table, and RSAES-PKCS1-v1.5 padding construction —
// the one place in this engine a manipulation needs byte-level control
// over padding that crypto/rsa's own EncryptPKCS1v15 does not expose.
// The key-schedule function shapes are grounded on
// _reference/tlsHandler/key_schedule.go's keysFromMasterSecret.
package tlscrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// pHash implements the P_hash(secret, seed) construction of RFC 5246
// §5, truncated/extended to length bytes.
func pHash(newHash func() hash.Hash, secret, seed []byte, length int) []byte {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)

	out := make([]byte, 0, length)
	for len(out) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		out = append(out, h.Sum(nil)...)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
	return out[:length]
}

// prf10 is the TLS 1.0/1.1 PRF: the secret is split in half, P_MD5 is
// applied to one half and P_SHA1 to the other, and the results XORed.
func prf10(secret, label, seed []byte, length int) []byte {
	s := append(label, seed...)
	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	md5Out := pHash(md5.New, s1, s, length)
	sha1Out := pHash(sha1.New, s2, s, length)

	out := make([]byte, length)
	for i := range out {
		out[i] = md5Out[i] ^ sha1Out[i]
	}
	return out
}

// prf12 is the TLS 1.2 PRF: a single P_hash with the suite's PRF
// hash, SHA-256 for every suite this engine implements.
func prf12(secret, label, seed []byte, length int) []byte {
	s := append(label, seed...)
	return pHash(sha256.New, secret, s, length)
}

// PRF dispatches on the negotiated wire version (major,minor): (3,1)
// and (3,2) use the combined MD5/SHA1 PRF, (3,3) uses SHA-256.
func PRF(versionMinor uint8, secret, label, seed []byte, length int) []byte {
	if versionMinor >= 3 { // TLS 1.2
		return prf12(secret, label, seed, length)
	}
	return prf10(secret, label, seed, length)
}

var (
	masterSecretLabel = []byte("master secret")
	keyExpansionLabel = []byte("key expansion")
	clientFinishedLabel = []byte("client finished")
	serverFinishedLabel = []byte("server finished")
)

// MasterSecret derives the 48-byte master secret from the
// PreMasterSecret and the two hello randoms (RFC 5246 §8.1). The seed
// order is client_random || server_random.
func MasterSecret(versionMinor uint8, preMasterSecret, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return PRF(versionMinor, preMasterSecret, masterSecretLabel, seed, 48)
}

// KeyBlock derives length bytes of key material from the master
// secret (RFC 5246 §6.3). The seed order is server_random ||
// client_random — reversed relative to MasterSecret's seed.
func KeyBlock(versionMinor uint8, masterSecret, clientRandom, serverRandom []byte, length int) []byte {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	return PRF(versionMinor, masterSecret, keyExpansionLabel, seed, length)
}

// VerifyData computes a Finished message's 12-byte verify_data over
// transcriptHash, the running hash of all handshake messages seen so
// far (RFC 5246 §7.4.9).
func VerifyData(versionMinor uint8, masterSecret []byte, isClient bool, transcriptHash []byte) []byte {
	label := serverFinishedLabel
	if isClient {
		label = clientFinishedLabel
	}
	return PRF(versionMinor, masterSecret, label, transcriptHash, 12)
}
