package tlsbackend

import (
	"crypto"
	"crypto/ecdh"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// preMasterSecretLen is RFC 5246 §7.4.7.1's fixed RSA PreMasterSecret
// size: a 2-byte client_version field followed by 46 random bytes.
const preMasterSecretLen = 48

// rsaPreMasterSecret builds a conformant 48-byte PMS: client_version
// (the ClientHello version the client offered) followed by 46 random
// bytes. It returns both the original, conformant value and the wire
// value a manipulation override produces: ManipulatePreMasterSecretRandom
// and ManipulatePreMasterSecretRandomByte leave the client's own
// key-schedule input on the original bytes while only the
// RSA-encrypted blob carries the override — generalized here to
// ManipulatePreMasterSecretVersion too, since the whole point of any
// of the three is to test whether the peer's own derivation silently
// follows the tampered bytes instead of rejecting them.
func rsaPreMasterSecret(clientVersion tlsmsg_version, overrides pmsOverrides) (original, wire [preMasterSecretLen]byte) {
	original[0] = clientVersion.major
	original[1] = clientVersion.minor
	_, _ = rand.Read(original[2:])
	wire = original

	if overrides.version != nil {
		wire[0] = byte(*overrides.version >> 8)
		wire[1] = byte(*overrides.version)
	}
	if overrides.random != nil {
		copy(wire[2:], overrides.random[:])
	}
	for idx, b := range overrides.randomBytes {
		if idx >= 0 && idx < preMasterSecretLen {
			wire[idx] = b
		}
	}
	return original, wire
}

// tlsmsg_version is a tiny local alias avoiding an import cycle with
// session.Version (this file only needs the two bytes).
type tlsmsg_version struct{ major, minor uint8 }

// pmsOverrides collects the manipulation state the adapter applies
// when constructing the client-side PreMasterSecret.
type pmsOverrides struct {
	version     *uint16
	random      *[46]byte
	randomBytes map[int]byte
}

// clientRSAKeyExchange encrypts pms under the server's RSA public key,
// honoring a padding override if one is installed.
func clientRSAKeyExchange(pub *rsa.PublicKey, pms [preMasterSecretLen]byte, padding tlscrypto.PaddingOverride) (*tlsmsg.ClientKeyExchangeRSA, error) {
	ct, err := tlscrypto.EncryptPKCS1v15WithOverride(pub, pms[:], padding)
	if err != nil {
		return nil, err
	}
	return &tlsmsg.ClientKeyExchangeRSA{EncryptedPreMasterSecret: ct}, nil
}

// serverRSAKeyExchange recovers the PMS from an encrypted
// ClientKeyExchange, honoring the four independently-disableable
// PKCS#1 validations SkipRsaesPkcs1V15PaddingCheck controls,
// including the client_version field check (the classic Bleichenbacher
// countermeasure: RFC 5246 §7.4.7.1 requires servers to substitute a
// random PMS rather than reveal whether the version matched, but this
// engine's job is to expose the difference, not hide it — this only
// ever runs against a negative-testing peer that opted in).
func serverRSAKeyExchange(priv *rsa.PrivateKey, ciphertext []byte, checks tlscrypto.DecryptChecks, expectedVersion tlsmsg_version) ([preMasterSecretLen]byte, error) {
	msg, err := tlscrypto.DecryptPKCS1v15WithChecks(priv, ciphertext, checks)
	if err != nil {
		return [preMasterSecretLen]byte{}, err
	}
	var pms [preMasterSecretLen]byte
	if len(msg) != preMasterSecretLen {
		if len(msg) > preMasterSecretLen {
			copy(pms[:], msg[len(msg)-preMasterSecretLen:])
		} else {
			copy(pms[preMasterSecretLen-len(msg):], msg)
		}
	} else {
		copy(pms[:], msg)
	}
	if checks.CheckPMSVersion {
		if pms[0] != expectedVersion.major || pms[1] != expectedVersion.minor {
			return pms, errors.New("tlsbackend: PreMasterSecret client_version mismatch")
		}
	}
	return pms, nil
}

// ecdheKeyPair wraps the server or client's ephemeral P-256 key for
// the ECDHE_RSA families (wire traffic only; the PMS/PKCS1
// manipulations never apply to this family, only RSA key transport).
type ecdheKeyPair struct {
	priv *ecdh.PrivateKey
}

func newECDHEKeyPair() (*ecdheKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ecdheKeyPair{priv: priv}, nil
}

func (k *ecdheKeyPair) publicBytes() []byte { return k.priv.PublicKey().Bytes() }

func (k *ecdheKeyPair) sharedSecret(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	return k.priv.ECDH(peer)
}

// dheGroup is a fixed 1024-bit MODP group (RFC 2409 Second Oakley
// Group) — adequate for exercising DHE wire traffic and the DHM P/G/Ys
// diagnostics decode; this tool never claims production security for
// any suite.
var dheGroup = struct {
	P, G *big.Int
}{
	P: mustHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
		"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6D" +
		"F25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F4" +
		"06B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"),
	G: big.NewInt(2),
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("tlsbackend: invalid DHE group constant")
	}
	return n
}

type dheKeyPair struct {
	x *big.Int // private
	y *big.Int // public
}

func newDHEKeyPair() (*dheKeyPair, error) {
	x, err := rand.Int(rand.Reader, dheGroup.P)
	if err != nil {
		return nil, err
	}
	y := new(big.Int).Exp(dheGroup.G, x, dheGroup.P)
	return &dheKeyPair{x: x, y: y}, nil
}

func (k *dheKeyPair) publicBytes() []byte { return k.y.Bytes() }

func (k *dheKeyPair) sharedSecret(peerPublic []byte) []byte {
	peerY := new(big.Int).SetBytes(peerPublic)
	z := new(big.Int).Exp(peerY, k.x, dheGroup.P)
	return z.Bytes()
}

// signServerParams signs the ECDHE/DHE ServerKeyExchange params the
// same way a real server would (clientRandom || serverRandom ||
// params, hashed and PKCS1v15-signed), TLS 1.2's SHA-256 or TLS
// 1.0/1.1's SHA-1-with-MD5-prefix convention. This tool's client side
// never verifies the signature — signature-validity negative testing
// is out of scope for the client — but the server must still produce
// one, so the wire message is well-formed for the diagnostics decode
// path.
func signServerParams(priv *rsa.PrivateKey, tls12 bool, clientRandom, serverRandom, params []byte) ([]byte, error) {
	if tls12 {
		h := sha256.New()
		h.Write(clientRandom)
		h.Write(serverRandom)
		h.Write(params)
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h.Sum(nil))
	}
	md5h := md5.New()
	md5h.Write(clientRandom)
	md5h.Write(serverRandom)
	md5h.Write(params)
	sha1h := sha1.New()
	sha1h.Write(clientRandom)
	sha1h.Write(serverRandom)
	sha1h.Write(params)
	digest := append(md5h.Sum(nil), sha1h.Sum(nil)...)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.MD5SHA1, digest)
}

// signTranscript signs a CertificateVerify's handshake-transcript
// digest, already computed by Adapter.transcriptHash in the version
// -appropriate form (MD5||SHA1 concatenation pre-1.2, bare SHA-256 at
// 1.2).
func signTranscript(priv *rsa.PrivateKey, tls12 bool, digest []byte) ([]byte, error) {
	if tls12 {
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	}
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.MD5SHA1, digest)
}
