package tlscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// KeyExchange identifies the key-agreement family a suite uses.
type KeyExchange int

const (
	KeyExchangeRSA KeyExchange = iota
	KeyExchangeECDHERSA
	KeyExchangeDHERSA
)

// Suite describes one cipher suite's bulk-cipher and MAC parameters.
type Suite struct {
	ID         uint16
	KeyExchange KeyExchange
	KeyLen     int
	MacLen     int
	IVLen      int // explicit/implicit IV length for block ciphers; 0 for stream ciphers
	IsBlock    bool
	NewBlock   func(key []byte) (cipher.Block, error)
	NewHash    func() hash.Hash
}

const (
	TLS_RSA_WITH_RC4_128_SHA         uint16 = 0x0005
	TLS_RSA_WITH_3DES_EDE_CBC_SHA    uint16 = 0x000A
	TLS_RSA_WITH_AES_128_CBC_SHA     uint16 = 0x002F
	TLS_RSA_WITH_AES_256_CBC_SHA     uint16 = 0x0035
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA uint16 = 0x0033
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA uint16 = 0x0039
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA uint16 = 0xC013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA uint16 = 0xC014
)

var suiteTable = map[uint16]Suite{
	TLS_RSA_WITH_RC4_128_SHA: {
		ID: TLS_RSA_WITH_RC4_128_SHA, KeyExchange: KeyExchangeRSA,
		KeyLen: 16, MacLen: 20, IVLen: 0, IsBlock: false, NewHash: sha1.New,
	},
	TLS_RSA_WITH_3DES_EDE_CBC_SHA: {
		ID: TLS_RSA_WITH_3DES_EDE_CBC_SHA, KeyExchange: KeyExchangeRSA,
		KeyLen: 24, MacLen: 20, IVLen: 8, IsBlock: true, NewBlock: des.NewTripleDESCipher, NewHash: sha1.New,
	},
	TLS_RSA_WITH_AES_128_CBC_SHA: {
		ID: TLS_RSA_WITH_AES_128_CBC_SHA, KeyExchange: KeyExchangeRSA,
		KeyLen: 16, MacLen: 20, IVLen: 16, IsBlock: true, NewBlock: aes.NewCipher, NewHash: sha1.New,
	},
	TLS_RSA_WITH_AES_256_CBC_SHA: {
		ID: TLS_RSA_WITH_AES_256_CBC_SHA, KeyExchange: KeyExchangeRSA,
		KeyLen: 32, MacLen: 20, IVLen: 16, IsBlock: true, NewBlock: aes.NewCipher, NewHash: sha1.New,
	},
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA: {
		ID: TLS_DHE_RSA_WITH_AES_128_CBC_SHA, KeyExchange: KeyExchangeDHERSA,
		KeyLen: 16, MacLen: 20, IVLen: 16, IsBlock: true, NewBlock: aes.NewCipher, NewHash: sha1.New,
	},
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA: {
		ID: TLS_DHE_RSA_WITH_AES_256_CBC_SHA, KeyExchange: KeyExchangeDHERSA,
		KeyLen: 32, MacLen: 20, IVLen: 16, IsBlock: true, NewBlock: aes.NewCipher, NewHash: sha1.New,
	},
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA: {
		ID: TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, KeyExchange: KeyExchangeECDHERSA,
		KeyLen: 16, MacLen: 20, IVLen: 16, IsBlock: true, NewBlock: aes.NewCipher, NewHash: sha1.New,
	},
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA: {
		ID: TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, KeyExchange: KeyExchangeECDHERSA,
		KeyLen: 32, MacLen: 20, IVLen: 16, IsBlock: true, NewBlock: aes.NewCipher, NewHash: sha1.New,
	},
}

// LookupSuite returns the Suite parameters for a wire cipher suite ID.
func LookupSuite(id uint16) (Suite, bool) {
	s, ok := suiteTable[id]
	return s, ok
}

// SupportedSuiteIDs lists every suite this engine can negotiate, in a
// stable preference order (RSA first, matching the historical tool's
// RSA-centric negative-testing focus).
func SupportedSuiteIDs() []uint16 {
	return []uint16{
		TLS_RSA_WITH_AES_128_CBC_SHA,
		TLS_RSA_WITH_AES_256_CBC_SHA,
		TLS_RSA_WITH_3DES_EDE_CBC_SHA,
		TLS_RSA_WITH_RC4_128_SHA,
		TLS_DHE_RSA_WITH_AES_128_CBC_SHA,
		TLS_DHE_RSA_WITH_AES_256_CBC_SHA,
		TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	}
}

// KeyMaterial is the sliced-up key block for one direction pair.
type KeyMaterial struct {
	ClientMAC, ServerMAC   []byte
	ClientKey, ServerKey   []byte
	ClientIV, ServerIV     []byte
}

// DeriveKeyMaterial slices a suite's key block into client/server MAC
// keys, bulk keys, and (for CBC suites negotiated at TLS 1.0/1.1,
// which use implicit IVs from the key block) IVs. TLS 1.1/1.2 CBC
// suites use explicit per-record IVs instead and ignore the IV slice;
// callers decide per negotiated version.
func DeriveKeyMaterial(s Suite, versionMinor uint8, masterSecret, clientRandom, serverRandom []byte) KeyMaterial {
	macLen := s.MacLen
	keyLen := s.KeyLen
	ivLen := 0
	if s.IsBlock && versionMinor == 1 { // TLS 1.0 implicit IV
		ivLen = s.IVLen
	}
	total := 2*macLen + 2*keyLen + 2*ivLen
	block := KeyBlock(versionMinor, masterSecret, clientRandom, serverRandom, total)

	off := 0
	take := func(n int) []byte {
		b := block[off : off+n]
		off += n
		return b
	}
	km := KeyMaterial{}
	km.ClientMAC = take(macLen)
	km.ServerMAC = take(macLen)
	km.ClientKey = take(keyLen)
	km.ServerKey = take(keyLen)
	if ivLen > 0 {
		km.ClientIV = take(ivLen)
		km.ServerIV = take(ivLen)
	}
	return km
}

// NewStreamOrBlockCipher constructs the suite's bulk cipher: an
// RC4 cipher.Stream wrapped to look like a no-op block or the CBC
// block cipher for AES/3DES suites.
func NewBlockCipher(s Suite, key []byte) (cipher.Block, error) {
	if s.NewBlock == nil {
		return nil, fmt.Errorf("tlscrypto: suite %04x has no block cipher (stream suite)", s.ID)
	}
	return s.NewBlock(key)
}

func NewRC4(key []byte) (*rc4.Cipher, error) {
	return rc4.NewCipher(key)
}

func NewMAC(s Suite, key []byte) hash.Hash {
	return hmac.New(s.NewHash, key)
}

var _ = sha256.New // referenced by TLS1.2 PRF in prf.go; kept for doc locality
