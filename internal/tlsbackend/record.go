// Package tlsbackend implements the stepped TLS 1.0–1.2 client and
// server state machines this engine drives one state at a time. It is
// built from scratch rather than wrapping crypto/tls, because
// crypto/tls exposes no hook for the byte-level PreMasterSecret and
// RSAES-PKCS1-v1.5 padding manipulations this tool needs; the overall
// read/peek/dispatch shape is grounded on _reference/tlsHandler/handshake.go's
// Handshake() loop and conn.go's halfConn record framing.
package tlsbackend

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rc4"
	"errors"
	"fmt"

	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// cipherState holds one direction's negotiated bulk cipher and MAC,
// mirroring the halfConn split of _reference/tlsHandler/conn.go.
type cipherState struct {
	suite        tlscrypto.Suite
	versionMinor uint8
	macKey       []byte
	bulkKey      []byte
	fixedIV      []byte // only populated for TLS 1.0 implicit-IV CBC suites
	block        cipher.Block
	rc4          *rc4.Cipher
	seq          uint64
}

func newCipherState(suite tlscrypto.Suite, versionMinor uint8, macKey, bulkKey, fixedIV []byte) (*cipherState, error) {
	cs := &cipherState{suite: suite, versionMinor: versionMinor, macKey: macKey, bulkKey: bulkKey, fixedIV: fixedIV}
	if suite.IsBlock {
		b, err := tlscrypto.NewBlockCipher(suite, bulkKey)
		if err != nil {
			return nil, err
		}
		cs.block = b
	} else {
		rc, err := tlscrypto.NewRC4(bulkKey)
		if err != nil {
			return nil, err
		}
		cs.rc4 = rc
	}
	return cs, nil
}

// macInput builds the MAC-then-encrypt input of RFC 5246 §6.2.3.1:
// seq_num || type || version || length || fragment.
func macInput(seq uint64, typ tlsmsg.RecordType, ver session.Version, fragment []byte) []byte {
	b := make([]byte, 8+1+2+2+len(fragment))
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	b[8] = byte(typ)
	b[9] = ver.Major
	b[10] = ver.Minor
	b[11] = byte(len(fragment) >> 8)
	b[12] = byte(len(fragment))
	copy(b[13:], fragment)
	return b
}

// RecordLayer frames and (once keys are installed) protects records
// for one TcpEndpoint /§4.3.
type RecordLayer struct {
	ep    *netio.TcpEndpoint
	write *cipherState
	read  *cipherState
}

func NewRecordLayer(ep *netio.TcpEndpoint) *RecordLayer {
	return &RecordLayer{ep: ep}
}

func (rl *RecordLayer) InstallWriteKeys(cs *cipherState) { rl.write = cs }
func (rl *RecordLayer) InstallReadKeys(cs *cipherState)  { rl.read = cs }

// WriteRecord frames and, if write keys are installed, protects
// payload before handing it to the TCP endpoint.
func (rl *RecordLayer) WriteRecord(typ tlsmsg.RecordType, ver session.Version, payload []byte) error {
	fragment := payload
	if rl.write != nil {
		var err error
		fragment, err = rl.protect(typ, ver, payload)
		if err != nil {
			return err
		}
	}
	header := make([]byte, tlsmsg.RecordHeaderLen)
	header[0] = byte(typ)
	header[1] = ver.Major
	header[2] = ver.Minor
	header[3] = byte(len(fragment) >> 8)
	header[4] = byte(len(fragment))
	if _, err := rl.ep.Write(header); err != nil {
		return err
	}
	_, err := rl.ep.Write(fragment)
	return err
}

func (rl *RecordLayer) protect(typ tlsmsg.RecordType, ver session.Version, payload []byte) ([]byte, error) {
	cs := rl.write
	mac := tlscrypto.NewMAC(cs.suite, cs.macKey)
	mac.Write(macInput(cs.seq, typ, ver, payload))
	cs.seq++
	tag := mac.Sum(nil)

	if cs.block == nil {
		out := make([]byte, 0, len(payload)+len(tag))
		out = append(out, payload...)
		out = append(out, tag...)
		ks := make([]byte, len(out))
		cs.rc4.XORKeyStream(ks, out)
		return ks, nil
	}

	plain := append(append([]byte{}, payload...), tag...)
	blockSize := cs.block.BlockSize()
	padLen := blockSize - (len(plain)+1)%blockSize
	if padLen == blockSize {
		padLen = 0
	}
	for i := 0; i <= padLen; i++ {
		plain = append(plain, byte(padLen))
	}

	iv := cs.fixedIV
	explicit := cs.versionMinor >= 2 // TLS 1.1+ uses a fresh explicit IV per record
	if explicit {
		iv = make([]byte, blockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
	}
	ciphertext := make([]byte, len(plain))
	cbc := cipher.NewCBCEncrypter(cs.block, iv)
	cbc.CryptBlocks(ciphertext, plain)

	if explicit {
		return append(append([]byte{}, iv...), ciphertext...), nil
	}
	return ciphertext, nil
}

// PeekHeader looks at the next 5-byte record header without consuming
// it.
func (rl *RecordLayer) PeekHeader() (tlsmsg.RecordType, session.Version, int, error) {
	b, err := rl.ep.Peek(tlsmsg.RecordHeaderLen)
	if err != nil {
		return 0, session.Version{}, 0, err
	}
	typ := tlsmsg.RecordType(b[0])
	ver := session.Version{Major: b[1], Minor: b[2]}
	length := int(b[3])<<8 | int(b[4])
	return typ, ver, length, nil
}

// ReadRecord consumes and, if read keys are installed, unprotects the
// next full record.
func (rl *RecordLayer) ReadRecord() (tlsmsg.RecordType, session.Version, []byte, error) {
	typ, ver, length, err := rl.PeekHeader()
	if err != nil {
		return 0, session.Version{}, nil, err
	}
	full := make([]byte, tlsmsg.RecordHeaderLen+length)
	if _, err := rl.ep.Read(full); err != nil {
		return 0, session.Version{}, nil, err
	}
	fragment := full[tlsmsg.RecordHeaderLen:]

	if rl.read == nil {
		return typ, ver, fragment, nil
	}
	plain, err := rl.unprotect(typ, ver, fragment)
	if err != nil {
		return 0, session.Version{}, nil, err
	}
	return typ, ver, plain, nil
}

// ErrRecordProtection wraps every failure unprotect/checkMAC can return:
// a torn or malformed ciphertext, bad CBC padding, or a MAC mismatch.
// readRecordExpect uses errors.Is against this sentinel to decide
// whether a read failure is a record-protection violation (which earns
// the peer a bad_record_mac alert) versus a plain I/O error (which
// doesn't, since the connection is typically already gone).
var ErrRecordProtection = errors.New("tlsbackend: record protection failure")

func (rl *RecordLayer) unprotect(typ tlsmsg.RecordType, ver session.Version, fragment []byte) ([]byte, error) {
	cs := rl.read
	macLen := cs.suite.MacLen

	if cs.block == nil {
		plain := make([]byte, len(fragment))
		cs.rc4.XORKeyStream(plain, fragment)
		if len(plain) < macLen {
			return nil, fmt.Errorf("%w: record shorter than MAC", ErrRecordProtection)
		}
		payload, tag := plain[:len(plain)-macLen], plain[len(plain)-macLen:]
		cs.seq++
		return rl.checkMAC(cs, typ, ver, payload, tag)
	}

	blockSize := cs.block.BlockSize()
	body := fragment
	iv := cs.fixedIV
	if cs.versionMinor >= 2 {
		if len(body) < blockSize {
			return nil, fmt.Errorf("%w: record shorter than explicit IV", ErrRecordProtection)
		}
		iv, body = body[:blockSize], body[blockSize:]
	}
	if len(body) == 0 || len(body)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not a multiple of the block size", ErrRecordProtection)
	}
	plain := make([]byte, len(body))
	cbc := cipher.NewCBCDecrypter(cs.block, iv)
	cbc.CryptBlocks(plain, body)

	padLen := int(plain[len(plain)-1])
	if padLen+1 > len(plain) {
		return nil, fmt.Errorf("%w: invalid CBC padding", ErrRecordProtection)
	}
	plain = plain[:len(plain)-padLen-1]
	if len(plain) < macLen {
		return nil, fmt.Errorf("%w: record shorter than MAC", ErrRecordProtection)
	}
	payload, tag := plain[:len(plain)-macLen], plain[len(plain)-macLen:]
	cs.seq++
	return rl.checkMAC(cs, typ, ver, payload, tag)
}

func (rl *RecordLayer) checkMAC(cs *cipherState, typ tlsmsg.RecordType, ver session.Version, payload, tag []byte) ([]byte, error) {
	mac := tlscrypto.NewMAC(cs.suite, cs.macKey)
	mac.Write(macInput(cs.seq-1, typ, ver, payload))
	want := mac.Sum(nil)
	if !hmac.Equal(want, tag) {
		return nil, fmt.Errorf("%w: record MAC mismatch", ErrRecordProtection)
	}
	return payload, nil
}
