package tlsmsg

// KeyExchangeKind distinguishes the three key-agreement families this
// engine supports: RSA key transport is the only one the PMS/PKCS#1
// manipulations apply to; ECDHE and DHE exist so the diagnostics
// filters have real ServerKeyExchange traffic to decode.
type KeyExchangeKind int

const (
	KeyExchangeRSA KeyExchangeKind = iota
	KeyExchangeECDHERSA
	KeyExchangeDHERSA
)

// NamedCurve identifiers (RFC 4492); only secp256r1 is implemented.
const NamedCurveSecp256r1 = 23

// ServerKeyExchangeECDHE carries ephemeral ECDHE parameters signed by
// the server's long-term RSA key.
type ServerKeyExchangeECDHE struct {
	CurveType  uint8 // 3 = named_curve
	NamedCurve uint16
	PublicKey  []byte // uncompressed point 04||X||Y
	SigAlg     uint16 // TLS 1.2 only
	Signature  []byte
	HasSigAlg  bool
}

func (m *ServerKeyExchangeECDHE) Marshal() []byte {
	var w writer
	w.byte(m.CurveType)
	w.uint16(m.NamedCurve)
	w.bytes8(m.PublicKey)
	if m.HasSigAlg {
		w.uint16(m.SigAlg)
	}
	w.bytes16(m.Signature)
	return w.b
}

func (m *ServerKeyExchangeECDHE) Unmarshal(body []byte, tls12 bool) bool {
	r := newReader(body)
	ct, ok := r.byte()
	if !ok {
		return false
	}
	m.CurveType = ct
	nc, ok := r.uint16()
	if !ok {
		return false
	}
	m.NamedCurve = nc
	pk, ok := r.bytes8()
	if !ok {
		return false
	}
	m.PublicKey = pk
	if tls12 {
		sa, ok := r.uint16()
		if !ok {
			return false
		}
		m.SigAlg = sa
		m.HasSigAlg = true
	}
	sig, ok := r.bytes16()
	if !ok {
		return false
	}
	m.Signature = sig
	return true
}

// ServerKeyExchangeDHE carries ephemeral finite-field Diffie-Hellman
// parameters (P, G, Ys), the "DHM" triple the bit-value interception
// filter decodes.
type ServerKeyExchangeDHE struct {
	P, G, Ys  []byte
	SigAlg    uint16
	Signature []byte
	HasSigAlg bool
}

func (m *ServerKeyExchangeDHE) Marshal() []byte {
	var w writer
	w.bytes16(m.P)
	w.bytes16(m.G)
	w.bytes16(m.Ys)
	if m.HasSigAlg {
		w.uint16(m.SigAlg)
	}
	w.bytes16(m.Signature)
	return w.b
}

func (m *ServerKeyExchangeDHE) Unmarshal(body []byte, tls12 bool) bool {
	r := newReader(body)
	p, ok := r.bytes16()
	if !ok {
		return false
	}
	m.P = p
	g, ok := r.bytes16()
	if !ok {
		return false
	}
	m.G = g
	ys, ok := r.bytes16()
	if !ok {
		return false
	}
	m.Ys = ys
	if tls12 {
		sa, ok := r.uint16()
		if !ok {
			return false
		}
		m.SigAlg = sa
		m.HasSigAlg = true
	}
	sig, ok := r.bytes16()
	if !ok {
		return false
	}
	m.Signature = sig
	return true
}

// ClientKeyExchangeRSA carries the RSAES-PKCS1-v1.5-encrypted
// PreMasterSecret.
type ClientKeyExchangeRSA struct {
	EncryptedPreMasterSecret []byte
}

func (m *ClientKeyExchangeRSA) Marshal() []byte {
	var w writer
	w.bytes16(m.EncryptedPreMasterSecret)
	return w.b
}

func (m *ClientKeyExchangeRSA) Unmarshal(body []byte) bool {
	r := newReader(body)
	ct, ok := r.bytes16()
	if !ok {
		// Some non-conforming peers omit the length prefix; tolerate
		// the bare ciphertext — the peer will typically alert, but the
		// driver must not crash on it.
		if len(body) > 0 {
			m.EncryptedPreMasterSecret = body
			return true
		}
		return false
	}
	m.EncryptedPreMasterSecret = ct
	return true
}

// ClientKeyExchangeECDHE/DHE carry the client's ephemeral public value.
type ClientKeyExchangeDH struct {
	PublicValue []byte
}

func (m *ClientKeyExchangeDH) Marshal() []byte {
	var w writer
	w.bytes8(m.PublicValue)
	return w.b
}

func (m *ClientKeyExchangeDH) Unmarshal(body []byte) bool {
	r := newReader(body)
	pv, ok := r.bytes8()
	if !ok {
		return false
	}
	m.PublicValue = pv
	return true
}

// CertificateVerify carries the client's signature over the
// transcript, proving possession of the private key matching its
// ClientCertificate.
type CertificateVerify struct {
	SigAlg    uint16
	Signature []byte
	HasSigAlg bool
}

func (m *CertificateVerify) Marshal() []byte {
	var w writer
	if m.HasSigAlg {
		w.uint16(m.SigAlg)
	}
	w.bytes16(m.Signature)
	return w.b
}

func (m *CertificateVerify) Unmarshal(body []byte, tls12 bool) bool {
	r := newReader(body)
	if tls12 {
		sa, ok := r.uint16()
		if !ok {
			return false
		}
		m.SigAlg = sa
		m.HasSigAlg = true
	}
	sig, ok := r.bytes16()
	if !ok {
		return false
	}
	m.Signature = sig
	return true
}

// Finished carries the 12-byte (TLS 1.0-1.2) verify_data MAC over the
// handshake transcript.
type Finished struct {
	VerifyData []byte
}

func (m *Finished) Marshal() []byte { return m.VerifyData }
func (m *Finished) Unmarshal(body []byte) bool {
	m.VerifyData = body
	return len(body) == 12
}

// Alert is a 2-byte TLS control message (level, description).
type Alert struct {
	Level       uint8
	Description uint8
}

const (
	AlertLevelWarning uint8 = 1
	AlertLevelFatal   uint8 = 2
)

// The fatal alert descriptions this engine sends back to a peer when it
// detects a protocol violation on the wire (RFC 5246 §7.2.2).
const (
	AlertDescUnexpectedMessage uint8 = 10
	AlertDescBadRecordMAC      uint8 = 20
	AlertDescHandshakeFailure  uint8 = 40
	AlertDescDecryptError      uint8 = 51
)

func (a Alert) Marshal() []byte { return []byte{a.Level, a.Description} }

func UnmarshalAlert(body []byte) (Alert, bool) {
	if len(body) != 2 {
		return Alert{}, false
	}
	return Alert{Level: body[0], Description: body[1]}, true
}

// Heartbeat is decode-only: this engine never sends a HeartbeatRequest,
// but still decodes one for diagnostics if a peer sends it.
type Heartbeat struct {
	Type          uint8
	PayloadLength uint16
	Payload       []byte
}

func UnmarshalHeartbeat(body []byte) (Heartbeat, bool) {
	r := newReader(body)
	typ, ok := r.byte()
	if !ok {
		return Heartbeat{}, false
	}
	length, ok := r.uint16()
	if !ok {
		return Heartbeat{}, false
	}
	payload, ok := r.bytes(int(length))
	if !ok {
		return Heartbeat{}, false
	}
	return Heartbeat{Type: typ, PayloadLength: length, Payload: payload}, true
}
