package tlsbackend

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// clientState mirrors the small amount of negotiation state this side
// needs beyond session.Session, carried only for the duration of one
// handshake.
type clientState struct {
	gotCertificateRequest bool
	serverECDHEPub        []byte
	serverDHEPub          []byte
	serverPub             *rsa.PublicKey
}

func (a *Adapter) stepClient() (StepResult, error) {
	switch a.sess.State {
	case session.ClientHello:
		if err := a.sendClientHello(); err != nil {
			return 0, err
		}
	case session.ServerHello:
		if err := a.recvServerHello(); err != nil {
			return 0, err
		}
	case session.ServerCertificate:
		if err := a.recvServerCertificate(); err != nil {
			return 0, err
		}
	case session.ServerKeyExchange:
		if a.keyExchKind == tlscrypto.KeyExchangeRSA {
			break // not sent for RSA key transport
		}
		if err := a.recvServerKeyExchange(); err != nil {
			return 0, err
		}
	case session.CertificateRequest:
		if err := a.maybeRecvCertificateRequest(); err != nil {
			return 0, err
		}
	case session.ServerHelloDone:
		if err := a.recvServerHelloDone(); err != nil {
			return 0, err
		}
	case session.ClientCertificate:
		if a.cs.gotCertificateRequest {
			if err := a.sendClientCertificate(); err != nil {
				return 0, err
			}
		}
	case session.ClientKeyExchange:
		if err := a.sendClientKeyExchange(); err != nil {
			return 0, err
		}
	case session.CertificateVerify:
		if a.cs.gotCertificateRequest && a.cert != nil {
			if err := a.sendCertificateVerify(); err != nil {
				return 0, err
			}
		}
	case session.ClientChangeCipherSpec:
		if !a.manip.skipCCS {
			if err := a.sendChangeCipherSpec(); err != nil {
				return 0, err
			}
		}
		a.installWriteKeys()
	case session.ClientFinished:
		if !a.manip.skipFinished {
			if err := a.sendFinished(true); err != nil {
				return 0, err
			}
		}
	case session.ServerChangeCipherSpec:
		if err := a.recvChangeCipherSpec(); err != nil {
			return 0, err
		}
		a.installReadKeys()
	case session.ServerFinished:
		if err := a.recvFinished(false); err != nil {
			return 0, err
		}
	case session.Internal1Flush, session.Internal2Wrapup:
		// No wire action: these states exist purely so a manipulation
		// can install a pre/post hook around the transition into
		// HANDSHAKE_DONE without overloading SERVER_FINISHED.
	case session.HandshakeDone:
		return Progressed, nil
	default:
		return 0, errNotImplemented
	}
	a.sess.SetState(a.sess.State + 1)
	return Progressed, nil
}

func (a *Adapter) sendClientHello() error {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return err
	}
	a.sess.ClientRandom = random
	a.sess.HaveClientRandom = true

	ch := &tlsmsg.ClientHello{
		Version:    a.offeredVersionMax.Uint16(),
		Random:     random,
		ServerName: a.sess.ServerName,
	}
	for _, id := range a.offeredSuites {
		ch.CipherSuites = append(ch.CipherSuites, id)
	}
	ch.CompressionMethods = []uint8{0}

	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeClientHello, ch.Marshal())
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.offeredVersionMax, body); err != nil {
		return err
	}
	a.logSent("ClientHello")
	return nil
}

func (a *Adapter) readHandshakeMessage(expect tlsmsg.HandshakeType) ([]byte, error) {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeHandshake)
	if err != nil {
		return nil, err
	}
	htyp, body, ok := tlsmsg.SplitHandshakeHeader(payload)
	if !ok {
		return nil, tlsmsg.ErrShortBuffer
	}
	if htyp != expect {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return nil, fmt.Errorf("tlsbackend: expected handshake message %d, got %d", expect, htyp)
	}
	a.appendTranscript(payload[:4+len(body)])
	return body, nil
}

func (a *Adapter) recvServerHello() error {
	body, err := a.readHandshakeMessage(tlsmsg.HandshakeTypeServerHello)
	if err != nil {
		return err
	}
	var sh tlsmsg.ServerHello
	if !sh.Unmarshal(body) {
		return tlsmsg.ErrShortBuffer
	}
	a.sess.Version = session.Version{Major: uint8(sh.Version >> 8), Minor: uint8(sh.Version)}
	a.sess.Suite = session.SuiteFromID(sh.CipherSuite)
	a.serverRandom = sh.Random
	suite, ok := tlscrypto.LookupSuite(sh.CipherSuite)
	if !ok {
		return fmt.Errorf("tlsbackend: server chose unsupported cipher suite %04x", sh.CipherSuite)
	}
	a.keyExchKind = suite.KeyExchange
	a.logReceived("ServerHello")
	return nil
}

func (a *Adapter) recvServerCertificate() error {
	body, err := a.readHandshakeMessage(tlsmsg.HandshakeTypeCertificate)
	if err != nil {
		return err
	}
	var cert tlsmsg.Certificate
	if !cert.Unmarshal(body) {
		return tlsmsg.ErrShortBuffer
	}
	if len(cert.Chain) > 0 {
		pub, err := parseRSAPublicKeyFromDER(cert.Chain[0])
		if err == nil {
			a.cs.serverPub = pub
		}
	}
	a.logReceived("Certificate")
	a.logHexDump("Certificate", body)
	return nil
}

func (a *Adapter) recvServerKeyExchange() error {
	body, err := a.readHandshakeMessage(tlsmsg.HandshakeTypeServerKeyExchange)
	if err != nil {
		return err
	}
	tls12 := a.sess.Version == session.VersionTLS12
	switch a.keyExchKind {
	case tlscrypto.KeyExchangeECDHERSA:
		var ske tlsmsg.ServerKeyExchangeECDHE
		if !ske.Unmarshal(body, tls12) {
			return tlsmsg.ErrShortBuffer
		}
		a.cs.serverECDHEPub = ske.PublicKey
		a.logHexDump("ServerKeyExchange.ECDHE", body)
	case tlscrypto.KeyExchangeDHERSA:
		var ske tlsmsg.ServerKeyExchangeDHE
		if !ske.Unmarshal(body, tls12) {
			return tlsmsg.ErrShortBuffer
		}
		a.cs.serverDHEPub = ske.Ys
		a.logHexDump("DHM.P", ske.P)
		a.logHexDump("DHM.G", ske.G)
		a.logHexDump("DHM.GY", ske.Ys)
	}
	a.logReceived("ServerKeyExchange")
	return nil
}

func (a *Adapter) maybeRecvCertificateRequest() error {
	// Peek the handshake message type without consuming the record: a
	// CertificateRequest is optional, and if absent the next message
	// is ServerHelloDone, which the following state reads instead.
	peeked, err := a.ep.Peek(tlsmsg.RecordHeaderLen + 1)
	if err != nil {
		return err
	}
	if tlsmsg.HandshakeType(peeked[tlsmsg.RecordHeaderLen]) != tlsmsg.HandshakeTypeCertificateRequest {
		return nil
	}
	body, err := a.readHandshakeMessage(tlsmsg.HandshakeTypeCertificateRequest)
	if err != nil {
		return err
	}
	var cr tlsmsg.CertificateRequest
	tls12 := a.sess.Version == session.VersionTLS12
	if !cr.Unmarshal(body, tls12) {
		return tlsmsg.ErrShortBuffer
	}
	a.cs.gotCertificateRequest = true
	a.logReceived("CertificateRequest")
	return nil
}

func (a *Adapter) recvServerHelloDone() error {
	body, err := a.readHandshakeMessage(tlsmsg.HandshakeTypeServerHelloDone)
	if err != nil {
		return err
	}
	var shd tlsmsg.ServerHelloDone
	if !shd.Unmarshal(body) {
		return tlsmsg.ErrShortBuffer
	}
	a.logReceived("ServerHelloDone")
	return nil
}

func (a *Adapter) sendClientCertificate() error {
	cert := &tlsmsg.Certificate{}
	if a.cert != nil {
		cert.Chain = a.cert.Certificate
	}
	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeCertificate, cert.Marshal())
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("Certificate")
	return nil
}

func (a *Adapter) sendClientKeyExchange() error {
	var body []byte
	switch a.keyExchKind {
	case tlscrypto.KeyExchangeRSA:
		if a.cs.serverPub == nil {
			return errors.New("tlsbackend: no server RSA public key available for key transport")
		}
		// RFC 5246 §7.4.7.1: client_version is the version the client
		// offered in ClientHello, not the version ultimately negotiated.
		cv := tlsmsg_version{major: a.offeredVersionMax.Major, minor: a.offeredVersionMax.Minor}
		original, wire := rsaPreMasterSecret(cv, a.manip.pms)
		a.pms = original
		cke, err := clientRSAKeyExchange(a.cs.serverPub, wire, a.manip.encryptPadding)
		if err != nil {
			return err
		}
		body = tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeClientKeyExchange, cke.Marshal())
	case tlscrypto.KeyExchangeECDHERSA:
		kp, err := newECDHEKeyPair()
		if err != nil {
			return err
		}
		a.ecdheKeys = kp
		shared, err := kp.sharedSecret(a.cs.serverECDHEPub)
		if err != nil {
			return err
		}
		copy(a.pms[:], padPMS(shared))
		cke := &tlsmsg.ClientKeyExchangeDH{PublicValue: kp.publicBytes()}
		body = tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeClientKeyExchange, cke.Marshal())
	case tlscrypto.KeyExchangeDHERSA:
		kp, err := newDHEKeyPair()
		if err != nil {
			return err
		}
		a.dheKeys = kp
		shared := kp.sharedSecret(a.cs.serverDHEPub)
		copy(a.pms[:], padPMS(shared))
		cke := &tlsmsg.ClientKeyExchangeDH{PublicValue: kp.publicBytes()}
		body = tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeClientKeyExchange, cke.Marshal())
	}
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("ClientKeyExchange")
	a.deriveMasterSecret()
	return nil
}

func (a *Adapter) sendCertificateVerify() error {
	if a.rsaPriv == nil {
		return nil
	}
	tls12 := a.sess.Version == session.VersionTLS12
	sig, err := signTranscript(a.rsaPriv, tls12, a.transcriptHash(tls12))
	if err != nil {
		return err
	}
	cv := &tlsmsg.CertificateVerify{Signature: sig, HasSigAlg: tls12}
	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeCertificateVerify, cv.Marshal())
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("CertificateVerify")
	return nil
}

// padPMS left-pads or truncates a raw (EC)DH shared secret to the
// 48-byte PreMasterSecret slot this engine's key schedule expects for
// uniformity with the RSA path; real PMS lengths for DH key exchange
// vary with the group, but deriving from the full shared value with no
// truncation keeps the key schedule correct while letting the rest of
// the pipeline treat every PMS the same size.
func padPMS(shared []byte) []byte {
	if len(shared) >= 48 {
		return shared[:48]
	}
	out := make([]byte, 48)
	copy(out[48-len(shared):], shared)
	return out
}
