package tlsbackend

import (
	"crypto/rand"
	"errors"

	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// serverState mirrors the negotiation state the server side needs
// beyond session.Session for the duration of one handshake.
type serverState struct {
	requestClientCert    bool
	clientOfferedVersion tlsmsg_version
	clientCipherSuites   []uint16
	gotClientCert        bool
}

func (a *Adapter) SetRequestClientCertificate(v bool) { a.ss.requestClientCert = v }

func (a *Adapter) stepServer() (StepResult, error) {
	switch a.sess.State {
	case session.HelloRequest:
		// Placeholder initial state; the TCP "have client" transition
		// already happened in netio.TcpEndpoint.Work before the
		// adapter was constructed.
	case session.ClientHello:
		if err := a.recvClientHello(); err != nil {
			return 0, err
		}
	case session.ServerHello:
		if err := a.sendServerHello(); err != nil {
			return 0, err
		}
	case session.ServerCertificate:
		if err := a.sendServerCertificate(); err != nil {
			return 0, err
		}
	case session.ServerKeyExchange:
		if a.keyExchKind == tlscrypto.KeyExchangeRSA {
			break
		}
		if err := a.sendServerKeyExchange(); err != nil {
			return 0, err
		}
	case session.CertificateRequest:
		if a.ss.requestClientCert {
			if err := a.sendCertificateRequest(); err != nil {
				return 0, err
			}
		}
	case session.ServerHelloDone:
		if err := a.sendServerHelloDone(); err != nil {
			return 0, err
		}
	case session.ClientCertificate:
		if a.ss.requestClientCert {
			if err := a.recvClientCertificate(); err != nil {
				return 0, err
			}
		}
	case session.ClientKeyExchange:
		if err := a.recvClientKeyExchange(); err != nil {
			return 0, err
		}
	case session.CertificateVerify:
		if a.ss.gotClientCert {
			if err := a.recvCertificateVerify(); err != nil {
				return 0, err
			}
		}
	case session.ClientChangeCipherSpec:
		if err := a.recvChangeCipherSpec(); err != nil {
			return 0, err
		}
		a.installReadKeys()
	case session.ClientFinished:
		if err := a.recvFinished(true); err != nil {
			return 0, err
		}
	case session.ServerChangeCipherSpec:
		if !a.manip.skipCCS {
			if err := a.sendChangeCipherSpec(); err != nil {
				return 0, err
			}
		}
		a.installWriteKeys()
	case session.ServerFinished:
		if !a.manip.skipFinished {
			if err := a.sendFinished(false); err != nil {
				return 0, err
			}
		}
	case session.Internal1Flush, session.Internal2Wrapup:
		// No wire action; see the matching comment in stepClient.
	case session.HandshakeDone:
		return Progressed, nil
	default:
		return 0, errNotImplemented
	}
	a.sess.SetState(a.sess.State + 1)
	return Progressed, nil
}

func (a *Adapter) recvClientHello() error {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeHandshake)
	if err != nil {
		return err
	}
	htyp, body, ok := tlsmsg.SplitHandshakeHeader(payload)
	if !ok || htyp != tlsmsg.HandshakeTypeClientHello {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return errors.New("tlsbackend: expected ClientHello")
	}
	a.appendTranscript(payload[:4+len(body)])

	var ch tlsmsg.ClientHello
	if !ch.Unmarshal(body) {
		return tlsmsg.ErrShortBuffer
	}
	a.sess.ClientRandom = ch.Random
	a.sess.HaveClientRandom = true
	a.ss.clientOfferedVersion = tlsmsg_version{major: uint8(ch.Version >> 8), minor: uint8(ch.Version)}
	a.ss.clientCipherSuites = ch.CipherSuites
	if ch.ServerName != "" {
		a.sess.ServerName = ch.ServerName
	}
	a.logReceived("ClientHello")
	return nil
}

// negotiateVersion picks the highest version both this server's
// configured range and the client's offer support.
func (a *Adapter) negotiateVersion() session.Version {
	offered := session.Version{Major: a.ss.clientOfferedVersion.major, Minor: a.ss.clientOfferedVersion.minor}
	v := a.offeredVersionMax
	if offered.Less(v) {
		v = offered
	}
	if v.Less(a.offeredVersionMin) {
		v = a.offeredVersionMin
	}
	return v
}

func (a *Adapter) negotiateSuite() (uint16, tlscrypto.Suite, error) {
	offeredSet := map[uint16]bool{}
	for _, id := range a.ss.clientCipherSuites {
		offeredSet[id] = true
	}
	for _, id := range a.offeredSuites {
		if offeredSet[id] {
			if s, ok := tlscrypto.LookupSuite(id); ok {
				return id, s, nil
			}
		}
	}
	return 0, tlscrypto.Suite{}, errors.New("tlsbackend: no shared cipher suite")
}

func (a *Adapter) sendServerHello() error {
	a.sess.Version = a.negotiateVersion()
	id, suite, err := a.negotiateSuite()
	if err != nil {
		return err
	}
	a.sess.Suite = session.SuiteFromID(id)
	a.keyExchKind = suite.KeyExchange

	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return err
	}
	a.serverRandom = random

	sh := &tlsmsg.ServerHello{
		Version:     a.sess.Version.Uint16(),
		Random:      random,
		CipherSuite: id,
	}
	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeServerHello, sh.Marshal())
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("ServerHello")
	return nil
}

func (a *Adapter) sendServerCertificate() error {
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

func (a *Adapter) sendServerKeyExchange() error {
	tls12 := a.sess.Version == session.VersionTLS12
	var body []byte
	switch a.keyExchKind {
	case tlscrypto.KeyExchangeECDHERSA:
		kp, err := newECDHEKeyPair()
		if err != nil {
			return err
		}
		a.ecdheKeys = kp
		ske := &tlsmsg.ServerKeyExchangeECDHE{
			CurveType:  3,
			NamedCurve: tlsmsg.NamedCurveSecp256r1,
			PublicKey:  kp.publicBytes(),
			HasSigAlg:  tls12,
			SigAlg:     0x0401, // rsa_pkcs1_sha256
		}
		if a.rsaPriv != nil {
			params := buildECDHEParams(ske)
			sig, err := signServerParams(a.rsaPriv, tls12, a.sess.ClientRandom[:], a.serverRandom[:], params)
			if err != nil {
				return err
			}
			ske.Signature = sig
		}
		body = tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeServerKeyExchange, ske.Marshal())
		a.logHexDump("ServerKeyExchange.ECDHE", body[4:])
	case tlscrypto.KeyExchangeDHERSA:
		kp, err := newDHEKeyPair()
		if err != nil {
			return err
		}
		a.dheKeys = kp
		ske := &tlsmsg.ServerKeyExchangeDHE{
			P: dheGroup.P.Bytes(), G: dheGroup.G.Bytes(), Ys: kp.publicBytes(),
			HasSigAlg: tls12, SigAlg: 0x0401,
		}
		if a.rsaPriv != nil {
			params := buildDHEParams(ske)
			sig, err := signServerParams(a.rsaPriv, tls12, a.sess.ClientRandom[:], a.serverRandom[:], params)
			if err != nil {
				return err
			}
			ske.Signature = sig
		}
		body = tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeServerKeyExchange, ske.Marshal())
		a.logHexDump("DHM.P", ske.P)
		a.logHexDump("DHM.G", ske.G)
		a.logHexDump("DHM.GY", ske.Ys)
	}
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("ServerKeyExchange")
	return nil
}

func buildECDHEParams(ske *tlsmsg.ServerKeyExchangeECDHE) []byte {
	out := []byte{ske.CurveType, byte(ske.NamedCurve >> 8), byte(ske.NamedCurve)}
	out = append(out, byte(len(ske.PublicKey)))
	return append(out, ske.PublicKey...)
}

func buildDHEParams(ske *tlsmsg.ServerKeyExchangeDHE) []byte {
	var out []byte
	for _, field := range [][]byte{ske.P, ske.G, ske.Ys} {
		out = append(out, byte(len(field)>>8), byte(len(field)))
		out = append(out, field...)
	}
	return out
}

func (a *Adapter) sendCertificateRequest() error {
	cr := &tlsmsg.CertificateRequest{
		CertificateTypes: []uint8{1}, // rsa_sign
	}
	tls12 := a.sess.Version == session.VersionTLS12
	if tls12 {
		cr.SupportedSignatureAlgorithms = []uint16{0x0401}
	}
	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeCertificateRequest, cr.Marshal(tls12))
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("CertificateRequest")
	return nil
}

func (a *Adapter) sendServerHelloDone() error {
	shd := &tlsmsg.ServerHelloDone{}
	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeServerHelloDone, shd.Marshal())
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("ServerHelloDone")
	return nil
}

func (a *Adapter) recvClientCertificate() error {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeHandshake)
	if err != nil {
		return err
	}
	htyp, body, ok := tlsmsg.SplitHandshakeHeader(payload)
	if !ok || htyp != tlsmsg.HandshakeTypeCertificate {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return errors.New("tlsbackend: expected Certificate")
	}
	a.appendTranscript(payload[:4+len(body)])
	var cert tlsmsg.Certificate
	if !cert.Unmarshal(body) {
		return tlsmsg.ErrShortBuffer
	}
	a.ss.gotClientCert = len(cert.Chain) > 0
	a.logReceived("Certificate")
	return nil
}

func (a *Adapter) recvClientKeyExchange() error {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeHandshake)
	if err != nil {
		return err
	}
	htyp, body, ok := tlsmsg.SplitHandshakeHeader(payload)
	if !ok || htyp != tlsmsg.HandshakeTypeClientKeyExchange {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return errors.New("tlsbackend: expected ClientKeyExchange")
	}
	a.appendTranscript(payload[:4+len(body)])

	switch a.keyExchKind {
	case tlscrypto.KeyExchangeRSA:
		var cke tlsmsg.ClientKeyExchangeRSA
		if !cke.Unmarshal(body) {
			return tlsmsg.ErrShortBuffer
		}
		checks := tlscrypto.AllChecks
		if a.manip.decryptActive {
			checks = a.manip.decryptChecks
		}
		pms, err := serverRSAKeyExchange(a.rsaPriv, cke.EncryptedPreMasterSecret, checks, a.ss.clientOfferedVersion)
		if err != nil {
			a.sendFatalAlert(tlsmsg.AlertDescDecryptError)
			return err
		}
		a.pms = pms
	case tlscrypto.KeyExchangeECDHERSA:
		var cke tlsmsg.ClientKeyExchangeDH
		if !cke.Unmarshal(body) {
			return tlsmsg.ErrShortBuffer
		}
		shared, err := a.ecdheKeys.sharedSecret(cke.PublicValue)
		if err != nil {
			return err
		}
		copy(a.pms[:], padPMS(shared))
	case tlscrypto.KeyExchangeDHERSA:
		var cke tlsmsg.ClientKeyExchangeDH
		if !cke.Unmarshal(body) {
			return tlsmsg.ErrShortBuffer
		}
		shared := a.dheKeys.sharedSecret(cke.PublicValue)
		copy(a.pms[:], padPMS(shared))
	}
	a.logReceived("ClientKeyExchange")
	a.deriveMasterSecret()
	return nil
}

func (a *Adapter) recvCertificateVerify() error {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeHandshake)
	if err != nil {
		return err
	}
	htyp, body, ok := tlsmsg.SplitHandshakeHeader(payload)
	if !ok || htyp != tlsmsg.HandshakeTypeCertificateVerify {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return errors.New("tlsbackend: expected CertificateVerify")
	}
	a.appendTranscript(payload[:4+len(body)])
	var cv tlsmsg.CertificateVerify
	tls12 := a.sess.Version == session.VersionTLS12
	if !cv.Unmarshal(body, tls12) {
		return tlsmsg.ErrShortBuffer
	}
	// Signature verification against the client certificate's public
	// key is out of scope for this negative-testing tool (it exercises
	// the server's own protocol handling, not client signature
	// validity); the message is still parsed and transcript-included.
	a.logReceived("CertificateVerify")
	return nil
}
