package tlsbackend

import (
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/tlsprobe/tlsprobe/internal/diagnostics"
	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// StepResult reports what one call to Adapter.Step accomplished, the
// outcome the handshake loop drives on.
type StepResult int

const (
	Progressed StepResult = iota
	SoftRetry             // nothing to do yet (e.g. waiting on more bytes); call Step again
)

// AlertReceivedError reports that the peer sent an Alert record where a
// handshake message was expected. The driver translates this into its
// own public alert-error type rather than treating it as a generic
// record-type mismatch.
type AlertReceivedError struct {
	Level       uint8
	Description uint8
}

func (e *AlertReceivedError) Error() string {
	return fmt.Sprintf("tlsbackend: alert received: level=%d description=%d", e.Level, e.Description)
}

// manipulations collects every byte-level override a manipulation may
// install; the zero value behaves exactly like a conformant backend.
type manipulations struct {
	pms            pmsOverrides
	pmsActive      bool
	encryptPadding tlscrypto.PaddingOverride
	encryptActive  bool
	decryptChecks  tlscrypto.DecryptChecks
	decryptActive  bool
	skipCCS        bool
	skipFinished   bool
}

// Adapter is a stepped TLS 1.0–1.2
// handshake state machine, client or server, with hook methods a
// manipulation installs or clears around a single step. Grounded on
// _reference/tlsHandler/handshake.go's Handshake(), generalized from
// its single TLS-1.3-passthrough case into an actively stepped
// TLS 1.0/1.1/1.2 engine that builds and parses every message itself.
type Adapter struct {
	sess *session.Session
	ep   *netio.TcpEndpoint
	rl   *RecordLayer

	rawTranscript []byte

	manip manipulations

	// Negotiation inputs, set before the handshake starts.
	offeredVersionMin, offeredVersionMax session.Version
	offeredSuites                        []uint16

	// Server-side identity and ephemeral key-exchange state.
	cert       *tls.Certificate
	rsaPriv    *rsa.PrivateKey
	ecdheKeys  *ecdheKeyPair
	dheKeys    *dheKeyPair
	keyExchKind tlscrypto.KeyExchange

	serverRandom [32]byte

	pms     [preMasterSecretLen]byte
	suite   tlscrypto.Suite
	haveSuite bool

	cs clientState
	ss serverState

	sink *diagnostics.Sink
}

// SetSink attaches the diagnostics trace sink every wire event below
// reports to . Left nil, the adapter
// runs silently — used by unit tests that don't care about tracing.
func (a *Adapter) SetSink(sink *diagnostics.Sink) { a.sink = sink }

// logSent/logReceived emit the canonical "<Message> transmitted."/
// "received." lines the handshake's send*/recv* helpers call once
// their wire action actually completes (conditional no-ops, like a
// CertificateRequest nobody asked for, never call these).
func (a *Adapter) logSent(message string) {
	if a.sink != nil {
		a.sink.Event("handshake", message+" message transmitted.")
	}
}

func (a *Adapter) logReceived(message string) {
	if a.sink != nil {
		a.sink.Event("handshake", message+" message received.")
	}
}

// logHexDump feeds a labeled byte blob through the diagnostics filter
// chain.
func (a *Adapter) logHexDump(label string, b []byte) {
	if a.sink != nil {
		a.sink.Native(diagnostics.NativeLine{Level: diagnostics.High, HexLabel: label, HexBytes: b})
	}
}

// NewAdapter constructs an Adapter bound to sess and ep. The endpoint
// must already be connected (client) or have accepted a peer (server).
func NewAdapter(sess *session.Session, ep *netio.TcpEndpoint) *Adapter {
	return &Adapter{
		sess: sess,
		ep:   ep,
		rl:   NewRecordLayer(ep),
		manip: manipulations{
			decryptChecks: tlscrypto.AllChecks,
		},
	}
}

// --- Configuration, called before the handshake starts ---

func (a *Adapter) SetVersionRange(min, max session.Version) {
	a.offeredVersionMin, a.offeredVersionMax = min, max
}

func (a *Adapter) SetCipherSuites(ids []uint16) { a.offeredSuites = ids }

// InstallCertificate loads an X.509 identity for the server side to
// present on the wire, using the standard
// library's loader rather than _reference/certs.go's MITM-CA installer
// — that file installs a root CA into the system trust store, a
// different problem than loading one identity cert+key pair to
// present on the wire (see DESIGN.md).
func (a *Adapter) InstallCertificate(certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("tlsbackend: loading certificate: %w", err)
	}
	a.cert = &cert
	if rsaKey, ok := cert.PrivateKey.(*rsa.PrivateKey); ok {
		a.rsaPriv = rsaKey
	}
	return nil
}

func (a *Adapter) SetServerSimulation(sim session.ServerSimulation) { a.sess.Simulation = sim }

// --- Manipulation hooks ---
// Each "Overwrite*"/"Skip*" hook has a matching "Restore*" counterpart;
// the manipulation pipeline (internal/manipulation) is responsible for
// calling the restore half after the manipulated step completes, the
// active-flag pairing discipline this design requires.

func (a *Adapter) OverwritePMSVersion(v uint16) {
	a.manip.pmsActive = true
	a.manip.pms.version = &v
}
func (a *Adapter) RestorePMSVersion() { a.manip.pms.version = nil; a.clearPMSIfIdle() }

func (a *Adapter) OverwritePMSRandom(b [46]byte) {
	a.manip.pmsActive = true
	a.manip.pms.random = &b
}
func (a *Adapter) RestorePMSRandom() { a.manip.pms.random = nil; a.clearPMSIfIdle() }

func (a *Adapter) OverwritePMSRandomByte(index int, b byte) {
	a.manip.pmsActive = true
	if a.manip.pms.randomBytes == nil {
		a.manip.pms.randomBytes = map[int]byte{}
	}
	a.manip.pms.randomBytes[index] = b
}
func (a *Adapter) RestorePMSRandomByte(index int) {
	delete(a.manip.pms.randomBytes, index)
	a.clearPMSIfIdle()
}

func (a *Adapter) clearPMSIfIdle() {
	if a.manip.pms.version == nil && a.manip.pms.random == nil && len(a.manip.pms.randomBytes) == 0 {
		a.manip.pmsActive = false
	}
}

func (a *Adapter) OverwritePKCS1Padding(override tlscrypto.PaddingOverride) {
	a.manip.encryptActive = true
	a.manip.encryptPadding = override
}
func (a *Adapter) RestorePKCS1Padding() {
	a.manip.encryptActive = false
	a.manip.encryptPadding = tlscrypto.PaddingOverride{}
}

func (a *Adapter) SkipPKCS1Checks(checks tlscrypto.DecryptChecks) {
	a.manip.decryptActive = true
	a.manip.decryptChecks = checks
}
func (a *Adapter) RestorePKCS1Checks() {
	a.manip.decryptActive = false
	a.manip.decryptChecks = tlscrypto.AllChecks
}

func (a *Adapter) SetSkipChangeCipherSpec(v bool) { a.manip.skipCCS = v }
func (a *Adapter) SetSkipFinished(v bool)          { a.manip.skipFinished = v }

// --- State access ---

func (a *Adapter) CurrentState() session.State { return a.sess.State }
func (a *Adapter) SetState(s session.State)     { a.sess.SetState(s) }

// --- Transcript (handshake-message hash input for Finished/CertificateVerify) ---

func (a *Adapter) appendTranscript(msg []byte) { a.rawTranscript = append(a.rawTranscript, msg...) }

func (a *Adapter) transcriptHash(tls12 bool) []byte {
	if tls12 {
		h := sha256.New()
		h.Write(a.rawTranscript)
		return h.Sum(nil)
	}
	md5h := newMD5Sum(a.rawTranscript)
	sha1h := sha1.Sum(a.rawTranscript)
	return append(md5h[:], sha1h[:]...)
}

func newMD5Sum(b []byte) [16]byte {
	return md5.Sum(b)
}

// --- Record I/O passthrough, for the handshake driver's alert probing ---

func (a *Adapter) PeekRecordHeader() (tlsmsg.RecordType, session.Version, int, error) {
	return a.rl.PeekHeader()
}

func (a *Adapter) ReadNextRecord() (tlsmsg.RecordType, session.Version, []byte, error) {
	return a.rl.ReadRecord()
}

// --- Application data, post-handshake   ---

const appDataQuantum = 1024

func (a *Adapter) SendApplicationData(data []byte) error {
	for off := 0; off < len(data); off += appDataQuantum {
		end := off + appDataQuantum
		if end > len(data) {
			end = len(data)
		}
		if err := a.rl.WriteRecord(tlsmsg.RecordTypeApplicationData, a.sess.Version, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) ReceiveApplicationData(max int) ([]byte, error) {
	typ, _, payload, err := a.rl.ReadRecord()
	if err != nil {
		return nil, err
	}
	if typ != tlsmsg.RecordTypeApplicationData {
		return nil, fmt.Errorf("tlsbackend: expected application_data, got record type %d", typ)
	}
	if len(payload) > max {
		payload = payload[:max]
	}
	return payload, nil
}

// sendFatalAlert writes a fatal Alert record carrying desc and traces
// it, best-effort: a write failure here never masks the protocol
// violation that prompted it, so the caller's own error is what
// ultimately propagates.
func (a *Adapter) sendFatalAlert(desc uint8) {
	alert := tlsmsg.Alert{Level: tlsmsg.AlertLevelFatal, Description: desc}
	_ = a.rl.WriteRecord(tlsmsg.RecordTypeAlert, a.sess.Version, alert.Marshal())
	if a.sink != nil {
		a.sink.Native(diagnostics.NativeLine{Level: diagnostics.Medium,
			Message: fmt.Sprintf("alert sent: level=%d description=%d", alert.Level, alert.Description)})
	}
}

// readRecordExpect reads the next record and asserts it is of type
// want. A peer that instead sends an Alert record has that record
// parsed and traced here and reported as *AlertReceivedError, rather
// than discarded into a generic type-mismatch error the way a plain
// ReadRecord/type-check would.
func (a *Adapter) readRecordExpect(want tlsmsg.RecordType) (session.Version, []byte, error) {
	typ, ver, payload, err := a.rl.ReadRecord()
	if err != nil {
		if errors.Is(err, ErrRecordProtection) {
			a.sendFatalAlert(tlsmsg.AlertDescBadRecordMAC)
		}
		return ver, nil, err
	}
	if typ == tlsmsg.RecordTypeAlert {
		alert, ok := tlsmsg.UnmarshalAlert(payload)
		if !ok {
			return ver, nil, errors.New("tlsbackend: malformed Alert record")
		}
		if a.sink != nil {
			a.sink.Native(diagnostics.NativeLine{Level: diagnostics.Medium,
				Message: fmt.Sprintf("alert received: level=%d description=%d", alert.Level, alert.Description)})
		}
		return ver, nil, &AlertReceivedError{Level: alert.Level, Description: alert.Description}
	}
	if typ != want {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return ver, nil, fmt.Errorf("tlsbackend: expected record type %d, got %d", want, typ)
	}
	return ver, payload, nil
}

// Close sends a close_notify alert and waits up to budget for the
// peer's own close_notify or TCP close.
func (a *Adapter) Close(budget time.Duration) error {
	alert := tlsmsg.Alert{Level: tlsmsg.AlertLevelWarning, Description: 0 /* close_notify */}
	_ = a.rl.WriteRecord(tlsmsg.RecordTypeAlert, a.sess.Version, alert.Marshal())

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if a.ep.IsClosed(false) {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// SnapshotSecrets returns the client random and master secret for the
// NSS key-log sink, once both are available.
func (a *Adapter) SnapshotSecrets() (clientRandom [32]byte, masterSecret [48]byte, ok bool) {
	if !a.sess.HaveClientRandom || !a.sess.HaveMasterSecret {
		return clientRandom, masterSecret, false
	}
	return a.sess.ClientRandom, a.sess.MasterSecret, true
}

var errNotImplemented = errors.New("tlsbackend: state not reachable by this role")

// Step advances the handshake by exactly one state, performing
// whatever wire action (or no-op bookkeeping) belongs to the current
// state for this side's role /§4.4.
func (a *Adapter) Step() (StepResult, error) {
	if a.sess.Role == session.RoleClient {
		return a.stepClient()
	}
	return a.stepServer()
}

func parseRSAPublicKeyFromDER(der []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("tlsbackend: certificate does not carry an RSA public key")
	}
	return pub, nil
}

// deriveMasterSecret computes the session master secret from the
// just-established PreMasterSecret and caches the negotiated suite
// parameters for installWriteKeys/installReadKeys.
func (a *Adapter) deriveMasterSecret() {
	suite, ok := tlscrypto.LookupSuite(a.sess.Suite.ID())
	if !ok {
		return
	}
	a.suite = suite
	a.haveSuite = true

	ms := tlscrypto.MasterSecret(a.sess.Version.Minor, a.pms[:], a.sess.ClientRandom[:], a.serverRandom[:])
	copy(a.sess.MasterSecret[:], ms)
	a.sess.HaveMasterSecret = true
}

// installWriteKeys and installReadKeys derive the full key block once
// and install the half this side needs, called right after each
// side's ChangeCipherSpec flight: a party's write keys become active
// immediately after it sends its own CCS, its read keys only once the
// peer's CCS has been received.
func (a *Adapter) installWriteKeys() {
	if !a.haveSuite {
		return
	}
	km := tlscrypto.DeriveKeyMaterial(a.suite, a.sess.Version.Minor, a.sess.MasterSecret[:], a.sess.ClientRandom[:], a.serverRandom[:])
	if a.sess.Role == session.RoleClient {
		cs, err := newCipherState(a.suite, a.sess.Version.Minor, km.ClientMAC, km.ClientKey, km.ClientIV)
		if err == nil {
			a.rl.InstallWriteKeys(cs)
		}
	} else {
		cs, err := newCipherState(a.suite, a.sess.Version.Minor, km.ServerMAC, km.ServerKey, km.ServerIV)
		if err == nil {
			a.rl.InstallWriteKeys(cs)
		}
	}
}

func (a *Adapter) installReadKeys() {
	if !a.haveSuite {
		return
	}
	km := tlscrypto.DeriveKeyMaterial(a.suite, a.sess.Version.Minor, a.sess.MasterSecret[:], a.sess.ClientRandom[:], a.serverRandom[:])
	if a.sess.Role == session.RoleClient {
		cs, err := newCipherState(a.suite, a.sess.Version.Minor, km.ServerMAC, km.ServerKey, km.ServerIV)
		if err == nil {
			a.rl.InstallReadKeys(cs)
		}
	} else {
		cs, err := newCipherState(a.suite, a.sess.Version.Minor, km.ClientMAC, km.ClientKey, km.ClientIV)
		if err == nil {
			a.rl.InstallReadKeys(cs)
		}
	}
}

func (a *Adapter) sendChangeCipherSpec() error {
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeChangeCipherSpec, a.sess.Version, []byte{1}); err != nil {
		return err
	}
	a.logSent("ChangeCipherSpec")
	return nil
}

func (a *Adapter) recvChangeCipherSpec() error {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeChangeCipherSpec)
	if err != nil {
		return err
	}
	if len(payload) != 1 || payload[0] != 1 {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return errors.New("tlsbackend: malformed ChangeCipherSpec")
	}
	a.logReceived("ChangeCipherSpec")
	return nil
}

func (a *Adapter) sendFinished(isClient bool) error {
	verify := tlscrypto.VerifyData(a.sess.Version.Minor, a.sess.MasterSecret[:], isClient, a.transcriptHash(a.sess.Version == session.VersionTLS12))
	fin := &tlsmsg.Finished{VerifyData: verify}
	body := tlsmsg.WrapHandshake(tlsmsg.HandshakeTypeFinished, fin.Marshal())
	a.appendTranscript(body)
	if err := a.rl.WriteRecord(tlsmsg.RecordTypeHandshake, a.sess.Version, body); err != nil {
		return err
	}
	a.logSent("Finished")
	return nil
}

func (a *Adapter) recvFinished(isClient bool) error {
	_, payload, err := a.readRecordExpect(tlsmsg.RecordTypeHandshake)
	if err != nil {
		return err
	}
	htyp, body, ok := tlsmsg.SplitHandshakeHeader(payload)
	if !ok || htyp != tlsmsg.HandshakeTypeFinished {
		a.sendFatalAlert(tlsmsg.AlertDescUnexpectedMessage)
		return fmt.Errorf("tlsbackend: expected Finished message")
	}
	want := tlscrypto.VerifyData(a.sess.Version.Minor, a.sess.MasterSecret[:], isClient, a.transcriptHash(a.sess.Version == session.VersionTLS12))
	a.appendTranscript(payload[:4+len(body)])
	var fin tlsmsg.Finished
	if !fin.Unmarshal(body) {
		return tlsmsg.ErrShortBuffer
	}
	if !bytesEqual(fin.VerifyData, want) {
		a.sendFatalAlert(tlsmsg.AlertDescDecryptError)
		return errors.New("tlsbackend: Finished verify_data mismatch")
	}
	a.logReceived("Finished")
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
