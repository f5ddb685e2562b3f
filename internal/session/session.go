// Package session holds the shared data model driven by the handshake
// engine: protocol version and cipher suite pairs, the handshake state
// enumeration, and the per-connection Session that the driver, the
// manipulation pipeline, and the TLS backend all read and mutate.
package session

import (
	"crypto/tls"
	"fmt"
	"time"
)

// Role identifies which side of the handshake this process plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Version is a (major, minor) TLS record-layer version pair as it
// appears on the wire. The zero value (0,0) is the "unset" sentinel.
type Version struct {
	Major, Minor uint8
}

var (
	VersionUnset = Version{0, 0}
	VersionTLS10 = Version{3, 1}
	VersionTLS11 = Version{3, 2}
	VersionTLS12 = Version{3, 3}
)

func (v Version) String() string {
	switch v {
	case VersionTLS10:
		return "TLSv1.0"
	case VersionTLS11:
		return "TLSv1.1"
	case VersionTLS12:
		return "TLSv1.2"
	case VersionUnset:
		return "unset"
	default:
		return fmt.Sprintf("(%d,%d)", v.Major, v.Minor)
	}
}

// Uint16 returns the version encoded as it appears in the wire
// ProtocolVersion field (major<<8|minor).
func (v Version) Uint16() uint16 {
	return uint16(v.Major)<<8 | uint16(v.Minor)
}

// Less reports whether v precedes other in protocol age.
func (v Version) Less(other Version) bool {
	return v.Uint16() < other.Uint16()
}

// CipherSuite is the two-byte wire identifier of a TLS cipher suite.
type CipherSuite struct {
	Upper, Lower uint8
}

func (c CipherSuite) ID() uint16 {
	return uint16(c.Upper)<<8 | uint16(c.Lower)
}

func (c CipherSuite) String() string {
	return fmt.Sprintf("%02x %02x", c.Upper, c.Lower)
}

func SuiteFromID(id uint16) CipherSuite {
	return CipherSuite{Upper: uint8(id >> 8), Lower: uint8(id)}
}

// State is the closed handshake-state enumeration this engine drives.
// Its integer order matches the wire progression of a full handshake; a
// manipulation may force non-adjacent jumps via Session.SetState, so
// State itself carries no transition logic.
type State int

const (
	HelloRequest State = iota
	ClientHello
	ServerHello
	ServerCertificate
	ServerKeyExchange
	CertificateRequest
	ServerHelloDone
	ClientCertificate
	ClientKeyExchange
	CertificateVerify
	ClientChangeCipherSpec
	ClientFinished
	ServerChangeCipherSpec
	ServerFinished
	Internal1Flush
	Internal2Wrapup
	HandshakeDone
)

var stateNames = [...]string{
	"HELLO_REQUEST", "CLIENT_HELLO", "SERVER_HELLO", "SERVER_CERTIFICATE",
	"SERVER_KEY_EXCHANGE", "CERTIFICATE_REQUEST", "SERVER_HELLO_DONE",
	"CLIENT_CERTIFICATE", "CLIENT_KEY_EXCHANGE", "CERTIFICATE_VERIFY",
	"CLIENT_CHANGE_CIPHER_SPEC", "CLIENT_FINISHED", "SERVER_CHANGE_CIPHER_SPEC",
	"SERVER_FINISHED", "INTERNAL_1", "INTERNAL_2", "HANDSHAKE_DONE",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// InitialState returns the first state a session of the given role
// starts at: HELLO_REQUEST for a server (it waits there until a client
// connects and sends ClientHello), CLIENT_HELLO for a client.
func InitialState(r Role) State {
	if r == RoleServer {
		return HelloRequest
	}
	return ClientHello
}

// SendsAt reports whether role r is the sender of the flight due at
// state s.
func SendsAt(r Role, s State) bool {
	switch s {
	case ClientHello, ClientCertificate, ClientKeyExchange, CertificateVerify,
		ClientChangeCipherSpec, ClientFinished:
		return r == RoleClient
	case HelloRequest, ServerHello, ServerCertificate, ServerKeyExchange,
		CertificateRequest, ServerHelloDone, ServerChangeCipherSpec, ServerFinished:
		return r == RoleServer
	default:
		return false
	}
}

// ServerSimulation names a backend-specific non-conforming-server
// timing/field-choice profile.
type ServerSimulation struct {
	ID    int
	Delay time.Duration // only meaningful when ID == 6
}

// Validate checks that id is in 0..6, and that id==6 carries a
// positive delay not exceeding 1,000,000 microseconds.
func (s ServerSimulation) Validate() error {
	if s.ID < 0 || s.ID > 6 {
		return fmt.Errorf("tlsServerSimulation id %d out of range 0..6", s.ID)
	}
	if s.ID == 6 {
		if s.Delay <= 0 {
			return fmt.Errorf("tlsServerSimulation id 6 requires tlsServerSimulationDelay to be set")
		}
		if s.Delay > 1_000_000*time.Microsecond {
			return fmt.Errorf("tlsServerSimulationDelay %d exceeds maximum of 1000000us", s.Delay/time.Microsecond)
		}
	}
	return nil
}

// Timeouts collects every bounded wait this engine honors. Every
// field is a Go time.Duration; the configuration layer is responsible
// for converting the source file's seconds-valued keys into these
// (see config.Config for the one exception, tlsServerSimulationDelay,
// which is natively microseconds).
type Timeouts struct {
	Listen         time.Duration
	TCPReceive     time.Duration
	WaitForAlert   time.Duration
	WaitBeforeClose time.Duration
	Close          time.Duration
}

// Session owns everything the handshake driver, the manipulation
// pipeline, and the TLS backend need to share about one connection.
// It is accessed from a single goroutine only; no internal locking is
// performed.
type Session struct {
	Role    Role
	State   State
	Version Version // negotiated version; VersionUnset until ServerHello
	Suite   CipherSuite

	MinVersion Version
	MaxVersion Version
	OfferedSuites []CipherSuite
	ServerName    string // SNI hostname a client offers, if any

	ClientRandom [32]byte
	HaveClientRandom bool
	MasterSecret [48]byte
	HaveMasterSecret bool

	Certificate *tls.Certificate // nil if not configured

	Simulation ServerSimulation

	Timeouts Timeouts

	// KeyLogPath, if non-empty, is where NSS CLIENT_RANDOM lines are appended.
	KeyLogPath string

	// expectAlert is set by the driver after sending a flight and
	// cleared once wait_for_alert has run.
	expectAlert bool
}

// NewSession constructs a session in its role's initial state.
func NewSession(role Role) *Session {
	return &Session{
		Role:  role,
		State: InitialState(role),
	}
}

// SetState performs a plain assignment, never a transition function:
// manipulations must be able to force non-adjacent jumps.
func (s *Session) SetState(st State) {
	s.State = st
}

func (s *Session) SetExpectAlert(v bool) { s.expectAlert = v }
func (s *Session) ExpectAlert() bool      { return s.expectAlert }
