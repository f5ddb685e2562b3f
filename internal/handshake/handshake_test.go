package handshake_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tlsprobe/tlsprobe/internal/diagnostics"
	"github.com/tlsprobe/tlsprobe/internal/handshake"
	"github.com/tlsprobe/tlsprobe/internal/manipulation"
	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlsbackend"
	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// tracingSink builds a Sink with the production filter chain
// registered, writing to an in-memory buffer a test can assert the
// canonical trace lines against.
func tracingSink() (*diagnostics.Sink, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	sink := diagnostics.NewWithWriter(diagnostics.High, buf)
	for _, f := range diagnostics.DefaultFilters() {
		sink.RegisterFilter(f)
	}
	return sink, buf
}

// selfSignedRSACert generates a throwaway RSA identity for the server
// side of a loopback handshake test.
func selfSignedRSACert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tlsprobe-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM
}

// loopback establishes a real TCP connection between a client and
// server TcpEndpoint on 127.0.0.1, the way cmd's client/server
// subcommands do, so the test exercises the actual netio read/write
// path rather than an in-memory substitute.
func loopback(t *testing.T) (client, server *netio.TcpEndpoint) {
	t.Helper()
	server = netio.NewTcpEndpoint()
	require.NoError(t, server.Listen(0, 2*time.Second))
	addr := server.ListenAddr()
	require.NotNil(t, addr)

	_, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := server.Work()
		accepted <- err
	}()

	client = netio.NewTcpEndpoint()
	require.NoError(t, client.Connect("127.0.0.1", port))
	require.NoError(t, <-accepted)
	return client, server
}

// testSession builds a Session/Adapter pair bound to ep, restricted to
// TLS 1.2 with a single RSA cipher suite so the test exercises the RSA
// key-transport path the manipulation variants target.
func testSession(t *testing.T, role session.Role, ep *netio.TcpEndpoint, certPEM, keyPEM []byte) (*session.Session, *tlsbackend.Adapter) {
	t.Helper()
	sess := session.NewSession(role)
	sess.Timeouts = session.Timeouts{
		WaitForAlert:    300 * time.Millisecond,
		WaitBeforeClose: 300 * time.Millisecond,
	}
	a := tlsbackend.NewAdapter(sess, ep)
	a.SetVersionRange(session.VersionTLS12, session.VersionTLS12)
	a.SetCipherSuites([]uint16{tlscrypto.TLS_RSA_WITH_AES_128_CBC_SHA})
	if role == session.RoleServer {
		require.NoError(t, a.InstallCertificate(certPEM, keyPEM))
	}
	return sess, a
}

// runPair drives a client and server Driver concurrently to completion
// (or failure) and returns both errors. Each side's TcpEndpoint is
// closed the instant its own Driver returns: a Driver that errors out
// mid-handshake never closes the socket itself, and without this the
// other side's still-blocked, deadline-less Read would hang forever
// waiting for a FIN that nothing would ever send.
func runPair(clientEP, serverEP *netio.TcpEndpoint, clientDriver, serverDriver *handshake.Driver) (clientErr, serverErr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientErr = clientDriver.Run()
		_ = clientEP.Close()
	}()
	go func() {
		defer wg.Done()
		serverErr = serverDriver.Run()
		_ = serverEP.Close()
	}()
	wg.Wait()
	return clientErr, serverErr
}

func TestHandshakeNoManipulations(t *testing.T) {
	certPEM, keyPEM := selfSignedRSACert(t)
	clientEP, serverEP := loopback(t)
	defer clientEP.Close()
	defer serverEP.Close()

	clientSess, clientAdapter := testSession(t, session.RoleClient, clientEP, certPEM, keyPEM)
	serverSess, serverAdapter := testSession(t, session.RoleServer, serverEP, certPEM, keyPEM)

	clientSink := diagnostics.New(diagnostics.High)
	serverSink := diagnostics.New(diagnostics.High)

	clientDriver := handshake.NewDriver(clientSess, clientEP, clientAdapter, manipulation.NewPipeline(), clientSink)
	serverDriver := handshake.NewDriver(serverSess, serverEP, serverAdapter, manipulation.NewPipeline(), serverSink)

	clientErr, serverErr := runPair(clientEP, serverEP, clientDriver, serverDriver)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	require.Equal(t, session.HandshakeDone, clientAdapter.CurrentState())
	require.Equal(t, session.HandshakeDone, serverAdapter.CurrentState())

	clientCR, clientMS, ok := clientAdapter.SnapshotSecrets()
	require.True(t, ok)
	serverCR, serverMS, ok := serverAdapter.SnapshotSecrets()
	require.True(t, ok)
	require.Equal(t, clientCR, serverCR)
	require.Equal(t, clientMS, serverMS)
}

func TestHandshakeSkipChangeCipherSpecProvokesAlert(t *testing.T) {
	certPEM, keyPEM := selfSignedRSACert(t)
	clientEP, serverEP := loopback(t)
	defer clientEP.Close()
	defer serverEP.Close()

	clientSess, clientAdapter := testSession(t, session.RoleClient, clientEP, certPEM, keyPEM)
	serverSess, serverAdapter := testSession(t, session.RoleServer, serverEP, certPEM, keyPEM)

	clientPipeline := manipulation.NewPipeline()
	clientPipeline.Add(manipulation.SkipChangeCipherSpec())

	clientSink, clientTrace := tracingSink()
	serverSink, _ := tracingSink()

	clientDriver := handshake.NewDriver(clientSess, clientEP, clientAdapter, clientPipeline, clientSink)
	serverDriver := handshake.NewDriver(serverSess, serverEP, serverAdapter, manipulation.NewPipeline(), serverSink)

	clientErr, _ := runPair(clientEP, serverEP, clientDriver, serverDriver)

	// Skipping ChangeCipherSpec desynchronizes the two sides' framing:
	// the server finds a Handshake record where it expects
	// ChangeCipherSpec, sends a fatal Alert back, and the client
	// receives it in place of the server's own ChangeCipherSpec/Finished.
	require.Error(t, clientErr)
	var alertErr *handshake.AlertError
	require.ErrorAs(t, clientErr, &alertErr)
	require.Equal(t, tlsmsg.AlertLevelFatal, alertErr.Level)
	require.NotEqual(t, session.HandshakeDone, clientAdapter.CurrentState())
	require.Contains(t, clientTrace.String(), "Alert.level=02")
}

func TestHandshakePreMasterSecretRandomByteMismatch(t *testing.T) {
	certPEM, keyPEM := selfSignedRSACert(t)
	clientEP, serverEP := loopback(t)
	defer clientEP.Close()
	defer serverEP.Close()

	clientSess, clientAdapter := testSession(t, session.RoleClient, clientEP, certPEM, keyPEM)
	serverSess, serverAdapter := testSession(t, session.RoleServer, serverEP, certPEM, keyPEM)

	clientPipeline := manipulation.NewPipeline()
	clientPipeline.Add(manipulation.ManipulatePreMasterSecretRandomByte(2, 0x00))

	clientSink, clientTrace := tracingSink()
	serverSink, _ := tracingSink()

	clientDriver := handshake.NewDriver(clientSess, clientEP, clientAdapter, clientPipeline, clientSink)
	serverDriver := handshake.NewDriver(serverSess, serverEP, serverAdapter, manipulation.NewPipeline(), serverSink)

	clientErr, serverErr := runPair(clientEP, serverEP, clientDriver, serverDriver)

	// The server derives its master secret from the on-wire (corrupted)
	// PMS while the client derives its own from the original bytes, so
	// the server's Finished verify_data check fails; it sends a fatal
	// Alert back rather than completing, and the client receives that
	// Alert in place of the server's own ChangeCipherSpec/Finished.
	done := clientErr == nil && clientAdapter.CurrentState() == session.HandshakeDone &&
		serverErr == nil && serverAdapter.CurrentState() == session.HandshakeDone
	require.False(t, done, "handshake must not succeed when the client PMS random byte was tampered with")

	require.Error(t, clientErr)
	var alertErr *handshake.AlertError
	require.ErrorAs(t, clientErr, &alertErr)
	require.Equal(t, tlsmsg.AlertLevelFatal, alertErr.Level)
	require.Contains(t, clientTrace.String(), "Fatal Alert message received.")
}
