// Package handshake implements the driver loop: it steps a
// tlsbackend.Adapter through every handshake state,
// firing the manipulation pipeline's pre_step/post_step hooks around
// each one, watches for an Alert record arriving instead of the
// expected flight, and emits the handshake-lifecycle trace events and
// NSS key-log entry. Grounded on _reference/tlsHandler/handshake.go's
// Handshake() read/peek/dispatch loop, generalized from its single
// TLS-1.3-passthrough read loop into a driver that steps an explicit
// state machine instead of delegating to crypto/tls.
package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/tlsprobe/tlsprobe/internal/diagnostics"
	"github.com/tlsprobe/tlsprobe/internal/manipulation"
	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlsbackend"
	"github.com/tlsprobe/tlsprobe/internal/tlsmsg"
)

// AlertError reports an Alert record received in place of the
// expected handshake flight.
type AlertError struct {
	Level       uint8
	Description uint8
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("alert received: level=%d description=%d", e.Level, e.Description)
}

// Driver runs one full handshake to completion or failure.
type Driver struct {
	adapter  *tlsbackend.Adapter
	ep       *netio.TcpEndpoint
	pipeline *manipulation.Pipeline
	sink     *diagnostics.Sink
	sess     *session.Session

	waitForAlert time.Duration
}

func NewDriver(sess *session.Session, ep *netio.TcpEndpoint, adapter *tlsbackend.Adapter, pipeline *manipulation.Pipeline, sink *diagnostics.Sink) *Driver {
	return &Driver{
		adapter:      adapter,
		ep:           ep,
		pipeline:     pipeline,
		sink:         sink,
		sess:         sess,
		waitForAlert: sess.Timeouts.WaitForAlert,
	}
}

// Run drives the handshake to HANDSHAKE_DONE or returns the first
// error encountered (network failure, an unexpected Alert, or a
// protocol-level mismatch Step reported).
func (d *Driver) Run() error {
	d.pipeline.RunPreHandshake(d.adapter)
	d.sink.Event("handshake", "Handshake started.")

	for d.adapter.CurrentState() != session.HandshakeDone {
		state := d.adapter.CurrentState()
		weSendHere := session.SendsAt(d.sess.Role, state)

		if weSendHere {
			if alertErr := d.tryReadAlert(false); alertErr != nil {
				return alertErr
			}
		}

		d.pipeline.RunPreStep(d.adapter, state)
		result, err := d.adapter.Step()
		d.pipeline.RunPostStep(d.adapter, state)

		if err != nil {
			var alertErr *tlsbackend.AlertReceivedError
			if errors.As(err, &alertErr) {
				return &AlertError{Level: alertErr.Level, Description: alertErr.Description}
			}
			if alertErr := d.tryReadAlert(false); alertErr != nil {
				return alertErr
			}
			return fmt.Errorf("handshake: step %s: %w", state, err)
		}
		if result == tlsbackend.SoftRetry {
			continue
		}

		if weSendHere {
			d.sess.SetExpectAlert(true)
		}

		if d.sess.ExpectAlert() {
			if alertErr := d.waitForExpectedAlert(); alertErr != nil {
				return alertErr
			}
			d.sess.SetExpectAlert(false)
		}

		if d.ep.IsClosed(true) {
			return errors.New("handshake: peer closed the connection mid-handshake")
		}
	}

	d.sink.Event("handshake", "Handshake successful.")
	if cr, ms, ok := d.adapter.SnapshotSecrets(); ok {
		if err := d.sink.WriteKeyLogEntry(cr, ms); err != nil {
			d.sink.Tracef("keylog", "failed to write key log entry: %v", err)
		}
	}

	d.drainApplicationData()
	return nil
}

// drainApplicationData runs after the handshake completes: it waits up
// to the configured TCP receive window for incoming application data
// and logs it as hex if any arrives. A timeout here is logged, never
// treated as an error.
func (d *Driver) drainApplicationData() {
	if d.sess.Timeouts.TCPReceive <= 0 {
		return
	}
	deadline := time.Now().Add(d.sess.Timeouts.TCPReceive)
	for time.Now().Before(deadline) {
		if d.ep.Available() > 0 {
			data, err := d.adapter.ReceiveApplicationData(1 << 16)
			if err != nil {
				d.sink.Tracef("application_data", "failed to receive application data: %v", err)
				return
			}
			d.sink.Tracef("application_data", "ApplicationData=%x", data)
			return
		}
		if d.ep.IsClosed(true) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	d.sink.Tracef("timeout", "TCP receive timeout after %s.", d.sess.Timeouts.TCPReceive)
}

// tryReadAlert peeks the next record; if it is an Alert, consumes and
// reports it. If force is true and nothing is available yet, it blocks
// up to waitForAlert for one to arrive.
func (d *Driver) tryReadAlert(force bool) error {
	typ, _, _, err := d.adapter.PeekRecordHeader()
	if err != nil {
		if !force {
			return nil
		}
		return d.waitForExpectedAlert()
	}
	if typ != tlsmsg.RecordTypeAlert {
		return nil
	}
	_, _, payload, err := d.adapter.ReadNextRecord()
	if err != nil {
		return err
	}
	alert, ok := tlsmsg.UnmarshalAlert(payload)
	if !ok {
		return errors.New("handshake: malformed Alert record")
	}
	d.sink.Native(diagnostics.NativeLine{Level: diagnostics.Medium,
		Message: fmt.Sprintf("alert received: level=%d description=%d", alert.Level, alert.Description)})
	return &AlertError{Level: alert.Level, Description: alert.Description}
}

// waitForExpectedAlert blocks up to waitForAlert for an Alert record,
// the probe a driver runs right after sending a flight in case the
// peer responds with one instead of its own next message.
func (d *Driver) waitForExpectedAlert() error {
	deadline := time.Now().Add(d.waitForAlert)
	for time.Now().Before(deadline) {
		if _, _, _, err := d.adapter.PeekRecordHeader(); err == nil {
			return d.tryReadAlert(true)
		}
		if d.ep.IsClosed(true) {
			return nil // peer closed instead of alerting; not itself an error
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
