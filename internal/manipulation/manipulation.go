// Package manipulation implements the seven scripted protocol
// deviations this tool supports as an ordered ManipulationPipeline
// with four join points around the handshake driver's step loop
// (pre_handshake, pre_step, post_step, post_handshake). Each
// manipulation that overrides adapter state for a single step installs
// the override at pre_step and clears it at post_step of the same
// state — the active-flag pairing discipline that keeps a
// manipulation from leaking into steps it wasn't scoped to.
package manipulation

import (
	"crypto/rand"

	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlsbackend"
	"github.com/tlsprobe/tlsprobe/internal/tlscrypto"
)

// Manipulation is one scripted deviation. Persistent manipulations
// (SkipChangeCipherSpec, SkipFinished) set PreHandshake and leave
// Restore nil; every PMS/PKCS1 manipulation sets State to
// ClientKeyExchange, the one step that builds or consumes the
// PreMasterSecret, and pairs Install/Restore around it.
type Manipulation struct {
	Name    string
	State   session.State // which step's pre/post hooks this fires at; ignored if PreHandshake is true
	PreHandshake bool      // fires once, before the first step, never restored
	Install func(a *tlsbackend.Adapter)
	Restore func(a *tlsbackend.Adapter)
}

// Pipeline holds the ordered manipulations configured for one
// connection.
type Pipeline struct {
	items []Manipulation
}

func NewPipeline() *Pipeline { return &Pipeline{} }

func (p *Pipeline) Add(m Manipulation) { p.items = append(p.items, m) }

// RunPreHandshake fires every PreHandshake manipulation, once, before
// the driver's first call to Adapter.Step.
func (p *Pipeline) RunPreHandshake(a *tlsbackend.Adapter) {
	for _, m := range p.items {
		if m.PreHandshake && m.Install != nil {
			m.Install(a)
		}
	}
}

// RunPreStep installs every manipulation scoped to state.
func (p *Pipeline) RunPreStep(a *tlsbackend.Adapter, state session.State) {
	for _, m := range p.items {
		if !m.PreHandshake && m.State == state && m.Install != nil {
			m.Install(a)
		}
	}
}

// RunPostStep restores every manipulation scoped to state, in reverse
// installation order so a later override's Restore cannot be clobbered
// by an earlier one still unwinding.
func (p *Pipeline) RunPostStep(a *tlsbackend.Adapter, state session.State) {
	for i := len(p.items) - 1; i >= 0; i-- {
		m := p.items[i]
		if !m.PreHandshake && m.State == state && m.Restore != nil {
			m.Restore(a)
		}
	}
}

// SkipChangeCipherSpec omits this side's own ChangeCipherSpec record
//.
func SkipChangeCipherSpec() Manipulation {
	return Manipulation{
		Name:         "skip_change_cipher_spec",
		PreHandshake: true,
		Install:      func(a *tlsbackend.Adapter) { a.SetSkipChangeCipherSpec(true) },
	}
}

// SkipFinished omits this side's own Finished message.
func SkipFinished() Manipulation {
	return Manipulation{
		Name:         "skip_finished",
		PreHandshake: true,
		Install:      func(a *tlsbackend.Adapter) { a.SetSkipFinished(true) },
	}
}

// ManipulatePreMasterSecretVersion overwrites the PreMasterSecret's
// 2-byte client_version field with newVersion, independent of the
// ClientHello version actually offered.
func ManipulatePreMasterSecretVersion(newVersion uint16) Manipulation {
	return Manipulation{
		Name:  "manipulate_pre_master_secret_version",
		State: session.ClientKeyExchange,
		Install: func(a *tlsbackend.Adapter) { a.OverwritePMSVersion(newVersion) },
		Restore: func(a *tlsbackend.Adapter) { a.RestorePMSVersion() },
	}
}

// ManipulatePreMasterSecretRandom fills all 46 bytes of the
// PreMasterSecret following its client_version field with fresh
// non-zero random bytes, generated anew on every Install so a pipeline
// reused across repeated handshakes never resends the same PMS
//.
func ManipulatePreMasterSecretRandom() Manipulation {
	return Manipulation{
		Name:  "manipulate_pre_master_secret_random",
		State: session.ClientKeyExchange,
		Install: func(a *tlsbackend.Adapter) {
			var random [46]byte
			_, _ = rand.Read(random[:])
			for i, b := range random {
				if b == 0 {
					random[i] = 0x01
				}
			}
			a.OverwritePMSRandom(random)
		},
		Restore: func(a *tlsbackend.Adapter) { a.RestorePMSRandom() },
	}
}

// ManipulatePreMasterSecretRandomByte overwrites a single byte of the
// PreMasterSecret at the given absolute offset (0..47; an index >= 46
// relative to the random portion is rejected upstream — callers pass
// the absolute PMS index, already validated by config).
func ManipulatePreMasterSecretRandomByte(index int, b byte) Manipulation {
	return Manipulation{
		Name:  "manipulate_pre_master_secret_random_byte",
		State: session.ClientKeyExchange,
		Install: func(a *tlsbackend.Adapter) { a.OverwritePMSRandomByte(index, b) },
		Restore: func(a *tlsbackend.Adapter) { a.RestorePMSRandomByte(index) },
	}
}

// ManipulateRsaesPkcs1V15EncryptPadding overwrites one or more of the
// three fixed RSAES-PKCS1-v1.5 padding bytes (first byte, block type,
// separator) the client constructs before RSA-encrypting the PMS.
func ManipulateRsaesPkcs1V15EncryptPadding(first, blockType, sep *uint8) Manipulation {
	override := tlscrypto.PaddingOverride{First: first, BlockType: blockType, Separator: sep}
	return Manipulation{
		Name:  "manipulate_rsaes_pkcs1_v15_encrypt_padding",
		State: session.ClientKeyExchange,
		Install: func(a *tlsbackend.Adapter) { a.OverwritePKCS1Padding(override) },
		Restore: func(a *tlsbackend.Adapter) { a.RestorePKCS1Padding() },
	}
}

// SkipRsaesPkcs1V15PaddingCheck disables one or more of the server's
// four independent PKCS#1 validations when decrypting the
// ClientKeyExchange (first byte, block type, 0x00 delimiter presence,
// PMS client_version match).
func SkipRsaesPkcs1V15PaddingCheck(firstByte, blockType, delimiter, pmsVersion bool) Manipulation {
	checks := tlscrypto.DecryptChecks{
		CheckFirstByte:  !firstByte,
		CheckBlockType:  !blockType,
		CheckDelimiter:  !delimiter,
		CheckPMSVersion: !pmsVersion,
	}
	return Manipulation{
		Name:  "skip_rsaes_pkcs1_v15_padding_check",
		State: session.ClientKeyExchange,
		Install: func(a *tlsbackend.Adapter) { a.SkipPKCS1Checks(checks) },
		Restore: func(a *tlsbackend.Adapter) { a.RestorePKCS1Checks() },
	}
}
