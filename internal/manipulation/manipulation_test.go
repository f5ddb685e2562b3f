package manipulation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tlsprobe/tlsprobe/internal/session"
	"github.com/tlsprobe/tlsprobe/internal/tlsbackend"
)

// TestPipelinePreStepPostStepPairing verifies the active-flag
// pairing discipline: a manipulation installed at pre_step for a given
// state is restored at post_step of that same state, and never fires
// for any other state.
func TestPipelinePreStepPostStepPairing(t *testing.T) {
	var events []string

	p := NewPipeline()
	p.Add(Manipulation{
		Name:  "recorder",
		State: session.ClientKeyExchange,
		Install: func(a *tlsbackend.Adapter) { events = append(events, "install") },
		Restore: func(a *tlsbackend.Adapter) { events = append(events, "restore") },
	})

	a := tlsbackend.NewAdapter(session.NewSession(session.RoleClient), nil)

	// A state the manipulation isn't scoped to: neither hook fires.
	p.RunPreStep(a, session.ServerHello)
	p.RunPostStep(a, session.ServerHello)
	require.Empty(t, events)

	// The scoped state: install then restore, in that order.
	p.RunPreStep(a, session.ClientKeyExchange)
	require.Equal(t, []string{"install"}, events)
	p.RunPostStep(a, session.ClientKeyExchange)
	require.Equal(t, []string{"install", "restore"}, events)
}

// TestPipelinePreHandshakeNeverRestored verifies that a PreHandshake
// manipulation (SkipChangeCipherSpec, SkipFinished) fires exactly once
// and is never paired with a post_step restore, since it has no State
// scope to match against.
func TestPipelinePreHandshakeNeverRestored(t *testing.T) {
	var installs int
	p := NewPipeline()
	p.Add(Manipulation{
		Name:         "persistent",
		PreHandshake: true,
		Install:      func(a *tlsbackend.Adapter) { installs++ },
	})

	a := tlsbackend.NewAdapter(session.NewSession(session.RoleClient), nil)
	p.RunPreHandshake(a)
	require.Equal(t, 1, installs)

	for s := session.HelloRequest; s <= session.HandshakeDone; s++ {
		p.RunPreStep(a, s)
		p.RunPostStep(a, s)
	}
	require.Equal(t, 1, installs, "a PreHandshake manipulation must not refire from pre_step")
}

// TestSkipChangeCipherSpecSetsAdapterFlag grounds the manipulation
// constructors themselves against the adapter hooks they're meant to
// drive, rather than only the pipeline's own dispatch logic.
func TestSkipChangeCipherSpecSetsAdapterFlag(t *testing.T) {
	a := tlsbackend.NewAdapter(session.NewSession(session.RoleClient), nil)
	m := SkipChangeCipherSpec()
	require.True(t, m.PreHandshake)
	m.Install(a) // must not panic; SetSkipChangeCipherSpec takes no other state
}
