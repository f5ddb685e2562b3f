package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
)

func newClientCmd() *cobra.Command {
	f := &commonFlags{}
	c := &cobra.Command{
		Use:   "client",
		Short: "Act as a TLS client against a peer under test",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runClient(f)
		},
	}
	addCommonFlags(c, f)
	return c
}

func runClient(f *commonFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if cfg.Role != session.RoleClient {
		return fail("--config mode=%q does not match the client subcommand", cfg.Role)
	}

	sess := session.NewSession(session.RoleClient)
	sess.Timeouts = session.Timeouts{
		TCPReceive:      cfg.ReceiveTimeout,
		WaitForAlert:    5 * time.Second,
		WaitBeforeClose: cfg.WaitBeforeClose,
		Close:           cfg.WaitBeforeClose,
	}

	sink, err := buildSink(cfg, f.logLevel)
	if err != nil {
		return err
	}

	ep := netio.NewTcpEndpoint()
	if err := ep.Connect(cfg.Host, cfg.Port); err != nil {
		return fail("connect to %s:%d: %v", cfg.Host, cfg.Port, err)
	}
	defer func() { _ = ep.Close() }()
	if fd, ok := ep.SyscallFD(); ok {
		ep.RegisterObserver(netio.NewTimestampObserver(sink, fd))
	}

	sink.Event("session", "Connected to peer.")
	return runHandshake(cfg, sess, ep, sink)
}
