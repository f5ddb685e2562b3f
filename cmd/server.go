package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/tlsprobe/tlsprobe/internal/netio"
	"github.com/tlsprobe/tlsprobe/internal/session"
)

func newServerCmd() *cobra.Command {
	f := &commonFlags{}
	var listenTimeout int
	c := &cobra.Command{
		Use:   "server",
		Short: "Act as a TLS server against a peer under test",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServer(f, listenTimeout)
		},
	}
	addCommonFlags(c, f)
	c.Flags().IntVar(&listenTimeout, "listen-timeout", 30, "seconds to wait for a client before re-accepting")
	return c
}

func runServer(f *commonFlags, listenTimeoutSeconds int) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if cfg.Role != session.RoleServer {
		return fail("--config mode=%q does not match the server subcommand", cfg.Role)
	}

	sink, err := buildSink(cfg, f.logLevel)
	if err != nil {
		return err
	}

	listenTimeout := cfg.ListenTimeout
	if listenTimeout == 0 {
		listenTimeout = time.Duration(listenTimeoutSeconds) * time.Second
	}

	ep := netio.NewTcpEndpoint()
	if err := ep.Listen(cfg.Port, listenTimeout); err != nil {
		return fail("listen on port %d: %v", cfg.Port, err)
	}

	// One handshake per accepted client, re-accepting after each
	// session 's server-mode exit contract: only a
	// listen or unrecoverable setup failure is fatal.
	for {
		haveClient, err := ep.Work()
		if err != nil {
			var to *netio.TimeoutError
			if errors.As(err, &to) {
				sink.Tracef("session", "listen timeout: %v", to)
				continue
			}
			return fail("accept: %v", err)
		}
		if !haveClient {
			continue
		}

		sess := session.NewSession(session.RoleServer)
		sess.Timeouts = session.Timeouts{
			TCPReceive:      cfg.ReceiveTimeout,
			WaitForAlert:    5 * time.Second,
			WaitBeforeClose: cfg.WaitBeforeClose,
			Close:           cfg.WaitBeforeClose,
			Listen:          listenTimeout,
		}

		if fd, ok := ep.SyscallFD(); ok {
			ep.RegisterObserver(netio.NewTimestampObserver(sink, fd))
		}

		sink.Event("session", "Client connected.")
		if err := runHandshake(cfg, sess, ep, sink); err != nil {
			sink.Tracef("session", "handshake failed: %v", err)
		}
		_ = ep.Close()
		ep = netio.NewTcpEndpoint()
		if err := ep.Listen(cfg.Port, listenTimeout); err != nil {
			return fail("re-listen on port %d: %v", cfg.Port, err)
		}
	}
}
