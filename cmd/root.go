// Package cmd wires an spf13/cobra CLI to the scripted TLS engine: a
// root command plus client and server subcommands, each accepting
// --config and a handful of flag overrides for the commonly-touched
// keys. Grounded on _reference/cmd/root.go and _reference/cmd/cmd.go's
// Root/Plugins registration idiom, simplified to this module's two
// fixed modes (a plugin-list pattern would be overkill for two
// subcommands that never grow at runtime).
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Execute builds the root command tree and runs it; main.go's only
// job is calling this and translating its error into an exit code.
func Execute() error {
	root := &cobra.Command{
		Use:           "tlsprobe",
		Short:         "Scriptable TLS conformance and negative-testing endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newClientCmd())
	root.AddCommand(newServerCmd())
	return root.Execute()
}

// commonFlags is embedded by both subcommands' RunE closures; it holds
// the flag destinations cobra binds to, which are then layered over
// the --config file via viper before config.LoadOverrides validates
// the merged result once.
type commonFlags struct {
	configPath string
	host       string
	port       int
	tlsVersion string
	logLevel   string
}

func addCommonFlags(c *cobra.Command, f *commonFlags) {
	c.Flags().StringVar(&f.configPath, "config", "", "path to a key=value configuration file (required)")
	c.Flags().StringVar(&f.host, "host", "", "override the host configuration key")
	c.Flags().IntVar(&f.port, "port", 0, "override the port configuration key")
	c.Flags().StringVar(&f.tlsVersion, "tls-version", "", "override the tlsVersion configuration key, e.g. (3,3)")
	c.Flags().StringVar(&f.logLevel, "log-level", "off", "diagnostics level: off, low, medium, high")
}

func fail(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
