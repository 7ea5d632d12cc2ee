package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// newRootCommand reads flags from the CLI, environment variables prefixed with
// REALTIME and config.yaml, in that order.
func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "realtime-gateway",
		Short: "Multiplex UI requests and live subscriptions onto a REST backend",
		Long: `Multiplex UI requests and live subscriptions onto a REST backend.

Clients connect to the /socket endpoint and issue verb calls or subscribe to
stream routes; the gateway forwards every call to the configured REST API and
pushes deduplicated, throttled updates back on each channel.`,
		SilenceUsage: true,
	}
}

// mustBindPFlag panics when key cannot be bound to flag.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}
