package main

import (
	"os"

	"github.com/clusterui/realtime/internal/config"
)

func main() {
	v := config.NewViper()

	rootCmd := newRootCommand()
	rootCmd.AddCommand(newRunCommand(v))
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
