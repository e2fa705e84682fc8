package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "maroon-node",
		Short: "Run and inspect a maroon distributed task runtime node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a node config file (yaml/toml/json)")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newPeerIDCommand())
	root.AddCommand(newLinearizeCommand())

	return root
}
