// Command loqa-say talks to a loqa-speechd server: it lists voices and speaks or
// records text.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type rootOptions struct {
	addr    string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "loqa-say",
		Short:         "Client for the loqa-speechd streaming speech server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:9999", "speech server address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up after this long")

	cmd.AddCommand(
		newVoicesCommand(opts),
		newSayCommand(opts),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
