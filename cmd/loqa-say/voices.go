package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speechd/pkg/client"
)

func newVoicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "voices",
		Short:   "List the voices offered by the server",
		Example: `loqa-say voices --addr localhost:9999`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			c, err := client.Dial(ctx, opts.addr)
			if err != nil {
				return err
			}
			defer c.Close()

			voices, err := c.EnumerateVoices(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VOICE\tENGINE\tRATE\tLANGUAGES")
			for _, v := range voices {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", v.Voice, v.Engine, v.SampleRate, strings.Join(v.Languages, ","))
			}
			return tw.Flush()
		},
	}
}
