package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var keys []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cmd, keys)
		},
	}
	cmd.Flags().StringSliceVar(&keys, "key", nil, "public key to publish on /.well-known/keys (repeatable)")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command, keys []string) error {
	r, err := a.start(ctx, cmd.OutOrStdout(), keys)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}
