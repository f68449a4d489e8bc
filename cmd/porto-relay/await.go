package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"porto-relay/internal/relay"
)

type awaitOptions struct {
	keys        []string
	ids         []uint
	timeout     time.Duration
	doneTopic   string
	doneMessage string
}

func newAwaitCmd(a *app) *cobra.Command {
	opts := &awaitOptions{}
	cmd := &cobra.Command{
		Use:   "await",
		Short: "Run the relay until the dialog answers every request id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.ids) == 0 {
				return errors.New("at least one --id is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.await(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.keys, "key", nil, "public key to publish on /.well-known/keys (repeatable)")
	cmd.Flags().UintSliceVar(&opts.ids, "id", nil, "request id to wait for (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "wait", 0, "per-request wait; defaults to --timeout")
	cmd.Flags().StringVar(&opts.doneTopic, "done-topic", "", "topic broadcast once every request is answered")
	cmd.Flags().StringVar(&opts.doneMessage, "done-message", "Request completed.", "content of the --done-topic message")
	return cmd
}

func (a *app) await(ctx context.Context, out io.Writer, opts *awaitOptions) error {
	r, err := a.start(ctx, out, opts.keys)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range opts.ids {
		g.Go(func() error {
			result, err := r.WaitForResponse(gctx, uint64(id), opts.timeout)
			switch {
			case errors.Is(err, relay.ErrTimedOut):
				return fmt.Errorf("request %d timed out", id)
			case errors.Is(err, relay.ErrChannelClosed):
				return fmt.Errorf("request %d: relay shut down", id)
			case err != nil:
				return fmt.Errorf("request %d: %w", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "%s %s\n", okStyle.Render(fmt.Sprintf("✓ request %d:", id)), result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if opts.doneTopic != "" {
		if _, err := r.Send(opts.doneTopic, map[string]string{"content": opts.doneMessage}); err != nil {
			return err
		}
	}
	return nil
}
