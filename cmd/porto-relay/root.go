package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"porto-relay/internal/adminkey"
	"porto-relay/internal/config"
	"porto-relay/internal/relay"
)

// Set via -ldflags "-X main.version=...".
var version = "dev"

var (
	boldStyle  = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "porto-relay",
		Short:         "Local relay between a CLI and a browser dialog",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			return nil
		},
	}
	root.SetVersionTemplate("porto-relay {{.Version}}\n")
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(newServeCmd(a), newAwaitCmd(a))
	return root
}

// start brings up a relay and registers keys given on the command line plus
// the admin key, if configured.
func (a *app) start(ctx context.Context, out io.Writer, keys []string) (*relay.Relay, error) {
	r, err := relay.New(ctx, relay.Options{
		ListenAddr:      a.cfg.Listen,
		Timeout:         a.cfg.Timeout,
		BufferSize:      a.cfg.Buffer,
		MaxConnections:  a.cfg.MaxConnections,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		r.RegisterKey(k)
	}
	key, err := a.adminKey()
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("admin key: %w", err)
	}
	if key != nil {
		r.RegisterKey(key.PublicKey)
		fmt.Fprintf(out, "%s: %s\n", boldStyle.Render("Admin key address"), key.Address)
	}
	if published := r.Keys(); len(published) > 0 {
		fmt.Fprintf(out, "%s: %s\n", boldStyle.Render("Published keys"), strings.Join(published, ", "))
	}
	fmt.Fprintf(out, "%s: %s\n", boldStyle.Render("Relay URL"), r.URL())
	return r, nil
}

// adminKey returns the configured admin key, or nil when none is requested.
func (a *app) adminKey() (*adminkey.Key, error) {
	switch {
	case a.cfg.AdminKeyFile != "":
		return adminkey.LoadOrCreate(a.cfg.AdminKeyFile)
	case a.cfg.AdminKey:
		return adminkey.Generate()
	}
	return nil, nil
}
