// Command vmctl manages the virtual machines of a single libvirt host. It runs
// either as an MCP server (vmctl serve) or as a one-shot CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/jamesprial/vmctl/internal/app"
	"github.com/jamesprial/vmctl/internal/config"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd(app.DialLibvirt).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions carries flags and collaborators shared by every subcommand.
type rootOptions struct {
	configPath string
	connect    app.Connector
}

func newRootCmd(connect app.Connector) *cobra.Command {
	opts := &rootOptions{connect: connect}

	cmd := &cobra.Command{
		Use:   "vmctl",
		Short: "Single-host VM lifecycle manager",
		Long: `vmctl keeps a catalog of virtual machines in agreement with the libvirt
domains on this host. Run "vmctl serve" for the MCP server, or use the
subcommands directly.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default $VMCTL_CONFIG_PATH or "+config.DefaultPath+")")

	cmd.AddCommand(
		newServeCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newCreateCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newDeleteCmd(opts),
	)
	return cmd
}

// path resolves the config file: flag, then environment, then default.
func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv("VMCTL_CONFIG_PATH"); p != "" {
		return p
	}
	return config.DefaultPath
}

// loader returns an app.Loader that also applies the configured log level,
// so a reload can change verbosity.
func (o *rootOptions) loader() app.Loader {
	path := o.path()
	return func() (*config.Config, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if cfg.Log.Level != "" {
			if err := log.SetLevel(cfg.Log.Level); err != nil {
				return nil, fmt.Errorf("set log level: %w", err)
			}
		}
		return cfg, nil
	}
}

// withState builds the process context, runs fn and closes it again.
func (o *rootOptions) withState(ctx context.Context, fn func(*app.State) error) error {
	state, err := app.New(ctx, o.loader(), o.connect)
	if err != nil {
		return err
	}
	defer func() {
		if err := state.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("close process context")
		}
	}()
	return fn(state)
}
